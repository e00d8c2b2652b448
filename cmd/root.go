package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/marketpulse/internal/config"
	"github.com/zjrosen/marketpulse/internal/log"
)

// localConfigPath is checked before the user config directory.
var localConfigPath = filepath.Join(".marketpulse", "config.yaml")

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config

	// configErr is set by initConfig and surfaced by the first command.
	configErr  error
	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:   "marketpulse",
	Short: "Run market sentiment analysis jobs and stream their progress",
	Long: `marketpulse runs an external analysis worker per job, classifies its
output into stage progress events and broadcasts them to every observer of
the job over Server-Sent Events.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./.marketpulse/config.yaml, then ~/.config/marketpulse/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging")
}

func initConfig() {
	v := viper.GetViper()
	setDefaults(v, config.Defaults())

	v.SetEnvPrefix("MARKETPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if _, err := os.Stat(localConfigPath); err == nil {
		v.SetConfigFile(localConfigPath)
	} else {
		v.AddConfigPath(config.DefaultConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			configErr = fmt.Errorf("reading config: %w", err)
			return
		}
		// No config file anywhere; defaults and environment apply
	}

	cfg = config.Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		configErr = fmt.Errorf("decoding config: %w", err)
		return
	}
	if cfg.Tracing.FilePath == "" {
		cfg.Tracing.FilePath = config.DefaultTracesFilePath()
	}
}

// setDefaults registers every key so environment overrides apply even when
// the config file omits the key.
func setDefaults(v *viper.Viper, d config.Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.heartbeat_interval", d.Server.HeartbeatInterval)
	v.SetDefault("server.submit_rate", d.Server.SubmitRate)
	v.SetDefault("server.submit_burst", d.Server.SubmitBurst)

	v.SetDefault("worker.command", d.Worker.Command)
	v.SetDefault("worker.args", d.Worker.Args)
	v.SetDefault("worker.work_dir", d.Worker.WorkDir)
	v.SetDefault("worker.env", d.Worker.Env)
	v.SetDefault("worker.timeout", d.Worker.Timeout)
	v.SetDefault("worker.kill_grace", d.Worker.KillGrace)
	v.SetDefault("worker.max_line_bytes", d.Worker.MaxLineBytes)
	v.SetDefault("worker.stderr_tail_lines", d.Worker.StderrTailLines)

	v.SetDefault("jobs.max_concurrent", d.Jobs.MaxConcurrent)
	v.SetDefault("jobs.channel_grace", d.Jobs.ChannelGrace)
	v.SetDefault("jobs.orphan_ttl", d.Jobs.OrphanTTL)

	v.SetDefault("persistence.max_attempts", d.Persistence.MaxAttempts)
	v.SetDefault("persistence.initial_backoff", d.Persistence.InitialBackoff)
	v.SetDefault("persistence.max_backoff", d.Persistence.MaxBackoff)
	v.SetDefault("persistence.event_write_timeout", d.Persistence.EventWriteTimeout)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)

	v.SetDefault("cache.result_ttl", d.Cache.ResultTTL)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)

	v.SetDefault("classifier.rules_file", d.Classifier.RulesFile)
	v.SetDefault("classifier.watch", d.Classifier.Watch)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

func setup(_ *cobra.Command, _ []string) error {
	if configErr != nil {
		return configErr
	}
	if debugFlag {
		cfg.Log.Level = "debug"
	}
	cleanup, err := log.Init(cfg.Log.Options())
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	logCleanup = cleanup
	log.Debug(log.CatConfig, "Configuration loaded", "file", viper.ConfigFileUsed(), "driver", cfg.Storage.Driver)
	return nil
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if logCleanup != nil {
		logCleanup()
	}
	return err
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
