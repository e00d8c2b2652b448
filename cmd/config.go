package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/marketpulse/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Long: `Write the commented default configuration. The file goes to
./.marketpulse/config.yaml unless --path or --config is given.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set one configuration key, keeping comments",
	Long: `Set a dotted key in the configuration file. The value is read as YAML.

Example:
  marketpulse config set worker.timeout 10m
  marketpulse config set worker.args "[main.py, --simple-logging]"
  marketpulse config set storage.driver postgres`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var (
	configInitPath  string
	configInitForce bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configSetCmd)

	configInitCmd.Flags().StringVar(&configInitPath, "path", "", "Where to write the file")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
}

// targetConfigPath picks the file config commands write to.
func targetConfigPath() string {
	switch {
	case cfgFile != "":
		return cfgFile
	case viper.ConfigFileUsed() != "":
		return viper.ConfigFileUsed()
	default:
		return localConfigPath
	}
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := configInitPath
	if path == "" {
		path = cfgFile
	}
	if path == "" {
		path = localConfigPath
	}
	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.WriteDefaultConfig(path); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	path := targetConfigPath()
	if err := config.SetValue(path, args[0], args[1]); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Set %s in %s\n", args[0], path)
	return nil
}
