package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/marketpulse/internal/config"
	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/orchestration/classifier"
	"github.com/zjrosen/marketpulse/internal/testutil"
)

// withConfig swaps the package config for the duration of a test.
func withConfig(t *testing.T, c config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func outputCommand() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&buf)
	c.SetErr(&buf)
	return c, &buf
}

func TestClassifyLines_TracksStages(t *testing.T) {
	input := strings.Join([]string{
		"collecting news",
		"[DONE] news collected: 8 articles",
		"unrelated chatter",
		`{"positive":1}`,
		"sentiment distribution: positive 5, negative 2",
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, classifyLines(classifier.NewDefault(), strings.NewReader(input), &out, 0, false))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, []string{"collection", "loading"}, strings.Fields(lines[0])[:2])
	require.Equal(t, []string{"collection", "success"}, strings.Fields(lines[1])[:2])
	// The distribution rule has no fixed stage; collection advanced to enrichment.
	require.Equal(t, []string{"enrichment", "loading"}, strings.Fields(lines[2])[:2])
	require.Contains(t, lines[2], "[positive 5, negative 2]")
	require.Contains(t, lines[2], "(distribution)")
}

func TestClassifyLines_All(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, classifyLines(classifier.NewDefault(), strings.NewReader("[12:00:00] unrelated chatter\n\n"), &out, 0, true))
	require.Equal(t, []string{"-", "-", "unrelated", "chatter"}, strings.Fields(out.String()))
}

func TestNewClassifier_RulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`rules:
  - name: custom
    stage: report
    status: success
    any: ["all done"]
`), 0o600))

	cls, stop, err := newClassifier(config.ClassifierConfig{RulesFile: path})
	require.NoError(t, err)
	require.NoError(t, stop())

	ev, ok := cls.Classify("ALL DONE here", domain.StageCollection)
	require.True(t, ok)
	require.Equal(t, "custom", ev.Rule)
	require.Equal(t, domain.StageReport, ev.Stage)

	_, _, err = newClassifier(config.ClassifierConfig{RulesFile: filepath.Join(t.TempDir(), "missing.yaml")})
	require.ErrorContains(t, err, "loading classifier rules")
}

func TestParseListFilter(t *testing.T) {
	f, err := parseListFilter("failed, processing", 10)
	require.NoError(t, err)
	require.Equal(t, []domain.Status{domain.StatusFailed, domain.StatusProcessing}, f.Statuses)
	require.Equal(t, 10, f.Limit)

	f, err = parseListFilter("", 0)
	require.NoError(t, err)
	require.Empty(t, f.Statuses)

	_, err = parseListFilter("done", 0)
	require.ErrorContains(t, err, `unknown status "done"`)

	_, err = parseListFilter("", -1)
	require.Error(t, err)
}

func TestOpenStores(t *testing.T) {
	ctx := context.Background()

	st, err := openStores(ctx, config.StorageConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = openStores(ctx, config.StorageConfig{
		Driver:     config.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "db", "marketpulse.db"),
	})
	require.NoError(t, err)
	jobs, err := st.jobs.List(ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.Empty(t, jobs)
	require.NoError(t, st.Close())

	_, err = openStores(ctx, config.StorageConfig{Driver: "mysql"})
	require.ErrorContains(t, err, "unknown storage driver")
}

func TestSetDefaults_EnvOverride(t *testing.T) {
	t.Setenv("MARKETPULSE_WORKER_TIMEOUT", "42s")
	t.Setenv("MARKETPULSE_STORAGE_DRIVER", "memory")

	v := viper.New()
	setDefaults(v, config.Defaults())
	v.SetEnvPrefix("MARKETPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	c := config.Defaults()
	require.NoError(t, v.Unmarshal(&c))
	require.Equal(t, 42*time.Second, c.Worker.Timeout)
	require.Equal(t, config.DriverMemory, c.Storage.Driver)
	require.Equal(t, config.Defaults().Server, c.Server)
}

func TestRunOnce_Success(t *testing.T) {
	c := config.Defaults()
	c.Worker.Command = testutil.ScenarioWorker(t, `{"positive":5,"negative":1,"neutral":2}`, "")
	c.Worker.Args = nil
	c.Worker.Timeout = 10 * time.Second
	withConfig(t, c)

	cmd, out := outputCommand()
	require.NoError(t, runOnce(cmd, []string{"ACME", "2024-01-01", "2024-01-31"}))

	text := out.String()
	require.Contains(t, text, "collection loading")
	require.Contains(t, text, "done success: analysis complete")
	require.Contains(t, text, `"positive": 5`)
}

func TestRunOnce_Failure(t *testing.T) {
	c := config.Defaults()
	c.Worker.Command = testutil.WriteWorker(t, testutil.Progress("fatal: disk full")+"exit 3\n")
	c.Worker.Args = nil
	withConfig(t, c)

	cmd, out := outputCommand()
	err := runOnce(cmd, []string{"ACME", "2024-01-01", "2024-01-31"})
	require.ErrorContains(t, err, "NonZeroExit")
	require.Contains(t, out.String(), "done error")
}

func TestRunOnce_InvalidPeriod(t *testing.T) {
	c := config.Defaults()
	c.Worker.Command = testutil.ScenarioWorker(t, "", "")
	withConfig(t, c)

	cmd, _ := outputCommand()
	err := runOnce(cmd, []string{"ACME", "2024-02-01", "2024-01-01"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "periodStart", verr.Field)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	configInitPath = path
	t.Cleanup(func() { configInitPath = ""; configInitForce = false })

	cmd, out := outputCommand()
	require.NoError(t, runConfigInit(cmd, nil))
	require.Contains(t, out.String(), path)

	err := runConfigInit(cmd, nil)
	require.ErrorContains(t, err, "already exists")

	configInitForce = true
	require.NoError(t, runConfigInit(cmd, nil))
}
