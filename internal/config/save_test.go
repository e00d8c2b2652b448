package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFile(t *testing.T, path string) Config {
	t.Helper()
	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return cfg
}

func writeTemplate(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))
	return path
}

func TestSetValue_UpdatesExistingKey(t *testing.T) {
	path := writeTemplate(t)

	require.NoError(t, SetValue(path, "worker.timeout", "45s"))

	cfg := loadFile(t, path)
	require.Equal(t, 45*time.Second, cfg.Worker.Timeout)
	require.Equal(t, "python3", cfg.Worker.Command)
}

func TestSetValue_PreservesComments(t *testing.T) {
	path := writeTemplate(t)

	require.NoError(t, SetValue(path, "worker.timeout", "45s"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# Hard deadline per job")
	assert.Contains(t, content, "# Retry policy for result and job writes")
	assert.Contains(t, content, "max_concurrent: 4")
}

func TestSetValue_CreatesNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	require.NoError(t, SetValue(path, "storage.driver", "memory"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "storage:\n  driver: memory\n", string(data))
}

func TestSetValue_AddsMissingKeyToSection(t *testing.T) {
	path := writeTemplate(t)

	require.NoError(t, SetValue(path, "classifier.rules_file", "rules.yaml"))

	cfg := loadFile(t, path)
	require.Equal(t, "rules.yaml", cfg.Classifier.RulesFile)
	require.False(t, cfg.Classifier.Watch)
}

func TestSetValue_ListValue(t *testing.T) {
	path := writeTemplate(t)

	require.NoError(t, SetValue(path, "worker.args", "[run.py, --simple-logging]"))

	cfg := loadFile(t, path)
	require.Equal(t, []string{"run.py", "--simple-logging"}, cfg.Worker.Args)
}

func TestSetValue_Errors(t *testing.T) {
	path := writeTemplate(t)

	err := SetValue(path, "server.addr.port", "9090")
	require.ErrorContains(t, err, "server.addr is not a section")

	err = SetValue(path, "worker..timeout", "1s")
	require.ErrorContains(t, err, "invalid key")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("- a\n- b\n"), 0o600))
	err = SetValue(bad, "server.addr", ":1")
	require.ErrorContains(t, err, "config root must be a mapping")
}
