package log

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line: %s", line)
		entries = append(entries, entry)
	}
	return entries
}

func TestInit_WritesCategorizedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketpulse.log")
	cleanup, err := Init(Options{Level: LevelDebug, File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	Info(CatOrch, "job submitted", "job_id", "abc")
	ErrorErr(CatWorker, "spawn failed", errors.New("no such file"))
	cleanup()

	entries := readEntries(t, path)
	require.Len(t, entries, 2)

	require.Equal(t, "job submitted", entries[0]["msg"])
	require.Equal(t, "orch", entries[0]["category"])
	require.Equal(t, "abc", entries[0]["job_id"])

	require.Equal(t, "worker", entries[1]["category"])
	require.Equal(t, "no such file", entries[1]["error"])
}

func TestSetMinLevel_FiltersLowerLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketpulse.log")
	cleanup, err := Init(Options{Level: LevelDebug, File: path})
	require.NoError(t, err)

	SetMinLevel(LevelWarn)
	Debug(CatDB, "hidden")
	Info(CatDB, "hidden too")
	Warn(CatDB, "visible")
	cleanup()

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	require.Equal(t, "visible", entries[0]["msg"])
}

func TestLog_OddFieldCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketpulse.log")
	cleanup, err := Init(Options{Level: LevelInfo, File: path})
	require.NoError(t, err)

	Info(CatAPI, "orphan", "lonely")
	cleanup()

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	require.Equal(t, "<missing>", entries[0]["lonely"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			require.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}
