// Package testutil provides helpers for tests that run real worker processes.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// RequireShell skips the test on platforms without /bin/sh.
func RequireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker script tests require /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("worker script tests require /bin/sh")
	}
}

// WriteWorker writes an executable sh script with body to a temp dir and
// returns its path. The script receives subject, start and end as $1..$3.
func WriteWorker(t *testing.T, body string) string {
	t.Helper()
	RequireShell(t)

	path := filepath.Join(t.TempDir(), "worker.sh")
	script := "#!/bin/sh\n" + strings.TrimLeft(body, "\n")
	if !strings.HasSuffix(script, "\n") {
		script += "\n"
	}
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil { //nolint:gosec // G306: test script must be executable
		t.Fatalf("write worker script: %v", err)
	}
	return path
}

// Progress returns a shell line printing msg to stderr.
func Progress(msg string) string {
	return fmt.Sprintf("echo %s >&2\n", shellQuote(msg))
}

// Stdout returns a shell line printing msg to stdout.
func Stdout(msg string) string {
	return fmt.Sprintf("echo %s\n", shellQuote(msg))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ScenarioWorker emits collection and scoring progress and then the given
// payload line on stdout. pause is inserted between steps as a sleep
// argument (e.g. "0.05"); empty means no pause.
func ScenarioWorker(t *testing.T, payload string, pause string) string {
	t.Helper()
	sleep := ""
	if pause != "" {
		sleep = "sleep " + pause + "\n"
	}
	var b strings.Builder
	b.WriteString(Progress("collecting news"))
	b.WriteString(sleep)
	b.WriteString(Progress("[DONE] news collected: 8 articles"))
	b.WriteString(sleep)
	b.WriteString(Progress("scoring sentiment"))
	b.WriteString(sleep)
	b.WriteString(Progress("[DONE] sentiment analysis complete"))
	b.WriteString(sleep)
	if payload != "" {
		b.WriteString(Stdout(payload))
	}
	b.WriteString("exit 0\n")
	return WriteWorker(t, b.String())
}
