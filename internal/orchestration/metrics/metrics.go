// Package metrics provides per-run counters for supervised worker processes.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"
)

// RunMetrics is a snapshot of what a worker run produced.
type RunMetrics struct {
	// Output volume
	StdoutLines int64 `json:"stdout_lines"`
	StderrLines int64 `json:"stderr_lines"`

	// Classification
	ClassifiedLines int64 `json:"classified_lines"`
	IgnoredLines    int64 `json:"ignored_lines"`

	// Result payload
	PayloadBytes int `json:"payload_bytes"`

	// Process
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration_ns"`
	StartedAt time.Time     `json:"started_at"`
}

// TotalLines returns lines read from both streams.
func (m RunMetrics) TotalLines() int64 {
	return m.StdoutLines + m.StderrLines
}

// ClassificationRate returns the percentage of lines that produced an event (0-100).
func (m RunMetrics) ClassificationRate() float64 {
	total := m.ClassifiedLines + m.IgnoredLines
	if total == 0 {
		return 0
	}
	return float64(m.ClassifiedLines) / float64(total) * 100
}

// FormatDuration returns a compact duration (e.g., "1m32s", "850ms").
func (m RunMetrics) FormatDuration() string {
	if m.Duration < time.Second {
		return fmt.Sprintf("%dms", m.Duration.Milliseconds())
	}
	return m.Duration.Round(time.Second).String()
}

// FormatLines returns a human-readable line summary (e.g., "120 lines, 18 events").
func (m RunMetrics) FormatLines() string {
	return fmt.Sprintf("%d lines, %d events", m.TotalLines(), m.ClassifiedLines)
}

// Counter accumulates RunMetrics from concurrent stream readers.
type Counter struct {
	stdout     atomic.Int64
	stderr     atomic.Int64
	classified atomic.Int64
	ignored    atomic.Int64
	startedAt  time.Time
}

// NewCounter starts a counter at the current time.
func NewCounter() *Counter {
	return &Counter{startedAt: time.Now()}
}

// Line records one line read from stdout or stderr.
func (c *Counter) Line(stderr bool) {
	if stderr {
		c.stderr.Add(1)
	} else {
		c.stdout.Add(1)
	}
}

// Classified records whether a line produced an event.
func (c *Counter) Classified(ok bool) {
	if ok {
		c.classified.Add(1)
	} else {
		c.ignored.Add(1)
	}
}

// Snapshot returns the metrics so far.
func (c *Counter) Snapshot(exitCode, payloadBytes int) RunMetrics {
	return RunMetrics{
		StdoutLines:     c.stdout.Load(),
		StderrLines:     c.stderr.Load(),
		ClassifiedLines: c.classified.Load(),
		IgnoredLines:    c.ignored.Load(),
		PayloadBytes:    payloadBytes,
		ExitCode:        exitCode,
		Duration:        time.Since(c.startedAt),
		StartedAt:       c.startedAt,
	}
}
