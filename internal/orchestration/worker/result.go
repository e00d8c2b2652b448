package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/orchestration/metrics"
)

var (
	// ErrTimeout is wrapped by timeout failures.
	ErrTimeout = errors.New("worker timed out")

	// ErrCancelled is wrapped by failures caused by context cancellation.
	ErrCancelled = errors.New("worker cancelled")
)

// Kind distinguishes WorkerResult failure variants.
type Kind string

const (
	KindSpawn        Kind = "spawn"
	KindTimeout      Kind = "timeout"
	KindNonZeroExit  Kind = "non_zero_exit"
	KindStream       Kind = "stream"
	KindPayloadParse Kind = "payload_parse"
	KindCancelled    Kind = "cancelled"
)

// Reason maps the kind onto the job failure taxonomy.
func (k Kind) Reason() domain.FailureReason {
	switch k {
	case KindSpawn:
		return domain.ReasonSpawnFailure
	case KindTimeout:
		return domain.ReasonTimeout
	case KindNonZeroExit:
		return domain.ReasonNonZeroExit
	case KindStream:
		return domain.ReasonStreamFailure
	case KindPayloadParse:
		return domain.ReasonPayloadParseFailure
	case KindCancelled:
		return domain.ReasonCancelled
	default:
		return domain.ReasonNone
	}
}

// Error is a failed worker run.
type Error struct {
	Kind       Kind
	ExitCode   int
	StderrTail []string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	switch e.Kind {
	case KindNonZeroExit:
		fmt.Fprintf(&b, "worker exited with code %d", e.ExitCode)
	case KindSpawn:
		b.WriteString("worker failed to start")
	case KindStream:
		b.WriteString("reading worker output failed")
	case KindPayloadParse:
		b.WriteString("worker result payload is invalid")
	default:
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil && e.Kind != KindNonZeroExit {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.StderrTail) > 0 {
		b.WriteString(": ")
		b.WriteString(e.StderrTail[len(e.StderrTail)-1])
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Result is the single outcome of a worker run.
type Result struct {
	// Payload is the compacted result JSON, nil when the worker emitted none.
	Payload json.RawMessage
	// Err is nil on success, otherwise *Error.
	Err error
	// StderrTail holds the last stderr lines for diagnostics.
	StderrTail []string
	Metrics    metrics.RunMetrics
}

// OK reports whether the worker exited 0 and its output was read and parsed.
func (r Result) OK() bool { return r.Err == nil }

// HasPayload reports whether a successful run produced a payload.
func (r Result) HasPayload() bool { return r.Err == nil && r.Payload != nil }

// Failure returns the typed error, or nil on success.
func (r Result) Failure() *Error {
	var werr *Error
	if errors.As(r.Err, &werr) {
		return werr
	}
	return nil
}

// StageUpdate is a classified line forwarded to the caller.
type StageUpdate struct {
	Stage   domain.StageID
	Status  domain.StageStatus
	Message string
	Details []string
	Advance bool
	Rule    string
	Stderr  bool
}
