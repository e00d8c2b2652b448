package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrJobID         = "job.id"
	AttrJobSubject    = "job.subject"
	AttrPeriodStart   = "job.period_start"
	AttrPeriodEnd     = "job.period_end"
	AttrFailureReason = "job.failure_reason"
	AttrStage         = "job.stage"
	AttrStageStatus   = "job.stage_status"
	AttrWorkerPID     = "worker.pid"
	AttrExitCode      = "worker.exit_code"
	AttrLines         = "worker.lines"
	AttrAttempt       = "persist.attempt"
)

// Span names.
const (
	SpanJob     = "job.run"
	SpanWorker  = "job.worker"
	SpanPersist = "job.persist"
)

// Span event names.
const (
	EventStage        = "stage.update"
	EventPersistRetry = "persist.retry"
)

// StartJob opens the root span for one job run.
func StartJob(ctx context.Context, tracer trace.Tracer, jobID, subject, start, end string) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanJob,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrJobID, jobID),
			attribute.String(AttrJobSubject, subject),
			attribute.String(AttrPeriodStart, start),
			attribute.String(AttrPeriodEnd, end),
		),
	)
}

// StageEvent records a stage transition on span.
func StageEvent(span trace.Span, stage, status string) {
	span.AddEvent(EventStage, trace.WithAttributes(
		attribute.String(AttrStage, stage),
		attribute.String(AttrStageStatus, status),
	))
}

// Fail marks span failed with reason.
func Fail(span trace.Span, reason string, err error) {
	span.SetAttributes(attribute.String(AttrFailureReason, reason))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Error, reason)
}

// Succeed marks span ok.
func Succeed(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
