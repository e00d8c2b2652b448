package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/jobs/result"
	"github.com/zjrosen/marketpulse/internal/log"
	"github.com/zjrosen/marketpulse/internal/orchestration/channel"
	"github.com/zjrosen/marketpulse/internal/orchestration/tracing"
	"github.com/zjrosen/marketpulse/internal/orchestration/worker"
)

// jobRun is the state of one supervising goroutine.
type jobRun struct {
	c       *Coordinator
	job     *domain.Job
	ch      *channel.Channel
	tracker *stageTracker
	span    trace.Span
}

func (c *Coordinator) run(job *domain.Job, ch *channel.Channel) {
	ctx, span := tracing.StartJob(c.ctx, c.cfg.Tracer, job.ID(), job.Subject(),
		job.Period().StartString(), job.Period().EndString())
	defer span.End()

	r := &jobRun{c: c, job: job, ch: ch, tracker: newStageTracker(job.ID()), span: span}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		r.fail(ctx, domain.ReasonCancelled, "job cancelled before start", nil, err)
		return
	}
	defer c.sem.Release(1)

	if err := job.Start(); err != nil {
		log.ErrorErr(log.CatOrch, "Start transition failed", err, "job_id", job.ID())
		return
	}
	if err := c.cfg.Jobs.Save(ctx, job); err != nil {
		r.fail(ctx, domain.ReasonPersistenceFailure, "could not record job start", nil, err)
		return
	}
	c.publish(domain.JobStarted, job)

	c.running.Add(1)
	res := r.supervise(ctx)
	c.running.Add(-1)

	c.metrics.DeleteExpired()
	c.metrics.Set(ctx, job.ID(), res.Metrics, c.cfg.MetricsTTL)

	if werr := res.Failure(); werr != nil {
		var tail []string
		if werr.Kind == worker.KindNonZeroExit {
			tail = werr.StderrTail
		}
		r.fail(ctx, werr.Kind.Reason(), werr.Error(), tail, werr)
		return
	}
	if !res.HasPayload() {
		r.fail(ctx, domain.ReasonNoResultPayload, "worker exited without a result payload", nil, nil)
		return
	}

	stored, err := result.Build(job, res.Payload)
	if err != nil {
		var wf *result.WorkerFailure
		if errors.As(err, &wf) {
			r.fail(ctx, domain.ReasonWorkerReportedFailure, wf.Error(), nil, err)
			return
		}
		r.fail(ctx, domain.ReasonPayloadParseFailure, "result payload is invalid: "+err.Error(), nil, err)
		return
	}
	stored.CreatedAt = time.Now()

	r.complete(ctx, stored)
}

// supervise runs the worker and forwards its stage updates in order.
func (r *jobRun) supervise(ctx context.Context) worker.Result {
	job := r.job
	ctx, span := r.c.cfg.Tracer.Start(ctx, tracing.SpanWorker)
	defer span.End()

	run := r.c.cfg.Supervisor.Run(ctx, r.c.cfg.Command, worker.Request{
		JobID:       job.ID(),
		Subject:     job.Subject(),
		PeriodStart: job.Period().StartString(),
		PeriodEnd:   job.Period().EndString(),
		Timeout:     r.c.cfg.Timeout,
	}, r.onUpdate)
	span.SetAttributes(attribute.Int(tracing.AttrWorkerPID, run.PID()))

	res := run.Wait()
	span.SetAttributes(
		attribute.Int(tracing.AttrExitCode, res.Metrics.ExitCode),
		attribute.Int64(tracing.AttrLines, res.Metrics.TotalLines()),
	)
	log.Debug(log.CatOrch, "Worker finished",
		"job_id", job.ID(), "ok", res.OK(), "duration", res.Metrics.FormatDuration(),
		"lines", res.Metrics.FormatLines())
	return res
}

// onUpdate is called serially by the supervisor, so events reach the
// channel in the order the worker produced them.
func (r *jobRun) onUpdate(u worker.StageUpdate) {
	if u.Stage == domain.StagePersistence || u.Stage == domain.StageDone {
		return
	}
	r.append(r.tracker.apply(u.Stage, u.Status, u.Message, u.Details)...)
}

func (r *jobRun) append(events ...domain.ProgressEvent) {
	for _, ev := range events {
		if _, err := r.ch.Append(ev); err != nil {
			log.Warn(log.CatOrch, "Event dropped", "job_id", r.job.ID(),
				"stage", ev.Stage, "status", ev.Status, "error", err.Error())
			continue
		}
		tracing.StageEvent(r.span, string(ev.Stage), string(ev.Status))
	}
}

// complete stores the result and the completed job, then reports done.
func (r *jobRun) complete(ctx context.Context, stored *domain.StoredResult) {
	job := r.job
	r.append(r.tracker.closeActive(domain.StageSuccess, "")...)
	r.append(r.tracker.apply(domain.StagePersistence, domain.StageLoading, "saving analysis result", nil)...)

	pctx, span := r.c.cfg.Tracer.Start(ctx, tracing.SpanPersist)
	err := r.retry(pctx, span, "store result", func() error {
		return r.c.cfg.Results.Put(pctx, stored)
	})
	span.End()
	if err != nil {
		r.fail(ctx, domain.ReasonPersistenceFailure, "could not store result: "+err.Error(), nil, err)
		return
	}

	completed := job.Clone()
	if err := completed.Complete(); err != nil {
		log.ErrorErr(log.CatOrch, "Complete transition failed", err, "job_id", job.ID())
		return
	}
	err = r.retry(ctx, r.span, "save job", func() error {
		return r.c.cfg.Jobs.Save(ctx, completed)
	})
	if err != nil {
		r.fail(ctx, domain.ReasonPersistenceFailure, "could not record completion: "+err.Error(), nil, err)
		return
	}
	r.job = completed

	counts := stored.Counts
	r.append(r.tracker.apply(domain.StagePersistence, domain.StageSuccess, "analysis result saved", nil)...)
	r.append(domain.ProgressEvent{
		Stage:   domain.StageDone,
		Status:  domain.StageSuccess,
		Message: "analysis complete",
		Details: []string{
			fmt.Sprintf("positive: %d", counts.Positive),
			fmt.Sprintf("negative: %d", counts.Negative),
			fmt.Sprintf("neutral: %d", counts.Neutral),
			fmt.Sprintf("overallScore: %g", counts.OverallScore),
		},
	})
	r.c.registry.Finalize(job.ID())
	r.c.publish(domain.JobCompleted, completed)
	tracing.Succeed(r.span)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	r.flush(fctx)

	log.Info(log.CatOrch, "Job completed", "job_id", job.ID(),
		"positive", counts.Positive, "negative", counts.Negative, "neutral", counts.Neutral)
}

// retry runs op with exponential backoff up to the configured attempts.
func (r *jobRun) retry(ctx context.Context, span trace.Span, what string, op func() error) error {
	cfg := r.c.cfg.Persist
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, op()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)), //nolint:gosec // G115: validated positive
		backoff.WithNotify(func(err error, wait time.Duration) {
			span.AddEvent(tracing.EventPersistRetry, trace.WithAttributes(
				attribute.Int(tracing.AttrAttempt, attempt)))
			log.Warn(log.CatOrch, "Persistence attempt failed", "job_id", r.job.ID(),
				"op", what, "attempt", attempt, "retry_in", wait.String(), "error", err.Error())
		}),
	)
	return err
}

// fail records the failure and appends done:error. The writes run even if
// ctx was cancelled by shutdown.
func (r *jobRun) fail(ctx context.Context, reason domain.FailureReason, msg string, tail []string, cause error) {
	job := r.job
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	r.append(r.tracker.closeActive(domain.StageError, msg)...)

	if err := job.Fail(reason, msg); err != nil {
		log.ErrorErr(log.CatOrch, "Fail transition failed", err, "job_id", job.ID())
	} else if err := r.c.cfg.Jobs.Save(wctx, job); err != nil {
		log.ErrorErr(log.CatOrch, "Saving failed job", err, "job_id", job.ID())
	}

	details := append([]string{reason.Detail()}, tail...)
	r.append(domain.ProgressEvent{
		Stage:   domain.StageDone,
		Status:  domain.StageError,
		Message: msg,
		Details: details,
	})
	r.c.registry.Finalize(job.ID())
	r.c.publish(domain.JobFailed, job)
	tracing.Fail(r.span, string(reason), cause)

	log.Warn(log.CatOrch, "Job failed", "job_id", job.ID(), "reason", reason, "message", msg)
	r.flush(wctx)
}

// flush waits for the job's event log to reach the store, so Shutdown
// covers the writes. Observers already have the terminal event.
func (r *jobRun) flush(ctx context.Context) {
	if err := r.ch.Flush(ctx); err != nil {
		log.Warn(log.CatOrch, "Event log not fully persisted", "job_id", r.job.ID(), "error", err.Error())
	}
}
