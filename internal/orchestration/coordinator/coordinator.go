// Package coordinator drives analysis jobs from submission to a terminal
// event.
//
// The Coordinator owns the job state machine:
//
//	pending -> processing -> completed
//	   |           |
//	   +-----------+------> failed
//
// Each submitted job gets one supervising goroutine. It waits for an
// admission slot, starts the worker through the Supervisor, turns classified
// worker output into stage events on the job's Channel, stores the result
// (retrying with backoff), and only then appends the terminal done event.
// Every failure is captured here and becomes a failed job plus a done:error
// event; nothing escapes to callers as a panic.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/zjrosen/marketpulse/internal/cachemanager"
	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/log"
	"github.com/zjrosen/marketpulse/internal/orchestration/channel"
	"github.com/zjrosen/marketpulse/internal/orchestration/metrics"
	"github.com/zjrosen/marketpulse/internal/orchestration/worker"
	"github.com/zjrosen/marketpulse/internal/pubsub"
)

const (
	DefaultMaxConcurrent   = 4
	DefaultPersistAttempts = 5
	DefaultInitialBackoff  = 200 * time.Millisecond
	DefaultMaxBackoff      = 5 * time.Second
	DefaultMetricsTTL      = 30 * time.Minute

	finalizeTimeout = 10 * time.Second
)

// ErrShuttingDown is returned by Submit after Shutdown started.
var ErrShuttingDown = errors.New("coordinator is shutting down")

// PersistConfig bounds the result write retries.
type PersistConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Config wires the coordinator's collaborators.
type Config struct {
	Jobs    domain.JobRepository
	Results domain.ResultRepository
	Events  domain.EventRepository

	// Registry holds the job channels. When nil a registry is created that
	// persists events to Events, each write bounded by EventWriteTimeout.
	Registry          *channel.Registry
	EventWriteTimeout time.Duration

	Supervisor *worker.Supervisor
	Command    worker.Command
	Timeout    time.Duration

	// MaxConcurrent bounds running workers. Jobs beyond it stay pending.
	MaxConcurrent int
	Persist       PersistConfig
	MetricsTTL    time.Duration

	Tracer trace.Tracer
	// Broker receives job lifecycle notifications. Created when nil.
	Broker *pubsub.Broker[domain.JobEvent]
	// NewID generates ids for submissions without one.
	NewID func() string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Timeout <= 0 {
		c.Timeout = worker.DefaultTimeout
	}
	if c.Persist.MaxAttempts <= 0 {
		c.Persist.MaxAttempts = DefaultPersistAttempts
	}
	if c.Persist.InitialBackoff <= 0 {
		c.Persist.InitialBackoff = DefaultInitialBackoff
	}
	if c.Persist.MaxBackoff <= 0 {
		c.Persist.MaxBackoff = DefaultMaxBackoff
	}
	if c.MetricsTTL <= 0 {
		c.MetricsTTL = DefaultMetricsTTL
	}
	if c.Tracer == nil {
		c.Tracer = noop.NewTracerProvider().Tracer("marketpulse")
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	return c
}

// SubmitRequest is one job submission. Dates are YYYY-MM-DD.
type SubmitRequest struct {
	JobID       string
	Subject     string
	PeriodStart string
	PeriodEnd   string
}

// JobView is a job with its derived stage states and, once the worker
// finished, its run metrics.
type JobView struct {
	Job     *domain.Job
	Stages  []domain.StageState
	Metrics *metrics.RunMetrics
}

// Coordinator runs jobs. Create with New and stop with Shutdown.
type Coordinator struct {
	cfg      Config
	registry *channel.Registry
	broker   *pubsub.Broker[domain.JobEvent]
	sem      *semaphore.Weighted
	metrics  *cachemanager.InMemoryCacheManager[metrics.RunMetrics]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	running atomic.Int64
}

// New creates a Coordinator. Jobs, Results, Events and Supervisor are
// required.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Jobs == nil:
		return nil, errors.New("coordinator: job repository is required")
	case cfg.Results == nil:
		return nil, errors.New("coordinator: result repository is required")
	case cfg.Events == nil:
		return nil, errors.New("coordinator: event repository is required")
	case cfg.Supervisor == nil:
		return nil, errors.New("coordinator: supervisor is required")
	}
	cfg = cfg.withDefaults()

	registry := cfg.Registry
	if registry == nil {
		registry = channel.NewRegistry(channel.RegistryConfig{Sink: cfg.Events, WriteTimeout: cfg.EventWriteTimeout})
	}
	broker := cfg.Broker
	if broker == nil {
		broker = pubsub.NewBroker[domain.JobEvent]()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		registry: registry,
		broker:   broker,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		metrics: cachemanager.NewInMemoryCacheManager[metrics.RunMetrics](
			"run-metrics", cfg.MetricsTTL, cachemanager.NoJanitor),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Registry returns the job channel registry.
func (c *Coordinator) Registry() *channel.Registry { return c.registry }

// Broker returns the lifecycle broker.
func (c *Coordinator) Broker() *pubsub.Broker[domain.JobEvent] { return c.broker }

// Running returns the number of workers currently running.
func (c *Coordinator) Running() int64 { return c.running.Load() }

// Submit validates req, creates the job and starts driving it. A request
// with a known JobID returns the stored job with created=false and starts
// nothing.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, bool, error) {
	period, err := domain.ParsePeriod(req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return nil, false, err
	}
	id := strings.TrimSpace(req.JobID)
	if id == "" {
		id = c.cfg.NewID()
	}
	job, err := domain.NewJob(id, req.Subject, period)
	if err != nil {
		return nil, false, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, false, ErrShuttingDown
	}

	stored, created, err := c.cfg.Jobs.Create(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	if !created {
		log.Debug(log.CatOrch, "Job already exists", "job_id", id, "status", stored.Status())
		return stored, false, nil
	}

	ch := c.registry.Activate(id)
	log.Info(log.CatOrch, "Job submitted",
		"job_id", id, "subject", stored.Subject(),
		"period_start", period.StartString(), "period_end", period.EndString())
	c.publish(domain.JobSubmitted, stored)

	c.wg.Add(1)
	log.Go(log.CatOrch, "job-"+id, func() {
		defer c.wg.Done()
		c.run(stored.Clone(), ch)
	})
	return stored, true, nil
}

// Get returns the job with stage states derived from its event log.
func (c *Coordinator) Get(ctx context.Context, id string) (*JobView, error) {
	job, err := c.cfg.Jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var events []domain.ProgressEvent
	if ch, ok := c.registry.Lookup(id); ok {
		events = ch.Events()
	} else {
		events, err = c.cfg.Events.List(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
	}

	view := &JobView{Job: job, Stages: ReplayStages(events)}
	if m, ok := c.metrics.Get(ctx, id); ok {
		view.Metrics = &m
	}
	return view, nil
}

// List returns jobs newest first.
func (c *Coordinator) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Job, error) {
	return c.cfg.Jobs.List(ctx, filter)
}

// Recover fails jobs left pending or processing by a previous process and
// closes their event logs. Call before accepting submissions.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	stale, err := c.cfg.Jobs.List(ctx, domain.ListFilter{
		Statuses: []domain.Status{domain.StatusPending, domain.StatusProcessing},
	})
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}

	recovered := 0
	for _, job := range stale {
		const msg = "job interrupted by service restart"
		if err := job.Fail(domain.ReasonInterrupted, msg); err != nil {
			log.ErrorErr(log.CatOrch, "Recover transition failed", err, "job_id", job.ID())
			continue
		}
		if err := c.cfg.Jobs.Save(ctx, job); err != nil {
			return recovered, fmt.Errorf("save job %s: %w", job.ID(), err)
		}

		events, err := c.cfg.Events.List(ctx, job.ID())
		if err != nil {
			return recovered, fmt.Errorf("list events for %s: %w", job.ID(), err)
		}
		var last uint64
		if n := len(events); n > 0 {
			last = events[n-1].Sequence
			if events[n-1].IsTerminal() {
				recovered++
				continue
			}
		}
		done := domain.ProgressEvent{
			JobID:     job.ID(),
			Stage:     domain.StageDone,
			Status:    domain.StageError,
			Message:   msg,
			Details:   []string{domain.ReasonInterrupted.Detail()},
			Sequence:  last + 1,
			Timestamp: time.Now().UTC(),
		}
		if err := c.cfg.Events.Append(ctx, done); err != nil {
			return recovered, fmt.Errorf("append terminal event for %s: %w", job.ID(), err)
		}
		recovered++
		c.publish(domain.JobFailed, job)
	}

	if recovered > 0 {
		log.Warn(log.CatOrch, "Recovered interrupted jobs", "count", recovered)
	}
	return recovered, nil
}

// Shutdown stops accepting jobs, kills running workers and waits until
// every job is finalized or ctx expires.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.broker.Close()
		log.Info(log.CatOrch, "Coordinator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

func (c *Coordinator) publish(t domain.JobEventType, job *domain.Job) {
	c.broker.Publish(domain.JobEvent{
		Type:    t,
		JobID:   job.ID(),
		Subject: job.Subject(),
		Status:  job.Status(),
		Reason:  job.FailureReason(),
	})
}
