// Package gateway is the observer boundary of job channels.
//
// Join works whether the job has not been submitted yet, is running, or
// finished long ago: a live channel is joined directly, a finished job whose
// channel was evicted is rebuilt from its stored event log, and an unknown
// job gets a provisional channel that the coordinator adopts on submit. A
// finished job whose stored log lacks the done event gets one rebuilt from
// the job record.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/log"
	"github.com/zjrosen/marketpulse/internal/orchestration/channel"
)

// Gateway joins observers to job channels.
type Gateway struct {
	registry *channel.Registry
	events   domain.EventRepository
	jobs     domain.JobRepository
}

// New creates a Gateway. events and jobs may be nil when no durable store
// exists.
func New(registry *channel.Registry, events domain.EventRepository, jobs domain.JobRepository) *Gateway {
	return &Gateway{registry: registry, events: events, jobs: jobs}
}

// Session is one observer's membership in a job channel.
type Session struct {
	// History is every event appended before the join, in order.
	History []domain.ProgressEvent

	ch        *channel.Channel
	sub       *channel.Subscription
	leaveOnce sync.Once
}

func (s *Session) JobID() string { return s.sub.JobID() }

func (s *Session) ObserverID() string { return s.sub.ObserverID() }

// Terminal reports whether History already ends with the done event.
func (s *Session) Terminal() bool {
	n := len(s.History)
	return n > 0 && s.History[n-1].IsTerminal()
}

// Next blocks for the next live event.
func (s *Session) Next(ctx context.Context) (domain.ProgressEvent, error) {
	return s.sub.Next(ctx)
}

// Drain returns the queued live events without blocking.
func (s *Session) Drain() ([]domain.ProgressEvent, error) {
	return s.sub.Drain()
}

// Ready is signalled when live events are queued.
func (s *Session) Ready() <-chan struct{} { return s.sub.Ready() }

// Gone is closed after the session left.
func (s *Session) Gone() <-chan struct{} { return s.sub.Gone() }

// Leave detaches the observer. Safe to call more than once.
func (s *Session) Leave() {
	s.leaveOnce.Do(func() {
		s.ch.Detach(s.sub)
		log.Debug(log.CatChannel, "Session left", "job_id", s.JobID(), "observer", s.ObserverID())
	})
}

// Join subscribes observerID to jobID. An empty observerID gets a generated
// one. Joining again with the same id replaces the earlier session.
func (g *Gateway) Join(ctx context.Context, jobID, observerID string) (*Session, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, &domain.ValidationError{Field: "jobId", Message: "must not be empty"}
	}
	if observerID == "" {
		observerID = uuid.NewString()
	}

	ch, err := g.channelFor(ctx, jobID)
	if err != nil {
		return nil, err
	}
	history, sub := ch.Subscribe(observerID)
	return &Session{History: history, ch: ch, sub: sub}, nil
}

// Leave detaches observerID from jobID. Unknown jobs and observers are
// ignored.
func (g *Gateway) Leave(jobID, observerID string) {
	if ch, ok := g.registry.Lookup(jobID); ok {
		ch.Unsubscribe(observerID)
	}
}

func (g *Gateway) channelFor(ctx context.Context, jobID string) (*channel.Channel, error) {
	if ch, ok := g.registry.Lookup(jobID); ok {
		return ch, nil
	}
	var events []domain.ProgressEvent
	if g.events != nil {
		var err error
		events, err = g.events.List(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("load events for %s: %w", jobID, err)
		}
		if n := len(events); n > 0 && events[n-1].IsTerminal() {
			return g.registry.Restore(jobID, events), nil
		}
	}

	if g.jobs != nil {
		job, err := g.jobs.Get(ctx, jobID)
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
		case err != nil:
			return nil, fmt.Errorf("load job %s: %w", jobID, err)
		case job.Status().IsTerminal():
			done := terminalFromJob(job, events)
			g.storeTerminal(ctx, done)
			return g.registry.Restore(jobID, append(events, done)), nil
		}
	}
	return g.registry.Open(jobID), nil
}

// terminalFromJob rebuilds the done event of a finished job whose stored
// log was cut short.
func terminalFromJob(job *domain.Job, events []domain.ProgressEvent) domain.ProgressEvent {
	var last uint64
	if n := len(events); n > 0 {
		last = events[n-1].Sequence
	}
	ts := time.Now().UTC()
	if at := job.CompletedAt(); at != nil {
		ts = at.UTC()
	}
	done := domain.ProgressEvent{
		JobID:     job.ID(),
		Stage:     domain.StageDone,
		Sequence:  last + 1,
		Timestamp: ts,
	}
	if job.Status() == domain.StatusCompleted {
		done.Status = domain.StageSuccess
		done.Message = "analysis complete"
		return done
	}
	done.Status = domain.StageError
	done.Message = job.Error()
	done.Details = []string{job.FailureReason().Detail()}
	return done
}

// storeTerminal writes the rebuilt done event so later joins find it.
func (g *Gateway) storeTerminal(ctx context.Context, done domain.ProgressEvent) {
	if g.events == nil {
		return
	}
	if err := g.events.Append(ctx, done); err != nil {
		log.Warn(log.CatChannel, "Storing rebuilt terminal event failed",
			"job_id", done.JobID, "error", err.Error())
	}
}
