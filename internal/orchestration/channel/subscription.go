package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

// ErrLeft is returned by Next and Drain after the observer left.
var ErrLeft = errors.New("observer left")

// Subscription is one observer's live mailbox on a Channel. Appends never
// block on a slow observer: events queue until the observer drains them.
type Subscription struct {
	jobID      string
	observerID string
	joinedAt   time.Time

	mu            sync.Mutex
	queue         []domain.ProgressEvent
	lastDelivered uint64
	left          bool

	ready    chan struct{}
	gone     chan struct{}
	goneOnce sync.Once
}

func newSubscription(jobID, observerID string, delivered uint64) *Subscription {
	return &Subscription{
		jobID:         jobID,
		observerID:    observerID,
		joinedAt:      time.Now(),
		lastDelivered: delivered,
		ready:         make(chan struct{}, 1),
		gone:          make(chan struct{}),
	}
}

func (s *Subscription) JobID() string { return s.jobID }

func (s *Subscription) ObserverID() string { return s.observerID }

func (s *Subscription) JoinedAt() time.Time { return s.joinedAt }

// Ready is signalled after events are queued.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Gone is closed once the observer left.
func (s *Subscription) Gone() <-chan struct{} { return s.gone }

// LastDelivered returns the highest sequence handed to the observer,
// counting the join snapshot.
func (s *Subscription) LastDelivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelivered
}

func (s *Subscription) push(ev domain.ProgressEvent) {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Drain takes every queued event without blocking.
func (s *Subscription) Drain() ([]domain.ProgressEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return nil, ErrLeft
	}
	out := s.queue
	s.queue = nil
	if n := len(out); n > 0 {
		s.lastDelivered = out[n-1].Sequence
	}
	return out, nil
}

// Next blocks until an event is queued, the observer leaves, or ctx ends.
func (s *Subscription) Next(ctx context.Context) (domain.ProgressEvent, error) {
	for {
		s.mu.Lock()
		if s.left {
			s.mu.Unlock()
			return domain.ProgressEvent{}, ErrLeft
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.lastDelivered = ev.Sequence
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.gone:
		case <-ctx.Done():
			return domain.ProgressEvent{}, ctx.Err()
		}
	}
}

func (s *Subscription) leave() {
	s.mu.Lock()
	s.left = true
	s.queue = nil
	s.mu.Unlock()
	s.goneOnce.Do(func() { close(s.gone) })
}
