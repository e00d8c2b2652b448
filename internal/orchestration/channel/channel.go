// Package channel provides per-job ordered event logs with atomic
// history-plus-live subscription.
//
// A Channel is the single serialization point for one job's events: Append
// assigns the next sequence number, records the event, and queues it for
// every current subscriber under one lock. Subscribe copies the log and
// attaches the subscriber under the same lock, so each observer sees every
// event exactly once and in order regardless of when it joins.
//
// Durable writes to the Sink happen on a per-channel writer goroutine in
// sequence order. Append never waits on the store.
package channel

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/log"
)

// ErrClosed is returned by Append after the terminal event was recorded.
var ErrClosed = errors.New("job channel closed")

// DefaultWriteTimeout bounds one Sink write.
const DefaultWriteTimeout = 5 * time.Second

// Sink receives every appended event for durable storage.
type Sink interface {
	Append(ctx context.Context, event domain.ProgressEvent) error
}

// Channel is one job's event log and subscriber set.
type Channel struct {
	jobID        string
	sink         Sink
	writeTimeout time.Duration

	mu     sync.Mutex
	events []domain.ProgressEvent
	subs   map[string]*Subscription
	closed bool

	// wmu guards the write queue. Taken inside mu, never the reverse.
	wmu     sync.Mutex
	pending []domain.ProgressEvent
	writing bool
	written chan struct{}
}

// Option configures a Channel.
type Option func(*Channel)

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// New creates an empty channel. sink may be nil.
func New(jobID string, sink Sink, opts ...Option) *Channel {
	c := &Channel{
		jobID:        jobID,
		sink:         sink,
		writeTimeout: DefaultWriteTimeout,
		subs:         make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// restore creates a channel holding a previously persisted log.
func restore(jobID string, events []domain.ProgressEvent) *Channel {
	c := New(jobID, nil)
	c.events = slices.Clone(events)
	if n := len(events); n > 0 && events[n-1].IsTerminal() {
		c.closed = true
	}
	return c
}

// JobID returns the job this channel belongs to.
func (c *Channel) JobID() string { return c.jobID }

// Append records ev with the next sequence number and queues it for all
// subscribers. Timestamp defaults to now. Appending a terminal event closes
// the channel to further appends.
func (c *Channel) Append(ev domain.ProgressEvent) (domain.ProgressEvent, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ProgressEvent{}, ErrClosed
	}

	ev.JobID = c.jobID
	ev.Sequence = uint64(len(c.events)) + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Details = slices.Clone(ev.Details)
	c.events = append(c.events, ev)

	for _, sub := range c.subs {
		sub.push(ev)
	}
	if ev.IsTerminal() {
		c.closed = true
	}
	if c.sink != nil {
		c.enqueue(ev)
	}
	c.mu.Unlock()
	return ev, nil
}

// enqueue hands ev to the writer, starting it if idle. Requires c.mu so
// the queue stays in sequence order.
func (c *Channel) enqueue(ev domain.ProgressEvent) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.pending = append(c.pending, ev)
	if c.writing {
		return
	}
	c.writing = true
	c.written = make(chan struct{})
	go c.drain(c.written)
}

// drain writes queued events until the queue is empty, then exits.
func (c *Channel) drain(done chan struct{}) {
	defer close(done)
	for {
		c.wmu.Lock()
		batch := c.pending
		c.pending = nil
		if len(batch) == 0 {
			c.writing = false
			c.wmu.Unlock()
			return
		}
		c.wmu.Unlock()

		for _, ev := range batch {
			c.write(ev)
		}
	}
}

func (c *Channel) write(ev domain.ProgressEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := c.sink.Append(ctx, ev); err != nil {
		log.ErrorErr(log.CatChannel, "Persisting event failed", err,
			"job_id", c.jobID, "sequence", ev.Sequence)
	}
}

// Flush waits until every event appended so far has been handed to the
// Sink, or ctx ends.
func (c *Channel) Flush(ctx context.Context) error {
	c.wmu.Lock()
	writing, done := c.writing, c.written
	c.wmu.Unlock()
	if !writing {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe atomically snapshots the log and attaches observerID for live
// delivery of every later event. Subscribing an id that is already attached
// replaces the earlier subscription, which is left.
func (c *Channel) Subscribe(observerID string) ([]domain.ProgressEvent, *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.subs[observerID]; ok {
		old.leave()
	}
	history := slices.Clone(c.events)
	sub := newSubscription(c.jobID, observerID, uint64(len(history)))
	c.subs[observerID] = sub

	log.Debug(log.CatChannel, "Observer joined",
		"job_id", c.jobID, "observer", observerID, "history", len(history))
	return history, sub
}

// Unsubscribe detaches observerID. It reports whether it was attached.
func (c *Channel) Unsubscribe(observerID string) bool {
	c.mu.Lock()
	sub, ok := c.subs[observerID]
	if ok {
		delete(c.subs, observerID)
	}
	c.mu.Unlock()

	if ok {
		sub.leave()
		log.Debug(log.CatChannel, "Observer left", "job_id", c.jobID, "observer", observerID)
	}
	return ok
}

// Detach removes sub if it is still the attached subscription for its observer.
func (c *Channel) Detach(sub *Subscription) {
	c.mu.Lock()
	if cur, ok := c.subs[sub.observerID]; ok && cur == sub {
		delete(c.subs, sub.observerID)
	}
	c.mu.Unlock()
	sub.leave()
}

// Subscribers returns the number of attached observers.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Events returns a copy of the log.
func (c *Channel) Events() []domain.ProgressEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.events)
}

// Len returns the number of events appended.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Closed reports whether the terminal event was appended.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Terminal returns the terminal event once appended.
func (c *Channel) Terminal() (domain.ProgressEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed || len(c.events) == 0 {
		return domain.ProgressEvent{}, false
	}
	return c.events[len(c.events)-1], true
}
