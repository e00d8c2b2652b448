package channel

import (
	"context"
	"sync"
	"time"

	"github.com/zjrosen/marketpulse/internal/cachemanager"
	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/log"
)

const (
	DefaultGracePeriod   = 5 * time.Minute
	DefaultOrphanTTL     = 10 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// RegistryConfig controls channel retention.
type RegistryConfig struct {
	// GracePeriod keeps a finalized channel around for late observers.
	GracePeriod time.Duration
	// OrphanTTL bounds channels opened by observers for jobs never submitted.
	OrphanTTL time.Duration
	// SweepInterval is how often Run evicts expired channels.
	SweepInterval time.Duration
	// Sink receives every event appended to channels created by the registry.
	Sink Sink
	// WriteTimeout bounds each Sink write.
	WriteTimeout time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.OrphanTTL <= 0 {
		c.OrphanTTL = DefaultOrphanTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Registry owns the live channels by job id. Active jobs never expire;
// finalized and provisional channels expire unless observers remain.
type Registry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	channels *cachemanager.InMemoryCacheManager[*Channel]
}

// NewRegistry creates a registry. Call Run to start periodic eviction.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		cfg:      cfg.withDefaults(),
		channels: cachemanager.NewInMemoryCacheManager[*Channel]("job-channels", cachemanager.NoExpiration, cachemanager.NoJanitor),
	}
	r.channels.OnEvicted(r.onEvicted)
	return r
}

// Activate returns the channel for jobID, creating it if needed, and pins it
// until Finalize.
func (r *Registry) Activate(jobID string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := r.getOrCreate(jobID, cachemanager.NoExpiration)
	r.channels.Set(context.Background(), jobID, ch, cachemanager.NoExpiration)
	return ch
}

// Open returns the channel for jobID, creating a provisional one that
// expires after OrphanTTL unless the job is activated.
func (r *Registry) Open(jobID string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreate(jobID, r.cfg.OrphanTTL)
}

// Restore installs a channel rebuilt from persisted events unless one is
// already live. Restored channels expire after GracePeriod.
func (r *Registry) Restore(jobID string, events []domain.ProgressEvent) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.get(jobID); ok {
		return ch
	}
	ch := restore(jobID, events)
	r.channels.Set(context.Background(), jobID, ch, r.cfg.GracePeriod)
	log.Debug(log.CatChannel, "Restored channel", "job_id", jobID, "events", len(events))
	return ch
}

// Lookup returns the live channel for jobID.
func (r *Registry) Lookup(jobID string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(jobID)
}

// Finalize starts the grace period for jobID's channel.
func (r *Registry) Finalize(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.get(jobID); ok {
		r.channels.Set(context.Background(), jobID, ch, r.cfg.GracePeriod)
	}
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	return r.channels.Len()
}

// Sweep evicts expired channels. Channels that still have observers are
// kept for another period.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels.DeleteExpired()
}

// Run sweeps every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// get sweeps first so an expired channel with observers is retained rather
// than shadowed. Requires r.mu.
func (r *Registry) get(jobID string) (*Channel, bool) {
	r.channels.DeleteExpired()
	return r.channels.Get(context.Background(), jobID)
}

// getOrCreate requires r.mu.
func (r *Registry) getOrCreate(jobID string, ttl time.Duration) *Channel {
	if ch, ok := r.get(jobID); ok {
		return ch
	}
	ch := New(jobID, r.cfg.Sink, WithWriteTimeout(r.cfg.WriteTimeout))
	r.channels.Set(context.Background(), jobID, ch, ttl)
	return ch
}

// onEvicted runs inside Sweep with r.mu held.
func (r *Registry) onEvicted(jobID string, ch *Channel) {
	if n := ch.Subscribers(); n > 0 {
		ttl := r.cfg.GracePeriod
		if !ch.Closed() {
			ttl = r.cfg.OrphanTTL
		}
		r.channels.Set(context.Background(), jobID, ch, ttl)
		log.Debug(log.CatChannel, "Channel retained for observers", "job_id", jobID, "observers", n)
		return
	}
	log.Debug(log.CatChannel, "Channel evicted", "job_id", jobID, "events", ch.Len())
}
