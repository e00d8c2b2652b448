package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

func shortRegistry(sink Sink) *Registry {
	return NewRegistry(RegistryConfig{
		GracePeriod:   20 * time.Millisecond,
		OrphanTTL:     20 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
		Sink:          sink,
	})
}

func TestRegistry_ActivateIsGetOrCreate(t *testing.T) {
	r := shortRegistry(nil)
	a := r.Activate("job-1")
	b := r.Activate("job-1")
	require.Same(t, a, b)
	require.Equal(t, 1, r.Len())
}

func TestRegistry_OpenThenActivateSharesChannel(t *testing.T) {
	r := shortRegistry(nil)
	opened := r.Open("job-1")
	history, sub := opened.Subscribe("obs-1")
	require.Empty(t, history)

	active := r.Activate("job-1")
	require.Same(t, opened, active)

	_, _ = active.Append(progress(domain.StageCollection, domain.StageLoading, "a"))
	got, err := sub.Drain()
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRegistry_ActiveChannelsDoNotExpire(t *testing.T) {
	r := shortRegistry(nil)
	r.Activate("job-1")

	time.Sleep(40 * time.Millisecond)
	r.Sweep()

	_, ok := r.Lookup("job-1")
	require.True(t, ok)
}

func TestRegistry_FinalizedChannelEvictedAfterGrace(t *testing.T) {
	r := shortRegistry(nil)
	ch := r.Activate("job-1")
	_, _ = ch.Append(terminal(domain.StageSuccess))
	r.Finalize("job-1")

	_, ok := r.Lookup("job-1")
	require.True(t, ok, "still available during grace")

	time.Sleep(40 * time.Millisecond)
	r.Sweep()
	_, ok = r.Lookup("job-1")
	require.False(t, ok)
	require.Equal(t, 0, r.Len())
}

func TestRegistry_ObserversKeepChannelAlive(t *testing.T) {
	r := shortRegistry(nil)
	ch := r.Activate("job-1")
	_, _ = ch.Append(terminal(domain.StageSuccess))
	_, sub := ch.Subscribe("obs-1")
	r.Finalize("job-1")

	time.Sleep(40 * time.Millisecond)
	r.Sweep()
	got, ok := r.Lookup("job-1")
	require.True(t, ok)
	require.Same(t, ch, got)

	ch.Detach(sub)
	time.Sleep(40 * time.Millisecond)
	r.Sweep()
	_, ok = r.Lookup("job-1")
	require.False(t, ok)
}

func TestRegistry_OrphanChannelExpires(t *testing.T) {
	r := shortRegistry(nil)
	r.Open("never-submitted")

	time.Sleep(40 * time.Millisecond)
	_, ok := r.Lookup("never-submitted")
	require.False(t, ok)
}

func TestRegistry_OrphanWithObserverIsNotReplaced(t *testing.T) {
	r := shortRegistry(nil)
	opened := r.Open("job-1")
	_, sub := opened.Subscribe("obs-1")

	time.Sleep(40 * time.Millisecond)
	active := r.Activate("job-1")
	require.Same(t, opened, active, "expired channel with an observer must be retained")

	_, _ = active.Append(progress(domain.StageCollection, domain.StageLoading, "a"))
	got, err := sub.Drain()
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRegistry_RestoreIsReadOnlyAndClosed(t *testing.T) {
	r := shortRegistry(nil)
	events := []domain.ProgressEvent{
		{JobID: "job-1", Stage: domain.StageCollection, Status: domain.StageLoading, Sequence: 1},
		{JobID: "job-1", Stage: domain.StageDone, Status: domain.StageError, Sequence: 2},
	}

	ch := r.Restore("job-1", events)
	require.True(t, ch.Closed())
	require.Equal(t, events, ch.Events())

	_, err := ch.Append(progress(domain.StageScoring, domain.StageLoading, "late"))
	require.ErrorIs(t, err, ErrClosed)

	again := r.Restore("job-1", nil)
	require.Same(t, ch, again)
}

func TestRegistry_ChannelsUseSink(t *testing.T) {
	sink := &recordingSink{}
	r := shortRegistry(sink)
	ch := r.Activate("job-1")
	_, _ = ch.Append(progress(domain.StageCollection, domain.StageLoading, "a"))
	require.NoError(t, ch.Flush(context.Background()))
	require.Len(t, sink.snapshot(), 1)
}

func TestRegistry_RunSweepsUntilCancelled(t *testing.T) {
	r := shortRegistry(nil)
	ch := r.Activate("job-1")
	_, _ = ch.Append(terminal(domain.StageSuccess))
	r.Finalize("job-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
