package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

// openTestStore connects to MARKETPULSE_TEST_POSTGRES_DSN or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MARKETPULSE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MARKETPULSE_TEST_POSTGRES_DSN not set")
	}
	store, err := Open(context.Background(), Config{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newJob(t *testing.T) *domain.Job {
	t.Helper()
	period, err := domain.ParsePeriod("2025-01-01", "2025-01-07")
	require.NoError(t, err)
	job, err := domain.NewJob(uuid.NewString(), "Samsung", period)
	require.NoError(t, err)
	return job
}

func TestOpen_InvalidDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{DSN: "://not a dsn", DialTimeout: 100 * time.Millisecond})
	require.Error(t, err)
}

func TestJobRepository_Lifecycle(t *testing.T) {
	store := openTestStore(t)
	repo := store.JobRepository()
	ctx := context.Background()

	job := newJob(t)
	stored, created, err := repo.Create(ctx, job)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "2025-01-01", stored.Period().StartString())

	_, created, err = repo.Create(ctx, job)
	require.NoError(t, err)
	require.False(t, created)

	require.NoError(t, job.Start())
	require.NoError(t, job.Complete())
	require.NoError(t, repo.Save(ctx, job))

	got, err := repo.Get(ctx, job.ID())
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status())

	done, err := repo.List(ctx, domain.ListFilter{Statuses: []domain.Status{domain.StatusCompleted}, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, done)

	_, err = repo.Get(ctx, uuid.NewString())
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestResultAndEventRepositories(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	job := newJob(t)
	_, _, err := store.JobRepository().Create(ctx, job)
	require.NoError(t, err)

	results := store.ResultRepository()
	require.NoError(t, results.Put(ctx, &domain.StoredResult{
		JobID: job.ID(), Subject: "Samsung", Payload: json.RawMessage(`{"report":"ok"}`),
		Counts: domain.Counts{Positive: 2}, CreatedAt: time.Now(),
	}))
	got, err := results.Get(ctx, job.ID())
	require.NoError(t, err)
	require.JSONEq(t, `{"report":"ok"}`, string(got.Payload))

	events := store.EventRepository()
	ev := domain.ProgressEvent{JobID: job.ID(), Stage: domain.StageScoring, Status: domain.StageSuccess,
		Message: "dist", Details: []string{"positive: 2"}, Sequence: 1, Timestamp: time.Now()}
	require.NoError(t, events.Append(ctx, ev))
	require.NoError(t, events.Append(ctx, ev))

	list, err := events.List(ctx, job.ID())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, []string{"positive: 2"}, list[0].Details)
}
