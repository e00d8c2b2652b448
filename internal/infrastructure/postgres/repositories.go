package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

const jobColumns = `id, subject, period_start, period_end, status, failure_reason, error,
	created_at, started_at, completed_at, updated_at`

// ============================================================================
// Jobs
// ============================================================================

type jobRepository struct {
	pool *pgxpool.Pool
}

var _ domain.JobRepository = (*jobRepository)(nil)

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		id, subject, status    string
		start, end             time.Time
		reason, errMsg         *string
		createdAt, updatedAt   time.Time
		startedAt, completedAt *time.Time
	)
	if err := row.Scan(&id, &subject, &start, &end, &status, &reason, &errMsg,
		&createdAt, &startedAt, &completedAt, &updatedAt); err != nil {
		return nil, err
	}
	var fr domain.FailureReason
	if reason != nil {
		fr = domain.FailureReason(*reason)
	}
	var msg string
	if errMsg != nil {
		msg = *errMsg
	}
	return domain.ReconstituteJob(id, subject, domain.Period{Start: start.UTC(), End: end.UTC()},
		domain.Status(status), fr, msg, createdAt, startedAt, completedAt, updatedAt), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *jobRepository) Create(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID(), job.Subject(), job.Period().Start, job.Period().End, string(job.Status()),
		nullable(string(job.FailureReason())), nullable(job.Error()),
		job.CreatedAt(), job.StartedAt(), job.CompletedAt(), job.UpdatedAt(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}
	stored, err := r.Get(ctx, job.ID())
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (r *jobRepository) Save(ctx context.Context, job *domain.Job) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, failure_reason = $2, error = $3,
			started_at = $4, completed_at = $5, updated_at = $6
		 WHERE id = $7`,
		string(job.Status()), nullable(string(job.FailureReason())), nullable(job.Error()),
		job.StartedAt(), job.CompletedAt(), job.UpdatedAt(), job.ID(),
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.JobNotFoundError{JobID: job.ID()}
	}
	return nil
}

func (r *jobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.JobNotFoundError{JobID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (r *jobRepository) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Job, error) {
	statuses := make([]string, len(filter.Statuses))
	for i, s := range filter.Statuses {
		statuses[i] = string(s)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		ORDER BY created_at DESC, id DESC`
	args := []any{statuses}
	if filter.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, filter.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ============================================================================
// Results
// ============================================================================

type resultRepository struct {
	pool *pgxpool.Pool
}

var _ domain.ResultRepository = (*resultRepository)(nil)

func (r *resultRepository) Put(ctx context.Context, res *domain.StoredResult) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO results (job_id, subject, payload, positive, negative, neutral, overall_score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (job_id) DO UPDATE SET
			subject = EXCLUDED.subject,
			payload = EXCLUDED.payload,
			positive = EXCLUDED.positive,
			negative = EXCLUDED.negative,
			neutral = EXCLUDED.neutral,
			overall_score = EXCLUDED.overall_score,
			created_at = EXCLUDED.created_at`,
		res.JobID, res.Subject, string(res.Payload),
		res.Counts.Positive, res.Counts.Negative, res.Counts.Neutral, res.Counts.OverallScore,
		res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

func (r *resultRepository) Get(ctx context.Context, jobID string) (*domain.StoredResult, error) {
	var (
		res     domain.StoredResult
		payload string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT job_id, subject, payload::text, positive, negative, neutral, overall_score, created_at
		 FROM results WHERE job_id = $1`, jobID,
	).Scan(&res.JobID, &res.Subject, &payload,
		&res.Counts.Positive, &res.Counts.Negative, &res.Counts.Neutral, &res.Counts.OverallScore,
		&res.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ResultNotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	res.Payload = []byte(payload)
	return &res, nil
}

// ============================================================================
// Events
// ============================================================================

type eventRepository struct {
	pool *pgxpool.Pool
}

var _ domain.EventRepository = (*eventRepository)(nil)

func (r *eventRepository) Append(ctx context.Context, ev domain.ProgressEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO job_events (job_id, sequence, stage, status, message, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (job_id, sequence) DO NOTHING`,
		ev.JobID, int64(ev.Sequence), string(ev.Stage), string(ev.Status), //nolint:gosec // G115: sequences are small
		ev.Message, ev.Details, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r *eventRepository) List(ctx context.Context, jobID string) ([]domain.ProgressEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT job_id, sequence, stage, status, message, details, created_at
		 FROM job_events WHERE job_id = $1 ORDER BY sequence`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ProgressEvent, error) {
		var (
			ev           domain.ProgressEvent
			seq          int64
			stage, state string
		)
		err := row.Scan(&ev.JobID, &seq, &stage, &state, &ev.Message, &ev.Details, &ev.Timestamp)
		ev.Sequence = uint64(seq) //nolint:gosec // G115: stored from uint64
		ev.Stage = domain.StageID(stage)
		ev.Status = domain.StageStatus(state)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}
