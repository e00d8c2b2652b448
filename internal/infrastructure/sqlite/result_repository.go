package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

type resultRepository struct {
	db *sql.DB
}

func newResultRepository(db *sql.DB) *resultRepository {
	return &resultRepository{db: db}
}

var _ domain.ResultRepository = (*resultRepository)(nil)

// Put upserts the result for its job.
func (r *resultRepository) Put(ctx context.Context, res *domain.StoredResult) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO results (job_id, subject, payload, positive, negative, neutral, overall_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			subject = excluded.subject,
			payload = excluded.payload,
			positive = excluded.positive,
			negative = excluded.negative,
			neutral = excluded.neutral,
			overall_score = excluded.overall_score,
			created_at = excluded.created_at`,
		res.JobID, res.Subject, string(res.Payload),
		res.Counts.Positive, res.Counts.Negative, res.Counts.Neutral, res.Counts.OverallScore,
		res.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

func (r *resultRepository) Get(ctx context.Context, jobID string) (*domain.StoredResult, error) {
	var (
		res       domain.StoredResult
		payload   string
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT job_id, subject, payload, positive, negative, neutral, overall_score, created_at
		 FROM results WHERE job_id = ?`, jobID,
	).Scan(&res.JobID, &res.Subject, &payload,
		&res.Counts.Positive, &res.Counts.Negative, &res.Counts.Neutral, &res.Counts.OverallScore,
		&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ResultNotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	res.Payload = []byte(payload)
	res.CreatedAt = time.UnixMilli(createdAt)
	return &res, nil
}
