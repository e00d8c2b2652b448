package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

const jobColumns = `id, subject, period_start, period_end, status, failure_reason, error,
	created_at, started_at, completed_at, updated_at`

// jobRepository implements domain.JobRepository using SQLite.
type jobRepository struct {
	db *sql.DB
}

func newJobRepository(db *sql.DB) *jobRepository {
	return &jobRepository{db: db}
}

var _ domain.JobRepository = (*jobRepository)(nil)

func scanJob(scanner interface{ Scan(...any) error }) (*JobModel, error) {
	var m JobModel
	err := scanner.Scan(
		&m.ID, &m.Subject, &m.PeriodStart, &m.PeriodEnd, &m.Status, &m.FailureReason, &m.Error,
		&m.CreatedAt, &m.StartedAt, &m.CompletedAt, &m.UpdatedAt,
	)
	return &m, err
}

// Create inserts the job unless its id exists, in which case the stored job
// is returned unchanged.
func (r *jobRepository) Create(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	m := toJobModel(job)
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		m.ID, m.Subject, m.PeriodStart, m.PeriodEnd, m.Status, m.FailureReason, m.Error,
		m.CreatedAt, m.StartedAt, m.CompletedAt, m.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	stored, err := r.Get(ctx, job.ID())
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

// Save updates the mutable columns of an existing job.
func (r *jobRepository) Save(ctx context.Context, job *domain.Job) error {
	m := toJobModel(job)
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, failure_reason = ?, error = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		m.Status, m.FailureReason, m.Error, m.StartedAt, m.CompletedAt, m.UpdatedAt, m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &domain.JobNotFoundError{JobID: job.ID()}
	}
	return nil
}

func (r *jobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	m, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.JobNotFoundError{JobID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return m.toDomain()
}

// List returns jobs newest first.
func (r *jobRepository) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}

	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*domain.Job
	for rows.Next() {
		m, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}
