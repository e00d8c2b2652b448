package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

type eventRepository struct {
	db *sql.DB
}

func newEventRepository(db *sql.DB) *eventRepository {
	return &eventRepository{db: db}
}

var _ domain.EventRepository = (*eventRepository)(nil)

// Append stores one event; a repeated (job, sequence) pair is ignored.
func (r *eventRepository) Append(ctx context.Context, ev domain.ProgressEvent) error {
	m := toEventModel(ev)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO job_events (job_id, sequence, stage, status, message, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, sequence) DO NOTHING`,
		m.JobID, m.Sequence, m.Stage, m.Status, m.Message, m.Details, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r *eventRepository) List(ctx context.Context, jobID string) ([]domain.ProgressEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT job_id, sequence, stage, status, message, details, created_at
		 FROM job_events WHERE job_id = ? ORDER BY sequence`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []domain.ProgressEvent
	for rows.Next() {
		var m EventModel
		if err := rows.Scan(&m.JobID, &m.Sequence, &m.Stage, &m.Status, &m.Message, &m.Details, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}
