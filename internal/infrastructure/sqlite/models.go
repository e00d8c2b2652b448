package sqlite

import (
	"encoding/json"
	"time"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

// JobModel is a jobs row. Times are Unix milliseconds.
type JobModel struct {
	ID            string
	Subject       string
	PeriodStart   string
	PeriodEnd     string
	Status        string
	FailureReason *string // nullable
	Error         *string // nullable
	CreatedAt     int64
	StartedAt     *int64 // nullable
	CompletedAt   *int64 // nullable
	UpdatedAt     int64
}

func toJobModel(j *domain.Job) *JobModel {
	m := &JobModel{
		ID:          j.ID(),
		Subject:     j.Subject(),
		PeriodStart: j.Period().StartString(),
		PeriodEnd:   j.Period().EndString(),
		Status:      string(j.Status()),
		CreatedAt:   j.CreatedAt().UnixMilli(),
		UpdatedAt:   j.UpdatedAt().UnixMilli(),
	}
	if j.FailureReason() != "" {
		reason := string(j.FailureReason())
		m.FailureReason = &reason
	}
	if j.Error() != "" {
		msg := j.Error()
		m.Error = &msg
	}
	m.StartedAt = millisPtr(j.StartedAt())
	m.CompletedAt = millisPtr(j.CompletedAt())
	return m
}

func (m *JobModel) toDomain() (*domain.Job, error) {
	period, err := domain.ParsePeriod(m.PeriodStart, m.PeriodEnd)
	if err != nil {
		return nil, err
	}
	var reason domain.FailureReason
	if m.FailureReason != nil {
		reason = domain.FailureReason(*m.FailureReason)
	}
	var msg string
	if m.Error != nil {
		msg = *m.Error
	}
	return domain.ReconstituteJob(
		m.ID,
		m.Subject,
		period,
		domain.Status(m.Status),
		reason,
		msg,
		time.UnixMilli(m.CreatedAt),
		timePtr(m.StartedAt),
		timePtr(m.CompletedAt),
		time.UnixMilli(m.UpdatedAt),
	), nil
}

// EventModel is a job_events row.
type EventModel struct {
	JobID     string
	Sequence  int64
	Stage     string
	Status    string
	Message   string
	Details   *string // nullable, JSON encoded
	CreatedAt int64
}

func toEventModel(ev domain.ProgressEvent) *EventModel {
	m := &EventModel{
		JobID:     ev.JobID,
		Sequence:  int64(ev.Sequence), //nolint:gosec // G115: sequences are small
		Stage:     string(ev.Stage),
		Status:    string(ev.Status),
		Message:   ev.Message,
		CreatedAt: ev.Timestamp.UnixMilli(),
	}
	if len(ev.Details) > 0 {
		if raw, err := json.Marshal(ev.Details); err == nil {
			details := string(raw)
			m.Details = &details
		}
	}
	return m
}

func (m *EventModel) toDomain() domain.ProgressEvent {
	var details []string
	if m.Details != nil {
		_ = json.Unmarshal([]byte(*m.Details), &details)
	}
	return domain.ProgressEvent{
		JobID:     m.JobID,
		Stage:     domain.StageID(m.Stage),
		Status:    domain.StageStatus(m.Status),
		Message:   m.Message,
		Details:   details,
		Sequence:  uint64(m.Sequence), //nolint:gosec // G115: stored from uint64
		Timestamp: time.UnixMilli(m.CreatedAt).UTC(),
	}
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func timePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
