// Package domain provides the pure domain layer for analysis jobs with no
// infrastructure dependencies.
//
// It defines the Job entity and its monotonic state machine, the fixed stage
// enumeration, progress events, stored results, and the repository
// interfaces implemented by the storage backends.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire and storage format of period boundaries.
const DateLayout = "2006-01-02"

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending indicates the job record exists but no worker runs yet.
	StatusPending Status = "pending"

	// StatusProcessing indicates the worker has been started.
	StatusProcessing Status = "processing"

	// StatusCompleted indicates the result was durably stored.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the job ended without a stored result.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized job status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	default:
		return 2
	}
}

// FailureReason distinguishes why a job failed.
type FailureReason string

const (
	ReasonNone                  FailureReason = ""
	ReasonSpawnFailure          FailureReason = "SpawnFailure"
	ReasonTimeout               FailureReason = "Timeout"
	ReasonNonZeroExit           FailureReason = "NonZeroExit"
	ReasonNoResultPayload       FailureReason = "NoResultPayload"
	ReasonStreamFailure         FailureReason = "StreamFailure"
	ReasonPayloadParseFailure   FailureReason = "PayloadParseFailure"
	ReasonWorkerReportedFailure FailureReason = "WorkerReportedFailure"
	ReasonPersistenceFailure    FailureReason = "PersistenceFailure"
	ReasonCancelled             FailureReason = "Cancelled"
	ReasonInterrupted           FailureReason = "Interrupted"
)

// Detail is the first detail line of a done:error event.
func (r FailureReason) Detail() string {
	return "reason: " + string(r)
}

// Period is an inclusive date range.
type Period struct {
	Start time.Time
	End   time.Time
}

// ParsePeriod parses two YYYY-MM-DD dates and checks start <= end.
func ParsePeriod(start, end string) (Period, error) {
	s, err := time.Parse(DateLayout, strings.TrimSpace(start))
	if err != nil {
		return Period{}, &ValidationError{Field: "periodStart", Message: fmt.Sprintf("expected %s, got %q", DateLayout, start)}
	}
	e, err := time.Parse(DateLayout, strings.TrimSpace(end))
	if err != nil {
		return Period{}, &ValidationError{Field: "periodEnd", Message: fmt.Sprintf("expected %s, got %q", DateLayout, end)}
	}
	if s.After(e) {
		return Period{}, &ValidationError{Field: "periodStart", Message: "periodStart must not be after periodEnd"}
	}
	return Period{Start: s, End: e}, nil
}

// StartString formats the start date.
func (p Period) StartString() string { return p.Start.Format(DateLayout) }

// EndString formats the end date.
func (p Period) EndString() string { return p.End.Format(DateLayout) }

// Days returns the inclusive number of days covered.
func (p Period) Days() int {
	return int(p.End.Sub(p.Start).Hours()/24) + 1
}

// Job is one analysis run. Fields are unexported so status changes go
// through the transition methods.
type Job struct {
	id          string
	subject     string
	period      Period
	status      Status
	reason      FailureReason
	errorMsg    string
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
	updatedAt   time.Time
}

// NewJob creates a pending job.
func NewJob(id, subject string, period Period) (*Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Field: "jobId", Message: "must not be empty"}
	}
	if strings.TrimSpace(subject) == "" {
		return nil, &ValidationError{Field: "subject", Message: "must not be empty"}
	}
	now := time.Now()
	return &Job{
		id:        id,
		subject:   strings.TrimSpace(subject),
		period:    period,
		status:    StatusPending,
		createdAt: now,
		updatedAt: now,
	}, nil
}

// ReconstituteJob creates a Job from stored data.
func ReconstituteJob(
	id, subject string,
	period Period,
	status Status,
	reason FailureReason,
	errorMsg string,
	createdAt time.Time,
	startedAt, completedAt *time.Time,
	updatedAt time.Time,
) *Job {
	return &Job{
		id:          id,
		subject:     subject,
		period:      period,
		status:      status,
		reason:      reason,
		errorMsg:    errorMsg,
		createdAt:   createdAt,
		startedAt:   startedAt,
		completedAt: completedAt,
		updatedAt:   updatedAt,
	}
}

func (j *Job) ID() string                   { return j.id }
func (j *Job) Subject() string              { return j.subject }
func (j *Job) Period() Period               { return j.period }
func (j *Job) Status() Status               { return j.status }
func (j *Job) FailureReason() FailureReason { return j.reason }
func (j *Job) Error() string                { return j.errorMsg }
func (j *Job) CreatedAt() time.Time         { return j.createdAt }
func (j *Job) StartedAt() *time.Time        { return j.startedAt }
func (j *Job) CompletedAt() *time.Time      { return j.completedAt }
func (j *Job) UpdatedAt() time.Time         { return j.updatedAt }

func (j *Job) transition(to Status) error {
	if j.status.IsTerminal() || to.rank() <= j.status.rank() {
		return &InvalidTransitionError{JobID: j.id, From: j.status, To: to}
	}
	j.status = to
	j.updatedAt = time.Now()
	return nil
}

// Start moves a pending job to processing.
func (j *Job) Start() error {
	if err := j.transition(StatusProcessing); err != nil {
		return err
	}
	now := j.updatedAt
	j.startedAt = &now
	return nil
}

// Complete marks the job completed. The job must be processing.
func (j *Job) Complete() error {
	if j.status != StatusProcessing {
		return &InvalidTransitionError{JobID: j.id, From: j.status, To: StatusCompleted}
	}
	if err := j.transition(StatusCompleted); err != nil {
		return err
	}
	now := j.updatedAt
	j.completedAt = &now
	return nil
}

// Fail marks the job failed from pending or processing.
func (j *Job) Fail(reason FailureReason, msg string) error {
	if err := j.transition(StatusFailed); err != nil {
		return err
	}
	now := j.updatedAt
	j.completedAt = &now
	j.reason = reason
	j.errorMsg = msg
	return nil
}

// Clone returns an independent copy.
func (j *Job) Clone() *Job {
	c := *j
	if j.startedAt != nil {
		t := *j.startedAt
		c.startedAt = &t
	}
	if j.completedAt != nil {
		t := *j.completedAt
		c.completedAt = &t
	}
	return &c
}
