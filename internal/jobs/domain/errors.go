package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("job not found")

	// ErrResultNotFound is returned when no result is stored for a job.
	ErrResultNotFound = errors.New("result not found")
)

// JobNotFoundError carries the missing id and matches ErrJobNotFound.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

func (e *JobNotFoundError) Is(target error) bool {
	return target == ErrJobNotFound
}

// ResultNotFoundError carries the job id and matches ErrResultNotFound.
type ResultNotFoundError struct {
	JobID string
}

func (e *ResultNotFoundError) Error() string {
	return fmt.Sprintf("result not found for job: %s", e.JobID)
}

func (e *ResultNotFoundError) Is(target error) bool {
	return target == ErrResultNotFound
}

// ValidationError reports a rejected submission field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// InvalidTransitionError reports a rejected status change.
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}
