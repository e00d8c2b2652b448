package domain

import "context"

// ListFilter provides filtering options for listing jobs.
type ListFilter struct {
	// Statuses filters jobs by status. Empty includes all.
	Statuses []Status

	// Limit restricts the number of jobs returned. 0 means no limit.
	Limit int
}

// Matches reports whether the job passes the status filter.
func (f ListFilter) Matches(j *Job) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if j.Status() == s {
			return true
		}
	}
	return false
}

// JobRepository persists Job records.
type JobRepository interface {
	// Create inserts a new job. Returns the stored job and created=false
	// without modification when the id already exists.
	Create(ctx context.Context, job *Job) (stored *Job, created bool, err error)

	// Save updates an existing job.
	Save(ctx context.Context, job *Job) error

	// Get returns JobNotFoundError if the id is unknown.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs newest first.
	List(ctx context.Context, filter ListFilter) ([]*Job, error)
}

// ResultRepository persists results of completed jobs.
type ResultRepository interface {
	// Put stores a result. Storing the same job twice overwrites.
	Put(ctx context.Context, result *StoredResult) error

	// Get returns ResultNotFoundError if nothing is stored.
	Get(ctx context.Context, jobID string) (*StoredResult, error)
}

// EventRepository persists job event logs for replay after eviction.
type EventRepository interface {
	// Append stores one event. Duplicate sequences are ignored.
	Append(ctx context.Context, event ProgressEvent) error

	// List returns a job's events ordered by sequence.
	List(ctx context.Context, jobID string) ([]ProgressEvent, error)
}
