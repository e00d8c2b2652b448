// Package memory provides in-memory implementations of the job repositories.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

// ===========================================================================
// JobRepository
// ===========================================================================

// JobRepository is an in-memory implementation of domain.JobRepository.
// Stored jobs are cloned on the way in and out.
type JobRepository struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

var _ domain.JobRepository = (*JobRepository)(nil)

// NewJobRepository creates an empty repository.
func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[string]*domain.Job)}
}

// Create inserts job unless the id exists.
func (r *JobRepository) Create(_ context.Context, job *domain.Job) (*domain.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.jobs[job.ID()]; ok {
		return existing.Clone(), false, nil
	}
	r.jobs[job.ID()] = job.Clone()
	return job.Clone(), true, nil
}

// Save updates an existing job.
func (r *JobRepository) Save(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID()]; !ok {
		return &domain.JobNotFoundError{JobID: job.ID()}
	}
	r.jobs[job.ID()] = job.Clone()
	return nil
}

// Get retrieves a job by id.
func (r *JobRepository) Get(_ context.Context, id string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, &domain.JobNotFoundError{JobID: id}
	}
	return job.Clone(), nil
}

// List returns jobs newest first.
func (r *JobRepository) List(_ context.Context, filter domain.ListFilter) ([]*domain.Job, error) {
	r.mu.RLock()
	result := make([]*domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if filter.Matches(job) {
			result = append(result, job.Clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(result, func(a, b *domain.Job) int {
		return b.CreatedAt().Compare(a.CreatedAt())
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ===========================================================================
// ResultRepository
// ===========================================================================

// ResultRepository is an in-memory implementation of domain.ResultRepository.
type ResultRepository struct {
	mu      sync.RWMutex
	results map[string]domain.StoredResult
}

var _ domain.ResultRepository = (*ResultRepository)(nil)

// NewResultRepository creates an empty repository.
func NewResultRepository() *ResultRepository {
	return &ResultRepository{results: make(map[string]domain.StoredResult)}
}

// Put stores or overwrites a result.
func (r *ResultRepository) Put(_ context.Context, result *domain.StoredResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *result
	stored.Payload = slices.Clone(result.Payload)
	r.results[result.JobID] = stored
	return nil
}

// Get retrieves a stored result.
func (r *ResultRepository) Get(_ context.Context, jobID string) (*domain.StoredResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.results[jobID]
	if !ok {
		return nil, &domain.ResultNotFoundError{JobID: jobID}
	}
	stored.Payload = slices.Clone(stored.Payload)
	return &stored, nil
}

// ===========================================================================
// EventRepository
// ===========================================================================

// EventRepository is an in-memory implementation of domain.EventRepository.
type EventRepository struct {
	mu     sync.RWMutex
	events map[string][]domain.ProgressEvent
}

var _ domain.EventRepository = (*EventRepository)(nil)

// NewEventRepository creates an empty repository.
func NewEventRepository() *EventRepository {
	return &EventRepository{events: make(map[string][]domain.ProgressEvent)}
}

// Append stores an event unless its sequence is already present.
func (r *EventRepository) Append(_ context.Context, event domain.ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.events[event.JobID]
	for _, e := range log {
		if e.Sequence == event.Sequence {
			return nil
		}
	}
	event.Details = slices.Clone(event.Details)
	log = append(log, event)
	slices.SortFunc(log, func(a, b domain.ProgressEvent) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	r.events[event.JobID] = log
	return nil
}

// List returns a copy of the job's events ordered by sequence.
func (r *EventRepository) List(_ context.Context, jobID string) ([]domain.ProgressEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.events[jobID]), nil
}
