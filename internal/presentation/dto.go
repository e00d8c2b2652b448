package presentation

import (
	"time"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

// JobDTO represents a job for CLI output
type JobDTO struct {
	ID            string     `json:"id"`
	Subject       string     `json:"subject"`
	PeriodStart   string     `json:"periodStart"`
	PeriodEnd     string     `json:"periodEnd"`
	Status        string     `json:"status"`
	FailureReason string     `json:"failureReason,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// FromDomainJob converts a domain job to a DTO
func FromDomainJob(job *domain.Job) JobDTO {
	return JobDTO{
		ID:            job.ID(),
		Subject:       job.Subject(),
		PeriodStart:   job.Period().StartString(),
		PeriodEnd:     job.Period().EndString(),
		Status:        string(job.Status()),
		FailureReason: string(job.FailureReason()),
		Error:         job.Error(),
		CreatedAt:     job.CreatedAt(),
		CompletedAt:   job.CompletedAt(),
	}
}

// FromDomainJobs converts a slice of jobs, preserving order
func FromDomainJobs(jobs []*domain.Job) []JobDTO {
	out := make([]JobDTO, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, FromDomainJob(j))
	}
	return out
}
