package domain

import (
	"encoding/json"
	"time"
)

// ProgressEvent is an immutable entry of a job's event log. Sequence is the
// ordering key; Timestamp is informational.
type ProgressEvent struct {
	JobID     string      `json:"jobId"`
	Stage     StageID     `json:"stageId"`
	Status    StageStatus `json:"status"`
	Message   string      `json:"message"`
	Details   []string    `json:"details,omitempty"`
	Sequence  uint64      `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
}

// IsTerminal reports whether this is the job's final event.
func (e ProgressEvent) IsTerminal() bool {
	return e.Stage == StageDone && e.Status.IsTerminal()
}

// JobEventType classifies lifecycle notifications.
type JobEventType string

const (
	JobSubmitted JobEventType = "submitted"
	JobStarted   JobEventType = "started"
	JobCompleted JobEventType = "completed"
	JobFailed    JobEventType = "failed"
)

// JobEvent is a job status change published on the lifecycle stream.
type JobEvent struct {
	Type    JobEventType  `json:"type"`
	JobID   string        `json:"jobId"`
	Subject string        `json:"subject"`
	Status  Status        `json:"status"`
	Reason  FailureReason `json:"reason,omitempty"`
}

// Counts are the aggregate sentiment figures of a result.
type Counts struct {
	Positive     int     `json:"positive"`
	Negative     int     `json:"negative"`
	Neutral      int     `json:"neutral"`
	OverallScore float64 `json:"overallScore"`
}

// StoredResult is the durable outcome of a completed job.
type StoredResult struct {
	JobID     string          `json:"jobId"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	Counts    Counts          `json:"counts"`
	CreatedAt time.Time       `json:"createdAt"`
}
