package domain

import "time"

// StageID names a pipeline phase.
type StageID string

const (
	StageCollection  StageID = "collection"
	StageEnrichment  StageID = "enrichment"
	StageScoring     StageID = "scoring"
	StageReport      StageID = "report"
	StagePersistence StageID = "persistence"
	StageDone        StageID = "done"
)

// Stages is the fixed pipeline order.
var Stages = []StageID{
	StageCollection,
	StageEnrichment,
	StageScoring,
	StageReport,
	StagePersistence,
	StageDone,
}

// IsValid returns true for a member of Stages.
func (s StageID) IsValid() bool {
	return s.Index() >= 0
}

// Index returns the position in Stages, or -1.
func (s StageID) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the following stage. The last stage returns itself.
func (s StageID) Next() StageID {
	i := s.Index()
	if i < 0 || i == len(Stages)-1 {
		return s
	}
	return Stages[i+1]
}

// StageStatus is the status of one stage.
type StageStatus string

const (
	StageWaiting StageStatus = "waiting"
	StageLoading StageStatus = "loading"
	StageSuccess StageStatus = "success"
	StageError   StageStatus = "error"
)

// IsValid returns true for a recognized stage status.
func (s StageStatus) IsValid() bool {
	switch s {
	case StageWaiting, StageLoading, StageSuccess, StageError:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the stage can no longer change.
func (s StageStatus) IsTerminal() bool {
	return s == StageSuccess || s == StageError
}

// StageState is the current state of one stage of one job.
type StageState struct {
	Stage       StageID     `json:"stageId"`
	Status      StageStatus `json:"status"`
	LastMessage string      `json:"lastMessage,omitempty"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	EndedAt     *time.Time  `json:"endedAt,omitempty"`
}

// InitialStageStates returns every stage in waiting.
func InitialStageStates() []StageState {
	states := make([]StageState, len(Stages))
	for i, s := range Stages {
		states[i] = StageState{Stage: s, Status: StageWaiting}
	}
	return states
}
