package coordinator

import (
	"time"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/log"
)

// stageTracker owns the authoritative stage states of one running job and
// turns worker stage updates into the events to append. Not safe for
// concurrent use; the supervisor serializes updates.
type stageTracker struct {
	jobID  string
	states map[domain.StageID]*domain.StageState
	active domain.StageID
	now    func() time.Time
}

func newStageTracker(jobID string) *stageTracker {
	t := &stageTracker{
		jobID:  jobID,
		states: make(map[domain.StageID]*domain.StageState, len(domain.Stages)),
		now:    time.Now,
	}
	for _, s := range domain.InitialStageStates() {
		st := s
		t.states[s.Stage] = &st
	}
	return t
}

// apply records one update and returns the events it produces, in order.
// Updates for a finished stage produce nothing. A stage starting while
// another is loading closes the earlier one as success first.
func (t *stageTracker) apply(stage domain.StageID, status domain.StageStatus, msg string, details []string) []domain.ProgressEvent {
	st, ok := t.states[stage]
	if !ok {
		return nil
	}
	if st.Status.IsTerminal() {
		log.Debug(log.CatOrch, "Dropping update for finished stage",
			"job_id", t.jobID, "stage", stage, "status", status)
		return nil
	}

	var out []domain.ProgressEvent
	if t.active != "" && t.active != stage &&
		(status == domain.StageLoading || stage.Index() > t.active.Index()) {
		out = append(out, t.set(t.active, domain.StageSuccess, "", nil))
	}
	return append(out, t.set(stage, status, msg, details))
}

// closeActive finishes the loading stage, if any, with status.
func (t *stageTracker) closeActive(status domain.StageStatus, msg string) []domain.ProgressEvent {
	if t.active == "" {
		return nil
	}
	return []domain.ProgressEvent{t.set(t.active, status, msg, nil)}
}

func (t *stageTracker) set(stage domain.StageID, status domain.StageStatus, msg string, details []string) domain.ProgressEvent {
	st := t.states[stage]
	now := t.now()
	if msg == "" {
		msg = defaultMessage(stage, status, st.LastMessage)
	}

	switch status {
	case domain.StageLoading:
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
		t.active = stage
	case domain.StageSuccess, domain.StageError:
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
		st.EndedAt = &now
		if t.active == stage {
			t.active = ""
		}
	}
	st.Status = status
	st.LastMessage = msg

	return domain.ProgressEvent{Stage: stage, Status: status, Message: msg, Details: details}
}

func defaultMessage(stage domain.StageID, status domain.StageStatus, last string) string {
	switch status {
	case domain.StageSuccess:
		return string(stage) + " finished"
	case domain.StageError:
		if last != "" {
			return last
		}
		return string(stage) + " failed"
	default:
		return string(stage) + " started"
	}
}

// ReplayStages rebuilds stage states from an event log. Later events win.
func ReplayStages(events []domain.ProgressEvent) []domain.StageState {
	states := domain.InitialStageStates()
	index := make(map[domain.StageID]int, len(states))
	for i, s := range states {
		index[s.Stage] = i
	}
	for _, ev := range events {
		i, ok := index[ev.Stage]
		if !ok {
			continue
		}
		st := &states[i]
		ts := ev.Timestamp
		if st.StartedAt == nil {
			st.StartedAt = &ts
		}
		if ev.Status.IsTerminal() {
			st.EndedAt = &ts
		}
		st.Status = ev.Status
		st.LastMessage = ev.Message
	}
	return states
}
