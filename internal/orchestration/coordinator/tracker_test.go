package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

func statuses(events []domain.ProgressEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Stage) + ":" + string(ev.Status)
	}
	return out
}

func TestTracker_ClosesPreviousStageWhenNextStarts(t *testing.T) {
	tr := newStageTracker("job-1")

	require.Equal(t, []string{"collection:loading"},
		statuses(tr.apply(domain.StageCollection, domain.StageLoading, "collecting", nil)))
	require.Equal(t, []string{"collection:success", "enrichment:loading"},
		statuses(tr.apply(domain.StageEnrichment, domain.StageLoading, "indicators", nil)))
}

func TestTracker_DropsUpdatesForFinishedStage(t *testing.T) {
	tr := newStageTracker("job-1")
	tr.apply(domain.StageCollection, domain.StageLoading, "", nil)
	tr.apply(domain.StageCollection, domain.StageSuccess, "", nil)

	require.Empty(t, tr.apply(domain.StageCollection, domain.StageLoading, "again", nil))
	require.Empty(t, tr.apply(domain.StageCollection, domain.StageError, "late error", nil))
}

func TestTracker_ProgressWithinActiveStage(t *testing.T) {
	tr := newStageTracker("job-1")
	tr.apply(domain.StageScoring, domain.StageLoading, "scoring", nil)

	evs := tr.apply(domain.StageScoring, domain.StageLoading, "distribution", []string{"positive 5"})
	require.Len(t, evs, 1)
	require.Equal(t, "distribution", evs[0].Message)
	require.Equal(t, []string{"positive 5"}, evs[0].Details)
}

func TestTracker_CloseActive(t *testing.T) {
	tr := newStageTracker("job-1")
	require.Empty(t, tr.closeActive(domain.StageError, "boom"))

	tr.apply(domain.StageReport, domain.StageLoading, "writing", nil)
	evs := tr.closeActive(domain.StageError, "boom")
	require.Equal(t, []string{"report:error"}, statuses(evs))
	require.Equal(t, "boom", evs[0].Message)
	require.Empty(t, tr.closeActive(domain.StageError, "again"))
}

func TestTracker_DefaultMessages(t *testing.T) {
	tr := newStageTracker("job-1")
	require.Equal(t, "scoring started", tr.apply(domain.StageScoring, domain.StageLoading, "", nil)[0].Message)
	require.Equal(t, "scoring finished", tr.apply(domain.StageScoring, domain.StageSuccess, "", nil)[0].Message)
}

func TestReplayStages(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []domain.ProgressEvent{
		{Stage: domain.StageCollection, Status: domain.StageLoading, Message: "a", Sequence: 1, Timestamp: t0},
		{Stage: domain.StageCollection, Status: domain.StageSuccess, Message: "b", Sequence: 2, Timestamp: t0.Add(time.Second)},
		{Stage: domain.StageScoring, Status: domain.StageLoading, Message: "c", Sequence: 3, Timestamp: t0.Add(2 * time.Second)},
	}

	states := ReplayStages(events)
	require.Len(t, states, len(domain.Stages))

	require.Equal(t, domain.StageSuccess, states[0].Status)
	require.Equal(t, "b", states[0].LastMessage)
	require.Equal(t, t0, *states[0].StartedAt)
	require.Equal(t, t0.Add(time.Second), *states[0].EndedAt)

	require.Equal(t, domain.StageWaiting, states[1].Status)
	require.Nil(t, states[1].StartedAt)

	require.Equal(t, domain.StageLoading, states[2].Status)
	require.Nil(t, states[2].EndedAt)
}
