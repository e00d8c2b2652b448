package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/jobs/memory"
	"github.com/zjrosen/marketpulse/internal/orchestration/classifier"
	"github.com/zjrosen/marketpulse/internal/orchestration/coordinator"
	"github.com/zjrosen/marketpulse/internal/orchestration/gateway"
	"github.com/zjrosen/marketpulse/internal/orchestration/worker"
	"github.com/zjrosen/marketpulse/internal/testutil"
)

const payload = `{"positive":5,"negative":1,"neutral":2}`

type testAPI struct {
	coord *coordinator.Coordinator
	h     *Handler
	srv   *httptest.Server
}

func newTestAPI(t *testing.T, workerPath string, opts ...func(*HandlerConfig)) *testAPI {
	t.Helper()
	jobs := memory.NewJobRepository()
	results := memory.NewResultRepository()
	events := memory.NewEventRepository()

	coord, err := coordinator.New(coordinator.Config{
		Jobs:       jobs,
		Results:    results,
		Events:     events,
		Supervisor: worker.NewSupervisor(classifier.NewDefault()),
		Command:    worker.Command{Path: workerPath},
		Timeout:    10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})

	cfg := HandlerConfig{
		Coordinator: coord,
		Gateway:     gateway.New(coord.Registry(), events, jobs),
		Results:     results,
		SubmitRate:  -1,
		Heartbeat:   50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h := NewHandler(cfg)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &testAPI{coord: coord, h: h, srv: srv}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	a.h.Routes().ServeHTTP(w, req)
	return w
}

func (a *testAPI) waitStatus(t *testing.T, jobID string, want domain.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		view, err := a.coord.Get(context.Background(), jobID)
		return err == nil && view.Job.Status() == want
	}, 10*time.Second, 10*time.Millisecond)
}

func submitBody(jobID string) string {
	return `{"jobId":"` + jobID + `","subject":"X","periodStart":"2025-01-01","periodEnd":"2025-01-07"}`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

type sseEvent struct {
	name string
	id   string
	data string
}

// readEvent returns the next SSE event, skipping comments. ok is false at EOF.
func readEvent(t *testing.T, r *bufio.Reader) (sseEvent, bool) {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			return ev, false
		}
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev, true
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, ctx context.Context, url string) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

// === Tests ===

func TestHandler_Submit(t *testing.T) {
	a := newTestAPI(t, testutil.ScenarioWorker(t, payload, ""))

	w := a.do(t, http.MethodPost, "/jobs", submitBody("job-1"))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, "pending", resp.Status)

	a.waitStatus(t, "job-1", domain.StatusCompleted)

	w = a.do(t, http.MethodPost, "/jobs", submitBody("job-1"))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.Status)
}

func TestHandler_Submit_InvalidJSON(t *testing.T) {
	a := newTestAPI(t, "/bin/true")

	w := a.do(t, http.MethodPost, "/jobs", "not json")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, decodeError(t, w).Code)
}

func TestHandler_Submit_Validation(t *testing.T) {
	a := newTestAPI(t, "/bin/true")

	w := a.do(t, http.MethodPost, "/jobs", `{"subject":"X","periodStart":"2025-02-30","periodEnd":"2025-03-01"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, CodeInvalidRequest, resp.Code)
	assert.Equal(t, "periodStart", resp.Details["field"])

	w = a.do(t, http.MethodPost, "/jobs", `{"subject":"","periodStart":"2025-01-01","periodEnd":"2025-01-02"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "subject", decodeError(t, w).Details["field"])
}

func TestHandler_Submit_RateLimited(t *testing.T) {
	a := newTestAPI(t, testutil.ScenarioWorker(t, payload, ""), func(c *HandlerConfig) {
		c.SubmitRate = 0.001
		c.SubmitBurst = 1
	})

	w := a.do(t, http.MethodPost, "/jobs", submitBody("first"))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = a.do(t, http.MethodPost, "/jobs", submitBody("second"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, CodeRateLimited, decodeError(t, w).Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	a.waitStatus(t, "first", domain.StatusCompleted)
}

func TestHandler_Get(t *testing.T) {
	a := newTestAPI(t, testutil.ScenarioWorker(t, payload, ""))
	a.do(t, http.MethodPost, "/jobs", submitBody("job-1"))
	a.waitStatus(t, "job-1", domain.StatusCompleted)

	w := a.do(t, http.MethodGet, "/jobs/job-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, "2025-01-07", resp.PeriodEnd)
	require.Len(t, resp.Stages, len(domain.Stages))
	assert.Equal(t, domain.StageSuccess, resp.Stages[len(resp.Stages)-1].Status)
	require.NotNil(t, resp.Metrics)
	assert.NotNil(t, resp.CompletedAt)
}

func TestHandler_Get_NotFound(t *testing.T) {
	a := newTestAPI(t, "/bin/true")

	w := a.do(t, http.MethodGet, "/jobs/unknown", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decodeError(t, w).Code)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	a := newTestAPI(t, "/bin/true")

	w := a.do(t, http.MethodDelete, "/jobs", "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, CodeMethodNotAllowed, decodeError(t, w).Code)
}

func TestHandler_List(t *testing.T) {
	a := newTestAPI(t, testutil.ScenarioWorker(t, "", ""))
	a.do(t, http.MethodPost, "/jobs", submitBody("job-1"))
	a.waitStatus(t, "job-1", domain.StatusFailed)

	w := a.do(t, http.MethodGet, "/jobs?status=failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, string(domain.ReasonNoResultPayload), resp.Jobs[0].FailureReason)

	w = a.do(t, http.MethodGet, "/jobs?status=completed", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Total)
	assert.NotNil(t, resp.Jobs)

	w = a.do(t, http.MethodGet, "/jobs?status=bogus", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodGet, "/jobs?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Result(t *testing.T) {
	path := testutil.WriteWorker(t, "sleep 0.5\n"+testutil.Stdout(payload))
	a := newTestAPI(t, path)

	w := a.do(t, http.MethodGet, "/jobs/job-1/result", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	a.do(t, http.MethodPost, "/jobs", submitBody("job-1"))
	w = a.do(t, http.MethodGet, "/jobs/job-1/result", "")
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeResultNotReady, decodeError(t, w).Code)

	a.waitStatus(t, "job-1", domain.StatusCompleted)
	for range 2 {
		w = a.do(t, http.MethodGet, "/jobs/job-1/result", "")
		require.Equal(t, http.StatusOK, w.Code)

		var res domain.StoredResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, domain.Counts{Positive: 5, Negative: 1, Neutral: 2, OverallScore: 0.5}, res.Counts)
		assert.JSONEq(t, payload, string(res.Payload))
	}
}

func TestHandler_Health(t *testing.T) {
	a := newTestAPI(t, "/bin/true")

	w := a.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Zero(t, resp.RunningJobs)
}

func TestStreamJobEvents_JoinBeforeSubmit(t *testing.T) {
	a := newTestAPI(t, testutil.ScenarioWorker(t, payload, "0.02"))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	r := openStream(t, ctx, a.srv.URL+"/jobs/live-1/events?observer=obs-1")
	ev, ok := readEvent(t, r)
	require.True(t, ok)
	require.Equal(t, "joined", ev.name)
	var joined JoinedEvent
	require.NoError(t, json.Unmarshal([]byte(ev.data), &joined))
	assert.Equal(t, "live-1", joined.JobID)
	assert.Equal(t, "obs-1", joined.ObserverID)
	assert.Empty(t, joined.History)

	w := a.do(t, http.MethodPost, "/jobs", submitBody("live-1"))
	require.Equal(t, http.StatusAccepted, w.Code)

	var events []domain.ProgressEvent
	for {
		ev, ok := readEvent(t, r)
		if !ok {
			break
		}
		require.Equal(t, "progress", ev.name)
		var pe domain.ProgressEvent
		require.NoError(t, json.Unmarshal([]byte(ev.data), &pe))
		events = append(events, pe)
	}

	require.Len(t, events, 7)
	for i, pe := range events {
		assert.Equal(t, uint64(i+1), pe.Sequence)
	}
	assert.True(t, events[6].IsTerminal())
	assert.Equal(t, domain.StageSuccess, events[6].Status)
}

func TestStreamJobEvents_LateJoinGetsHistoryAndEnds(t *testing.T) {
	a := newTestAPI(t, testutil.ScenarioWorker(t, payload, ""))
	a.do(t, http.MethodPost, "/jobs", submitBody("done-1"))
	a.waitStatus(t, "done-1", domain.StatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r := openStream(t, ctx, a.srv.URL+"/jobs/done-1/events")

	ev, ok := readEvent(t, r)
	require.True(t, ok)
	require.Equal(t, "joined", ev.name)
	var joined JoinedEvent
	require.NoError(t, json.Unmarshal([]byte(ev.data), &joined))
	require.Len(t, joined.History, 7)
	assert.NotEmpty(t, joined.ObserverID)
	assert.True(t, joined.History[6].IsTerminal())

	_, ok = readEvent(t, r)
	assert.False(t, ok, "stream should end after a terminal history")
}

func TestStreamLifecycle(t *testing.T) {
	a := newTestAPI(t, testutil.ScenarioWorker(t, payload, ""))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	r := openStream(t, ctx, a.srv.URL+"/events")
	ev, ok := readEvent(t, r)
	require.True(t, ok)
	require.Equal(t, "connected", ev.name)

	a.do(t, http.MethodPost, "/jobs", submitBody("life-1"))

	var names []string
	for len(names) < 3 {
		ev, ok := readEvent(t, r)
		require.True(t, ok)
		var je domain.JobEvent
		require.NoError(t, json.Unmarshal([]byte(ev.data), &je))
		assert.Equal(t, "life-1", je.JobID)
		names = append(names, ev.name)
	}
	assert.Equal(t, []string{"submitted", "started", "completed"}, names)
}
