package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/log"
)

// JoinedEvent is the first SSE event of a job stream.
type JoinedEvent struct {
	JobID      string                 `json:"jobId"`
	ObserverID string                 `json:"observerId"`
	History    []domain.ProgressEvent `json:"history"`
}

// StreamJobEvents joins the job's channel and streams its events via SSE.
// The stream ends after the terminal event is delivered. Joining a job
// that was not submitted yet is allowed.
// GET /jobs/{id}/events?observer=abc
func (h *Handler) StreamJobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "Streaming not supported", nil)
		return
	}

	ctx := r.Context()
	session, err := h.gw.Join(ctx, chi.URLParam(r, "id"), r.URL.Query().Get("observer"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	defer session.Leave()

	setStreamHeaders(w)
	joined := JoinedEvent{JobID: session.JobID(), ObserverID: session.ObserverID(), History: session.History}
	if session.History == nil {
		joined.History = []domain.ProgressEvent{}
	}
	if err := writeEvent(w, "joined", "", joined); err != nil {
		return
	}
	flusher.Flush()
	if session.Terminal() {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Gone():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-session.Ready():
			events, err := session.Drain()
			if err != nil {
				return
			}
			for _, ev := range events {
				if err := writeEvent(w, "progress", fmt.Sprint(ev.Sequence), ev); err != nil {
					return
				}
			}
			flusher.Flush()
			if n := len(events); n > 0 && events[n-1].IsTerminal() {
				return
			}
		}
	}
}

// StreamLifecycle streams job status changes via SSE.
// GET /events
func (h *Handler) StreamLifecycle(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "Streaming not supported", nil)
		return
	}

	ctx := r.Context()
	events := h.coord.Broker().Subscribe(ctx)

	setStreamHeaders(w)
	_, _ = fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, string(ev.Payload.Type), fmt.Sprint(ev.Seq), ev.Payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w http.ResponseWriter, event, id string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		log.ErrorErr(log.CatAPI, "Failed to marshal event", err, "event", event)
		return err
	}
	if id != "" {
		_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", event, id, payload)
	} else {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	}
	return err
}
