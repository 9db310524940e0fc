package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quillworks/quill/internal/model"
	"github.com/quillworks/quill/internal/runs"
)

// sseHeartbeatEvery keeps idle streaming connections alive through
// proxies that cut quiet ones.
const sseHeartbeatEvery = 15 * time.Second

// HandleBeginRun starts or attaches to the run for the caller's active
// job. Returns 202 when this call launched the executor, 200 when it
// attached to an existing run.
func (h *Handlers) HandleBeginRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	h.limitBody(r, w)

	kind, err := model.ParseRunKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.BeginRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.JobID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "job_id is required")
		return
	}

	res, err := h.svc.Begin(r.Context(), claims.UserID, req.JobID, kind, runs.BeginOptions{
		Restart:         req.Restart,
		CreateIfMissing: !req.Resume,
	})
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Started {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, model.BeginRunResponse{
		Kind:    kind,
		JobID:   req.JobID,
		Status:  res.Status,
		Started: res.Started,
	})
}

// HandleStreamRun streams the run's events as SSE in log order,
// terminating the connection after a complete or error event. Late
// subscribers get the full replay first.
func (h *Handlers) HandleStreamRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	kind, err := model.ParseRunKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	jobID, err := uuid.Parse(r.URL.Query().Get("job_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "job_id query parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	key := model.RunKey{Kind: kind, UserID: claims.UserID, JobID: jobID}
	events, err := h.svc.Subscribe(r.Context(), key)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}

	// The server's WriteTimeout would sever the stream mid-run; lift it
	// for this response only.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("marshal run event", "run", key.String(), "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

// HandleClearRun deletes a settled run's state so the next begin starts
// fresh. Rejected while the run is live.
func (h *Handlers) HandleClearRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	kind, err := model.ParseRunKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	jobID, err := uuid.Parse(r.URL.Query().Get("job_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "job_id query parameter is required")
		return
	}

	if err := h.svc.Clear(r.Context(), claims.UserID, jobID, kind); err != nil {
		h.writeRunError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"cleared": true})
}

// writeRunError maps run orchestration errors onto API responses.
func (h *Handlers) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, runs.ErrNoActiveJob):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no active job")
	case errors.Is(err, runs.ErrJobMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "job_id does not match the active job")
	case errors.Is(err, runs.ErrInvalidJob):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, runs.ErrAlreadyRunning):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run is still in progress")
	case errors.Is(err, runs.ErrNoRun):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no run for this job")
	default:
		h.logger.Error("run operation failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "run operation failed")
	}
}
