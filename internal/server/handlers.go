package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/quillworks/quill/internal/model"
	"github.com/quillworks/quill/internal/runs"
	"github.com/quillworks/quill/internal/storage"
)

// maxTopUp caps a single credit purchase.
const maxTopUp = 1000.0

// Handlers bundles the HTTP handlers and their dependencies.
type Handlers struct {
	db      *storage.DB
	svc     *runs.Service
	logger  *slog.Logger
	version string
	maxBody int64
	openapi []byte
}

// HandlersDeps holds dependencies for creating Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	RunService          *runs.Service
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBody := deps.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		db:      deps.DB,
		svc:     deps.RunService,
		logger:  deps.Logger,
		version: deps.Version,
		maxBody: maxBody,
		openapi: deps.OpenAPISpec,
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI YAML.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	if len(h.openapi) == 0 {
		http.Error(w, "spec not available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(h.openapi)
}

func (h *Handlers) limitBody(r *http.Request, w http.ResponseWriter) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
}

// HandleHealth returns service health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "database unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// HandleGetActiveJob returns the caller's active job.
func (h *Handlers) HandleGetActiveJob(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	job, err := h.db.ActiveJob(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no active job")
			return
		}
		h.logger.Error("get active job", "error", err, "user_id", claims.UserID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load job")
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// HandleCreateJob creates a fresh active job, deactivating any previous
// one. Starting a new letter is always a new job.
func (h *Handlers) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	h.limitBody(r, w)

	var req model.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	req.Recipient = strings.TrimSpace(req.Recipient)
	if req.Topic == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "topic is required")
		return
	}
	if req.Recipient == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "recipient is required")
		return
	}
	if err := model.ValidateTone(req.Tone); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	job, err := h.db.CreateJob(r.Context(), claims.UserID, req.Topic, req.Recipient, req.Tone)
	if err != nil {
		h.logger.Error("create job", "error", err, "user_id", claims.UserID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create job")
		return
	}
	writeJSON(w, r, http.StatusCreated, job)
}

// HandleGetCredits returns the caller's credit balance.
func (h *Handlers) HandleGetCredits(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	balance, err := h.db.Balance(r.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("get balance", "error", err, "user_id", claims.UserID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load balance")
		return
	}
	writeJSON(w, r, http.StatusOK, model.BalanceResponse{Balance: balance})
}

// HandleTopUp adds credits to the caller's account.
func (h *Handlers) HandleTopUp(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	h.limitBody(r, w)

	var req model.TopUpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Amount <= 0 || req.Amount > maxTopUp {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "amount must be positive and at most 1000")
		return
	}

	balance, err := h.db.Add(r.Context(), claims.UserID, req.Amount)
	if err != nil {
		h.logger.Error("top up credits", "error", err, "user_id", claims.UserID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to add credits")
		return
	}
	writeJSON(w, r, http.StatusOK, model.BalanceResponse{Balance: balance})
}
