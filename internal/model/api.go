package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInsufficientCredit = "INSUFFICIENT_CREDITS"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// BeginRunRequest is the request body for POST /v1/runs/{kind}.
type BeginRunRequest struct {
	JobID uuid.UUID `json:"job_id"`
	// Restart clears a settled run's state and starts fresh. Rejected while
	// the run is still running.
	Restart bool `json:"restart,omitempty"`
	// Resume attaches to an existing run without creating one; the request
	// fails if no run exists for the key.
	Resume bool `json:"resume,omitempty"`
}

// BeginRunResponse describes the run the caller started or attached to.
type BeginRunResponse struct {
	Kind    RunKind   `json:"kind"`
	JobID   uuid.UUID `json:"job_id"`
	Status  RunStatus `json:"status"`
	Started bool      `json:"started"` // true if this call started the executor
}

// CreateJobRequest is the request body for POST /v1/jobs/active.
type CreateJobRequest struct {
	Topic     string `json:"topic"`
	Recipient string `json:"recipient"`
	Tone      string `json:"tone"`
}

// TopUpRequest is the request body for POST /v1/credits/topup.
type TopUpRequest struct {
	Amount float64 `json:"amount"`
}

// BalanceResponse is the response body for credit endpoints.
type BalanceResponse struct {
	Balance float64 `json:"balance"`
}
