// Package model defines the domain types shared across quill packages:
// run identities, run lifecycle state, stream events, jobs, and the API
// request/response envelope.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunKind identifies which generation pipeline a run belongs to.
type RunKind string

const (
	KindResearch RunKind = "research"
	KindCompose  RunKind = "compose"
)

// ParseRunKind validates a kind string from the wire.
func ParseRunKind(s string) (RunKind, error) {
	switch RunKind(s) {
	case KindResearch, KindCompose:
		return RunKind(s), nil
	}
	return "", fmt.Errorf("unknown run kind %q", s)
}

// RunKey identifies a single logical run. At most one active run may exist
// per key at any time, across all processes.
type RunKey struct {
	Kind   RunKind
	UserID uuid.UUID
	JobID  uuid.UUID
}

// String renders the key in the canonical form used for registry lookup
// and Redis key construction.
func (k RunKey) String() string {
	return string(k.Kind) + ":" + k.UserID.String() + ":" + k.JobID.String()
}

// RunStatus is the lifecycle state of a run. The only transitions are
// running -> completed and running -> errored; both are terminal.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunErrored   RunStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunErrored
}

// RunMetadata is the cross-process summary of a run, stored in Redis with a
// sliding TTL. Only the leader writes it; any process reads it to answer
// "is this run alive" without replaying the event log.
//
// Pointer fields distinguish "absent" (nil pointer in an update) from an
// explicit null (pointer to nil semantics are handled by the coordinator's
// per-field JSON encoding).
type RunMetadata struct {
	Status             RunStatus `json:"status"`
	UpstreamResponseID *string   `json:"upstream_response_id"`
	RemainingCredits   *float64  `json:"remaining_credits"`
	// PendingDebit records a debit that has not yet been settled by a
	// complete event or a refund. A recovery sweep uses it to reconcile
	// debits orphaned by a process crash.
	PendingDebit *float64  `json:"pending_debit"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EventType discriminates RunEvent payloads.
type EventType string

const (
	// EventStatus marks a lifecycle transition (starting, charged, ...).
	EventStatus EventType = "status"
	// EventDelta carries incremental generated text, never re-sent text.
	EventDelta EventType = "delta"
	// EventPassthrough relays an opaque provider sub-event for UI telemetry.
	EventPassthrough EventType = "event"
	// EventComplete is terminal and carries the final result.
	EventComplete EventType = "complete"
	// EventError is terminal and carries a user-facing message.
	EventError EventType = "error"
)

// Usage summarizes provider token accounting attached to a complete event.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// RunEvent is one entry in a run's durable event log. Events are totally
// ordered by EntryID, which is assigned by the log append; payload
// timestamps are informational only.
type RunEvent struct {
	Type EventType `json:"type"`

	// Status payload.
	Stage string `json:"stage,omitempty"`

	// Delta payload.
	Text string `json:"text,omitempty"`

	// Passthrough payload.
	Name string          `json:"name,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`

	// Complete payload.
	Content string `json:"content,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`

	// Error payload.
	Message string `json:"message,omitempty"`

	// Shared: balance after the event, when known. Present on charged
	// status, complete, and error events.
	RemainingCredits *float64 `json:"remaining_credits,omitempty"`

	// EntryID is the append-generated log position. Empty for events that
	// were delivered live but never reached the durable log.
	EntryID string `json:"-"`
}

// Terminal reports whether no further events follow this one.
func (e RunEvent) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Status stage names emitted by the executor.
const (
	StageStarting = "starting"
	StageCharged  = "charged"
	StageDrafting = "drafting"
	StageResumed  = "resumed"
)
