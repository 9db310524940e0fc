// Package upstream talks to the streaming generation provider.
//
// The provider exposes a Responses-style protocol keyed by an opaque
// response id: create-and-stream, retrieve-by-id, and stream-resume from a
// per-event sequence cursor. Terminal statuses are completed, failed,
// cancelled and incomplete. Nothing here depends on a vendor SDK; the
// adapter speaks the wire contract directly.
package upstream

import (
	"context"
	"encoding/json"

	"github.com/quillworks/quill/internal/model"
)

// Terminal provider statuses.
const (
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusIncomplete = "incomplete"
)

// TerminalStatus reports whether s is one of the provider's terminal states.
func TerminalStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusIncomplete:
		return true
	}
	return false
}

// Request describes one generation call.
type Request struct {
	Model        string
	Instructions string
	Input        string
}

// RawEvent is one event from the provider's wire stream.
type RawEvent struct {
	Type       string          // provider event name, e.g. "response.output_text.delta"
	Seq        int64           // per-event sequence number, the resume cursor
	ResponseID string          // set once the provider has allocated a response
	Delta      string          // incremental text for delta events
	Text       string          // final text for terminal events
	Status     string          // response status for lifecycle events
	Usage      *model.Usage    // token accounting, present on completion
	Raw        json.RawMessage // original payload, passed through for telemetry
}

// Stream is one open streaming connection to the provider. Next returns
// io.EOF at a clean end of stream; any other error is a transport failure.
type Stream interface {
	Next() (RawEvent, error)
	Close() error
}

// Snapshot is the provider's point-in-time view of a response, used by the
// poll fallback. Text is whatever output exists at retrieval time.
type Snapshot struct {
	ID     string
	Status string
	Text   string
	Usage  *model.Usage
}

// Provider is the upstream contract the run layer depends on.
type Provider interface {
	// CreateStream opens a new generation and streams its events.
	CreateStream(ctx context.Context, req Request) (Stream, error)
	// ResumeStream re-opens the stream for an existing response, delivering
	// only events with sequence numbers greater than afterSeq.
	ResumeStream(ctx context.Context, responseID string, afterSeq int64) (Stream, error)
	// Retrieve fetches the response's current status and output.
	Retrieve(ctx context.Context, responseID string) (Snapshot, error)
}
