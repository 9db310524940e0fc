package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Letter tones accepted by the compose pipeline.
const (
	ToneFormal   = "formal"
	TonePersonal = "personal"
	ToneUrgent   = "urgent"
)

// ValidateTone rejects unknown or missing tones before any run is created.
func ValidateTone(tone string) error {
	switch tone {
	case ToneFormal, TonePersonal, ToneUrgent:
		return nil
	case "":
		return fmt.Errorf("tone is required")
	}
	return fmt.Errorf("unknown tone %q", tone)
}

// PipelineStatus tracks per-pipeline progress persisted on the job itself.
// It mirrors run status but lives in the job store, which is best-effort
// bookkeeping; the run metadata in Redis is the authoritative liveness
// signal while a run is in flight.
type PipelineStatus string

const (
	PipelineIdle      PipelineStatus = "idle"
	PipelineRunning   PipelineStatus = "running"
	PipelineCompleted PipelineStatus = "completed"
	PipelineErrored   PipelineStatus = "error"
)

// JobSnapshot is the persisted state of a user's letter job. A user has at
// most one active job at a time; runs always operate on the active job.
type JobSnapshot struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Topic     string    `json:"topic"`
	Recipient string    `json:"recipient"`
	Tone      string    `json:"tone"`

	Research       string         `json:"research"`
	ResearchStatus PipelineStatus `json:"research_status"`
	Letter         string         `json:"letter"`
	LetterStatus   PipelineStatus `json:"letter_status"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobPatch is a partial update to the active job. Nil fields are left
// untouched so concurrent edits to unrelated fields are not clobbered.
type JobPatch struct {
	Topic          *string         `json:"topic,omitempty"`
	Recipient      *string         `json:"recipient,omitempty"`
	Tone           *string         `json:"tone,omitempty"`
	Research       *string         `json:"research,omitempty"`
	ResearchStatus *PipelineStatus `json:"research_status,omitempty"`
	Letter         *string         `json:"letter,omitempty"`
	LetterStatus   *PipelineStatus `json:"letter_status,omitempty"`
}

// Empty reports whether the patch would change nothing.
func (p JobPatch) Empty() bool {
	return p.Topic == nil && p.Recipient == nil && p.Tone == nil &&
		p.Research == nil && p.ResearchStatus == nil &&
		p.Letter == nil && p.LetterStatus == nil
}
