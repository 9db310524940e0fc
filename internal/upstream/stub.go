package upstream

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/quillworks/quill/internal/model"
)

// Stub is an offline Provider used when no upstream credentials are
// configured. It streams a canned draft in small chunks so the rest of the
// pipeline (delta computation, persistence, replay) behaves as in
// production.
type Stub struct{}

// NewStub creates the offline provider.
func NewStub() *Stub { return &Stub{} }

const stubChunk = 12 // words per delta

func stubText(req Request) string {
	return fmt.Sprintf(
		"This is a locally generated draft for %q. No upstream provider is "+
			"configured, so this text stands in for the real model output. "+
			"It is long enough to produce several incremental updates and a "+
			"final completed response.", req.Input)
}

// CreateStream returns a stream of delta events followed by a completion.
func (s *Stub) CreateStream(_ context.Context, req Request) (Stream, error) {
	text := stubText(req)
	words := strings.Fields(text)

	id := "stub_" + uuid.NewString()
	var events []RawEvent
	seq := int64(1)
	events = append(events, RawEvent{Type: "response.created", Seq: seq, ResponseID: id})

	for start := 0; start < len(words); start += stubChunk {
		end := min(start+stubChunk, len(words))
		delta := strings.Join(words[start:end], " ")
		if end < len(words) {
			delta += " "
		}
		seq++
		events = append(events, RawEvent{Type: "response.output_text.delta", Seq: seq, Delta: delta})
	}

	seq++
	events = append(events, RawEvent{
		Type:       "response.completed",
		Seq:        seq,
		ResponseID: id,
		Status:     StatusCompleted,
		Text:       text,
		Usage:      &model.Usage{OutputTokens: len(words), TotalTokens: len(words)},
	})

	return &stubStream{events: events}, nil
}

// ResumeStream replays the canned stream after the cursor.
func (s *Stub) ResumeStream(_ context.Context, _ string, afterSeq int64) (Stream, error) {
	return nil, fmt.Errorf("upstream: stub provider cannot resume (cursor %d)", afterSeq)
}

// Retrieve reports the stub response as completed.
func (s *Stub) Retrieve(_ context.Context, responseID string) (Snapshot, error) {
	return Snapshot{ID: responseID, Status: StatusCompleted}, nil
}

type stubStream struct {
	events []RawEvent
	pos    int
}

func (s *stubStream) Next() (RawEvent, error) {
	if s.pos >= len(s.events) {
		return RawEvent{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *stubStream) Close() error { return nil }
