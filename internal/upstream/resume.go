package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/quillworks/quill/internal/model"
)

// EventKind discriminates normalized adapter events.
type EventKind string

const (
	// EvCreated fires once the provider has allocated a response id. The
	// executor persists the id immediately so a later resume or poll can
	// target it even across a process restart.
	EvCreated EventKind = "created"
	// EvSnapshot carries the cumulative generated text so far.
	EvSnapshot EventKind = "snapshot"
	// EvPassthrough relays an opaque provider sub-event.
	EvPassthrough EventKind = "passthrough"
	// EvResumed marks a successful mid-stream reconnect.
	EvResumed EventKind = "resumed"
	// EvCompleted is terminal: the generation finished successfully.
	EvCompleted EventKind = "completed"
	// EvFailed is terminal: the provider reported failure or the transport
	// could not be recovered.
	EvFailed EventKind = "failed"
)

// Event is a normalized upstream event consumed by the run executor.
type Event struct {
	Kind       EventKind
	ResponseID string
	Seq        int64
	Text       string // cumulative snapshot (EvSnapshot) or final text (EvCompleted)
	Name       string // provider event name (EvPassthrough)
	Raw        json.RawMessage
	Usage      *model.Usage
	Status     string // provider terminal status (EvFailed), "" for transport failures
	Err        error  // transport or poll error (EvFailed)
	// FromPoll marks a terminal event recovered via the retrieve fallback
	// rather than the stream; such events carry only the final snapshot,
	// never sub-event granularity.
	FromPoll bool
}

// maxResumes bounds reconnect attempts for one run so a provider that drops
// every connection cannot loop forever.
const maxResumes = 5

// ResumeAdapter wraps one streaming provider call with disconnect recovery:
// transport drops are resumed from the last seen sequence number once a
// response id is known, and a stream that ends without a terminal event
// falls back to polling the retrieve endpoint.
type ResumeAdapter struct {
	provider     Provider
	logger       *slog.Logger
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewResumeAdapter creates an adapter over the given provider.
func NewResumeAdapter(p Provider, logger *slog.Logger, pollInterval, pollTimeout time.Duration) *ResumeAdapter {
	return &ResumeAdapter{
		provider:     p,
		logger:       logger,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}
}

// Run opens the stream and returns a channel of normalized events. The
// channel always ends with a terminal event (EvCompleted or EvFailed)
// unless ctx is cancelled first. Errors opening the initial stream are
// returned synchronously.
func (a *ResumeAdapter) Run(ctx context.Context, req Request) (<-chan Event, error) {
	stream, err := a.provider.CreateStream(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event)
	go a.pump(ctx, stream, ch)
	return ch, nil
}

func (a *ResumeAdapter) pump(ctx context.Context, stream Stream, ch chan<- Event) {
	defer close(ch)

	var (
		responseID string
		lastSeq    int64
		acc        strings.Builder
		resumes    int
	)

	emit := func(ev Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	cur := stream
	defer func() { _ = cur.Close() }()

	for {
		raw, err := cur.Next()
		if err != nil {
			if isDisconnect(err) && responseID != "" && resumes < maxResumes {
				resumes++
				a.logger.Warn("upstream: stream disconnected, resuming",
					"response_id", responseID, "after_seq", lastSeq, "attempt", resumes)
				next, rerr := a.provider.ResumeStream(ctx, responseID, lastSeq)
				if rerr == nil {
					_ = cur.Close()
					cur = next
					if !emit(Event{Kind: EvResumed, ResponseID: responseID, Seq: lastSeq}) {
						return
					}
					continue
				}
				err = fmt.Errorf("resume after disconnect: %w", rerr)
			}

			if errors.Is(err, io.EOF) {
				// Clean end of stream without a terminal event: the
				// streaming transport silently truncated a background
				// job. Fall back to polling if we can target the
				// response; otherwise this is a hard failure.
				if responseID != "" {
					emit(a.poll(ctx, responseID))
					return
				}
				err = errors.New("stream ended before a terminal event")
			}

			emit(Event{Kind: EvFailed, ResponseID: responseID, Err: fmt.Errorf("upstream: %w", err)})
			return
		}

		if raw.Seq > lastSeq {
			lastSeq = raw.Seq
		}
		if raw.ResponseID != "" {
			responseID = raw.ResponseID
		}

		switch raw.Type {
		case "response.created":
			if !emit(Event{Kind: EvCreated, ResponseID: responseID, Seq: raw.Seq}) {
				return
			}

		case "response.output_text.delta":
			acc.WriteString(raw.Delta)
			if !emit(Event{Kind: EvSnapshot, ResponseID: responseID, Seq: raw.Seq, Text: acc.String()}) {
				return
			}

		case "response.completed":
			text := raw.Text
			if text == "" {
				text = acc.String()
			}
			emit(Event{
				Kind:       EvCompleted,
				ResponseID: responseID,
				Seq:        raw.Seq,
				Text:       text,
				Usage:      raw.Usage,
				Status:     StatusCompleted,
			})
			return

		case "response.failed", "response.cancelled", "response.incomplete":
			status := raw.Status
			if status == "" {
				status = strings.TrimPrefix(raw.Type, "response.")
			}
			emit(Event{Kind: EvFailed, ResponseID: responseID, Seq: raw.Seq, Status: status})
			return

		default:
			if !emit(Event{Kind: EvPassthrough, ResponseID: responseID, Seq: raw.Seq, Name: raw.Type, Raw: raw.Raw}) {
				return
			}
		}
	}
}

// poll watches the retrieve endpoint until the response reaches a terminal
// status or the poll budget is exhausted.
func (a *ResumeAdapter) poll(ctx context.Context, responseID string) Event {
	deadline := time.Now().Add(a.pollTimeout)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		snap, err := a.provider.Retrieve(ctx, responseID)
		if err != nil {
			a.logger.Warn("upstream: poll retrieve failed", "response_id", responseID, "error", err)
		} else if TerminalStatus(snap.Status) {
			if snap.Status == StatusCompleted {
				return Event{
					Kind:       EvCompleted,
					ResponseID: responseID,
					Text:       snap.Text,
					Usage:      snap.Usage,
					Status:     StatusCompleted,
					FromPoll:   true,
				}
			}
			return Event{Kind: EvFailed, ResponseID: responseID, Status: snap.Status, FromPoll: true}
		}

		if time.Now().After(deadline) {
			return Event{
				Kind:       EvFailed,
				ResponseID: responseID,
				Err:        fmt.Errorf("upstream: poll timeout after %s", a.pollTimeout),
				FromPoll:   true,
			}
		}

		select {
		case <-ctx.Done():
			return Event{Kind: EvFailed, ResponseID: responseID, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// isDisconnect reports whether err looks like the transport dropped
// mid-stream, as opposed to a clean end or a protocol error.
func isDisconnect(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected EOF")
}
