package upstream

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is a single server-sent event: the event name and its data
// payload (multi-line data fields joined with newlines).
type sseEvent struct {
	name string
	data string
}

// sseReader yields events from a text/event-stream body. It handles the
// subset of the EventSource framing the provider emits: "event:" and
// "data:" fields, comment lines, and blank-line dispatch.
type sseReader struct {
	scanner *bufio.Scanner

	name string
	data []string
}

func newSSEReader(r io.Reader) *sseReader {
	sc := bufio.NewScanner(r)
	// Delta payloads can carry large JSON blobs; the default 64K token
	// limit is too small for completed-response events.
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &sseReader{scanner: sc}
}

// next returns the next event, or io.EOF at end of stream. A transport
// failure mid-stream surfaces as the scanner's error.
func (r *sseReader) next() (sseEvent, error) {
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")

		if line == "" {
			if len(r.data) == 0 {
				continue
			}
			ev := sseEvent{name: r.name, data: strings.Join(r.data, "\n")}
			if ev.name == "" {
				ev.name = "message"
			}
			r.name = ""
			r.data = nil
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			r.name = value
		case "data":
			r.data = append(r.data, value)
		}
	}

	if err := r.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	// Dispatch a trailing event that was never terminated by a blank line.
	if len(r.data) > 0 {
		ev := sseEvent{name: r.name, data: strings.Join(r.data, "\n")}
		if ev.name == "" {
			ev.name = "message"
		}
		r.name = ""
		r.data = nil
		return ev, nil
	}
	return sseEvent{}, io.EOF
}
