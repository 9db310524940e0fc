// Package runs orchestrates metered generation runs: per-process run
// handles with local fan-out, the start/attach protocol over the
// distributed lock, the executor state machine that drives one run
// end-to-end, and the recovery sweep for debits orphaned by crashes.
package runs

import (
	"sync"
	"time"

	"github.com/quillworks/quill/internal/model"
)

// subscriberBuffer bounds how far a local subscriber may fall behind the
// executor before events start being dropped for it. Dropped subscribers
// can always recover the full history from the durable log.
const subscriberBuffer = 256

// Run is the in-process handle for one active or recently settled run.
// It carries the local lifecycle status and a broadcast subject for
// subscribers attached in the leader process. The durable log, not this
// handle, is the authoritative record.
type Run struct {
	Key model.RunKey

	mu      sync.Mutex
	status  model.RunStatus
	subs    map[uint64]chan model.RunEvent
	nextSub uint64
	done    chan struct{}
	cleanup *time.Timer
}

func newRun(key model.RunKey) *Run {
	return &Run{
		Key:    key,
		status: model.RunRunning,
		subs:   make(map[uint64]chan model.RunEvent),
		done:   make(chan struct{}),
	}
}

// Status returns the local lifecycle status.
func (r *Run) Status() model.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Done is closed when the run settles locally.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// subscribe attaches a buffered channel to the broadcast subject. The
// channel is closed on unsubscribe or when the run settles and the
// executor finishes publishing.
func (r *Run) subscribe() (uint64, <-chan model.RunEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan model.RunEvent, subscriberBuffer)
	r.subs[id] = ch
	return id, ch
}

func (r *Run) unsubscribe(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subs[id]; ok {
		delete(r.subs, id)
		close(ch)
	}
}

// publish delivers an event to every attached subscriber. A subscriber
// whose buffer is full is detached rather than allowed to stall the
// executor; it can replay the durable log to catch up.
func (r *Run) publish(ev model.RunEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			delete(r.subs, id)
			close(ch)
		}
	}
}

// settle records the terminal status, closes remaining subscriber
// channels, and signals Done.
func (r *Run) settle(status model.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = status
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	close(r.done)
}

// scheduleCleanup arms a delayed callback, replacing any pending one.
// The delay lets a client racing the completion still attach to the
// settled handle before it leaves the registry.
func (r *Run) scheduleCleanup(d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cleanup != nil {
		r.cleanup.Stop()
	}
	r.cleanup = time.AfterFunc(d, fn)
}

func (r *Run) cancelCleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cleanup != nil {
		r.cleanup.Stop()
		r.cleanup = nil
	}
}

// Registry maps run keys to live handles within one process. It
// deduplicates concurrent start requests locally; cross-process
// exclusion is the distributed lock's job.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Run
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Run)}
}

// Get returns the handle for key, or nil.
func (reg *Registry) Get(key model.RunKey) *Run {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.runs[key.String()]
}

// insert stores a freshly allocated handle for key. Returns false if a
// handle already exists, in which case the existing one is returned.
func (reg *Registry) insert(run *Run) (*Run, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if existing, ok := reg.runs[run.Key.String()]; ok {
		return existing, false
	}
	reg.runs[run.Key.String()] = run
	return run, true
}

// Remove drops the handle for key and cancels its pending cleanup.
func (reg *Registry) Remove(key model.RunKey) {
	reg.mu.Lock()
	run := reg.runs[key.String()]
	delete(reg.runs, key.String())
	reg.mu.Unlock()
	if run != nil {
		run.cancelCleanup()
	}
}

// Shutdown cancels all pending cleanups. Used by tests and graceful stop
// so no timer fires after its registry is discarded.
func (reg *Registry) Shutdown() {
	reg.mu.Lock()
	runs := make([]*Run, 0, len(reg.runs))
	for _, r := range reg.runs {
		runs = append(runs, r)
	}
	reg.mu.Unlock()
	for _, r := range runs {
		r.cancelCleanup()
	}
}
