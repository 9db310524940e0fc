package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillworks/quill/internal/coordinator"
	"github.com/quillworks/quill/internal/model"
	"github.com/quillworks/quill/internal/storage"
	"github.com/quillworks/quill/internal/upstream"
)

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

var (
	// ErrNoActiveJob is returned when the user has no active job to run
	// against.
	ErrNoActiveJob = errors.New("runs: no active job")
	// ErrJobMismatch is returned when the caller's job id does not match
	// the currently active job, which usually means a stale UI tab.
	ErrJobMismatch = errors.New("runs: job id does not match active job")
	// ErrAlreadyRunning is returned for a restart or clear attempt while
	// the run is still executing. Settled runs can be restarted.
	ErrAlreadyRunning = errors.New("runs: run is still in progress")
	// ErrNoRun is returned by resume and subscribe when neither a local
	// handle nor durable state exists for the key.
	ErrNoRun = errors.New("runs: no such run")
	// ErrInvalidJob is returned when the active job is missing a field
	// the requested pipeline needs.
	ErrInvalidJob = errors.New("runs: job is not ready for this pipeline")
)

// JobStore reads and patches the job a run operates on. The run layer
// re-reads before mutating so it never clobbers concurrent edits to
// unrelated fields.
type JobStore interface {
	ActiveJob(ctx context.Context, userID uuid.UUID) (model.JobSnapshot, error)
	UpsertActiveJob(ctx context.Context, userID uuid.UUID, patch model.JobPatch) (model.JobSnapshot, error)
}

// Ledger debits and refunds prepaid credits. Deduct fails with an
// explicit error on insufficient balance; Add is the refund path.
type Ledger interface {
	Deduct(ctx context.Context, userID uuid.UUID, amount float64) (float64, error)
	Add(ctx context.Context, userID uuid.UUID, amount float64) (float64, error)
}

// Config carries the orchestration tunables shared by the service,
// executor and reconciler.
type Config struct {
	LockTTL         time.Duration
	RunTTL          time.Duration
	RunTimeout      time.Duration
	CleanupDelay    time.Duration
	StreamBlock     time.Duration
	PollInterval    time.Duration
	PollTimeout     time.Duration
	MaxStreamLength int64
	Model           string
	ResearchCost    float64
	ComposeCost     float64
}

// Cost returns the credit price of one run of the given kind.
func (c Config) Cost(kind model.RunKind) float64 {
	if kind == model.KindCompose {
		return c.ComposeCost
	}
	return c.ResearchCost
}

// Service implements the run start/attach protocol and subscriber
// delivery on top of the coordinator, the job store and the ledger.
type Service struct {
	registry *Registry
	coord    *coordinator.Coordinator
	jobs     JobStore
	ledger   Ledger
	provider upstream.Provider
	logger   *slog.Logger
	cfg      Config
}

// NewService wires the orchestration service. The provider may be the
// offline stub when no upstream credentials are configured.
func NewService(reg *Registry, coord *coordinator.Coordinator, jobs JobStore, ledger Ledger, provider upstream.Provider, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		registry: reg,
		coord:    coord,
		jobs:     jobs,
		ledger:   ledger,
		provider: provider,
		logger:   logger,
		cfg:      cfg,
	}
}

// BeginOptions controls the start/attach protocol.
type BeginOptions struct {
	// Restart clears a settled run and starts fresh. Rejected while the
	// run is still executing.
	Restart bool
	// CreateIfMissing permits starting a new run. When false the call
	// only attaches to an existing one.
	CreateIfMissing bool
}

// BeginResult reports how a begin call resolved.
type BeginResult struct {
	Key model.RunKey
	// Started is true when this process won the lock and launched the
	// executor. False means the caller should attach as a follower.
	Started bool
	Status  model.RunStatus
}

// Begin resolves the user's active job, then starts or attaches to the
// run for (kind, user, job). It returns as soon as the executor is
// launched; output is observed through Subscribe.
func (s *Service) Begin(ctx context.Context, userID, jobID uuid.UUID, kind model.RunKind, opts BeginOptions) (BeginResult, error) {
	job, err := s.jobs.ActiveJob(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return BeginResult{}, ErrNoActiveJob
		}
		return BeginResult{}, fmt.Errorf("runs: resolve active job: %w", err)
	}
	if job.ID != jobID {
		return BeginResult{}, ErrJobMismatch
	}
	if err := validateJob(kind, job); err != nil {
		return BeginResult{}, err
	}

	key := model.RunKey{Kind: kind, UserID: userID, JobID: job.ID}

	if existing := s.registry.Get(key); existing != nil {
		if opts.Restart {
			if !existing.Status().Terminal() {
				return BeginResult{}, ErrAlreadyRunning
			}
			// Drop only the local handle. The durable state may already
			// belong to a new leader in another process; prepareRunState
			// clears it under the lock once we actually win it.
			s.registry.Remove(key)
		} else {
			return BeginResult{Key: key, Started: false, Status: existing.Status()}, nil
		}
	}

	if meta, found, err := s.coord.GetMetadata(ctx, key); err != nil {
		return BeginResult{}, err
	} else if found {
		if !opts.Restart {
			// Durable state from another process (or an earlier settled
			// run). Attach instead of re-triggering.
			return BeginResult{Key: key, Started: false, Status: meta.Status}, nil
		}
		if meta.Status == model.RunRunning {
			held, err := s.coord.LockHeld(ctx, key)
			if err != nil {
				return BeginResult{}, err
			}
			if held {
				return BeginResult{}, ErrAlreadyRunning
			}
			// Stale leader. Fall through; the leftover state, including
			// any pending debit, is settled before the fresh start.
		}
	} else if !opts.CreateIfMissing && !opts.Restart {
		// Resume only attaches; it never starts a run.
		return BeginResult{}, ErrNoRun
	}

	// Reserve the local handle before the distributed acquire so two
	// concurrent begins in this process dedupe on the registry.
	run, created := s.registry.insert(newRun(key))
	if !created {
		return BeginResult{Key: key, Started: false, Status: run.Status()}, nil
	}

	token, err := s.coord.AcquireRunLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		s.registry.Remove(key)
		return BeginResult{}, err
	}
	if token == "" {
		// Another process is leader. Drop the placeholder; subscribers
		// follow the durable log instead.
		s.registry.Remove(key)
		status := model.RunRunning
		if meta, found, err := s.coord.GetMetadata(ctx, key); err == nil && found {
			status = meta.Status
		}
		return BeginResult{Key: key, Started: false, Status: status}, nil
	}

	if err := s.prepareRunState(ctx, key); err != nil {
		s.registry.Remove(key)
		if relErr := s.coord.ReleaseRunLock(ctx, key, token); relErr != nil && !errors.Is(relErr, coordinator.ErrNotHolder) {
			s.logger.Warn("release lock after failed start", "run", key.String(), "error", relErr)
		}
		return BeginResult{}, err
	}

	exec := &executor{
		service: s,
		key:     key,
		job:     job,
		token:   token,
		run:     run,
	}
	go exec.execute()

	return BeginResult{Key: key, Started: true, Status: model.RunRunning}, nil
}

// prepareRunState settles leftovers from a previous holder of this key
// and writes fresh running metadata. A pending debit left behind by a
// crashed leader is refunded here, before its record is cleared.
func (s *Service) prepareRunState(ctx context.Context, key model.RunKey) error {
	meta, found, err := s.coord.GetMetadata(ctx, key)
	if err != nil {
		return err
	}
	if found {
		if meta.PendingDebit != nil && *meta.PendingDebit > 0 {
			if _, err := s.ledger.Add(ctx, key.UserID, *meta.PendingDebit); err != nil {
				return fmt.Errorf("runs: refund orphaned debit: %w", err)
			}
			s.logger.Warn("refunded debit orphaned by previous leader",
				"run", key.String(), "amount", *meta.PendingDebit)
		}
		if err := s.coord.ClearRun(ctx, key); err != nil {
			return fmt.Errorf("runs: clear stale run state: %w", err)
		}
	}

	status := model.RunRunning
	return s.coord.SetMetadata(ctx, key, coordinator.MetadataUpdate{Status: &status}, s.cfg.RunTTL)
}

// Subscribe delivers the run's events in log order on the returned
// channel, which is closed after a terminal event (or when ctx ends).
// A subscriber attaching after completion gets the full replay.
func (s *Service) Subscribe(ctx context.Context, key model.RunKey) (<-chan model.RunEvent, error) {
	local := s.registry.Get(key)
	meta, found, err := s.coord.GetMetadata(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found && local == nil {
		return nil, ErrNoRun
	}

	out := make(chan model.RunEvent, 32)
	switch {
	case found && meta.Status.Terminal():
		go s.replayAll(ctx, key, out)
	case local != nil:
		go s.followLocal(ctx, key, local, out)
	default:
		go s.followDurable(ctx, key, out)
	}
	return out, nil
}

// replayAll streams the full durable log and closes.
func (s *Service) replayAll(ctx context.Context, key model.RunKey, out chan<- model.RunEvent) {
	defer close(out)
	entries, err := s.coord.StreamEntries(ctx, key)
	if err != nil {
		s.logger.Error("replay run log", "run", key.String(), "error", err)
		return
	}
	for _, e := range entries {
		ev := e.Event
		ev.EntryID = e.ID
		if !send(ctx, out, ev) {
			return
		}
	}
}

// followLocal serves a subscriber in the leader process: replay the
// durable log, then ride the in-memory subject. Events carry their
// durable entry IDs so the two sources stitch without duplication.
func (s *Service) followLocal(ctx context.Context, key model.RunKey, run *Run, out chan<- model.RunEvent) {
	defer close(out)

	subID, live := run.subscribe()
	defer run.unsubscribe(subID)

	entries, err := s.coord.StreamEntries(ctx, key)
	if err != nil {
		s.logger.Error("replay run log", "run", key.String(), "error", err)
		return
	}
	var lastID string
	for _, e := range entries {
		ev := e.Event
		ev.EntryID = e.ID
		if !send(ctx, out, ev) {
			return
		}
		lastID = e.ID
		if ev.Terminal() {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				// Subject closed without a terminal event reaching us,
				// either through settle or a dropped slow subscriber.
				// The durable log has whatever we missed.
				s.drainDurableTail(ctx, key, lastID, out)
				return
			}
			// Skip events already covered by the replay. Events that
			// never reached the durable log have no entry ID and are
			// always forwarded.
			if ev.EntryID != "" && !entryAfter(ev.EntryID, lastID) {
				continue
			}
			if ev.EntryID != "" {
				lastID = ev.EntryID
			}
			if !send(ctx, out, ev) {
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}

// drainDurableTail forwards any durable entries past lastID, for a local
// subscriber whose live channel closed early.
func (s *Service) drainDurableTail(ctx context.Context, key model.RunKey, lastID string, out chan<- model.RunEvent) {
	entries, err := s.coord.StreamEntries(ctx, key)
	if err != nil {
		return
	}
	for _, e := range entries {
		if lastID != "" && !entryAfter(e.ID, lastID) {
			continue
		}
		ev := e.Event
		ev.EntryID = e.ID
		if !send(ctx, out, ev) {
			return
		}
		if ev.Terminal() {
			return
		}
	}
}

// followDurable serves a subscriber in a non-leader process: replay,
// then blocking tail reads until a terminal event. If the log goes
// quiet it re-checks metadata, so a leader that died without writing a
// terminal event does not strand followers forever.
func (s *Service) followDurable(ctx context.Context, key model.RunKey, out chan<- model.RunEvent) {
	defer close(out)

	entries, err := s.coord.StreamEntries(ctx, key)
	if err != nil {
		s.logger.Error("replay run log", "run", key.String(), "error", err)
		return
	}
	var lastID string
	for _, e := range entries {
		ev := e.Event
		ev.EntryID = e.ID
		if !send(ctx, out, ev) {
			return
		}
		lastID = e.ID
		if ev.Terminal() {
			return
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := s.coord.ReadStreamFrom(ctx, key, lastID, s.cfg.StreamBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("tail run log", "run", key.String(), "error", err)
			return
		}
		for _, e := range batch {
			ev := e.Event
			ev.EntryID = e.ID
			if !send(ctx, out, ev) {
				return
			}
			lastID = e.ID
			if ev.Terminal() {
				return
			}
		}
		if len(batch) == 0 {
			meta, found, err := s.coord.GetMetadata(ctx, key)
			if err != nil {
				continue
			}
			if !found {
				// Run was cleared under us.
				return
			}
			if meta.Status.Terminal() {
				// The leader settled but its terminal append never made
				// the log. Synthesize one from metadata.
				send(ctx, out, terminalFromMetadata(meta))
				return
			}
		}
	}
}

// terminalFromMetadata builds a terminal event for followers when the
// durable log is missing one.
func terminalFromMetadata(meta model.RunMetadata) model.RunEvent {
	if meta.Status == model.RunCompleted {
		return model.RunEvent{Type: model.EventComplete, RemainingCredits: meta.RemainingCredits}
	}
	return model.RunEvent{
		Type:             model.EventError,
		Message:          genericFailureMessage,
		RemainingCredits: meta.RemainingCredits,
	}
}

// Clear removes a settled run's durable state and local handle so the
// caller can force a fresh start. Rejected while the run is live.
func (s *Service) Clear(ctx context.Context, userID, jobID uuid.UUID, kind model.RunKind) error {
	key := model.RunKey{Kind: kind, UserID: userID, JobID: jobID}

	if local := s.registry.Get(key); local != nil && !local.Status().Terminal() {
		return ErrAlreadyRunning
	}
	held, err := s.coord.LockHeld(ctx, key)
	if err != nil {
		return err
	}
	if held {
		return ErrAlreadyRunning
	}

	s.registry.Remove(key)
	return s.coord.ClearRun(ctx, key)
}

// Status reports the run's current status from local state or metadata.
func (s *Service) Status(ctx context.Context, key model.RunKey) (model.RunStatus, error) {
	if local := s.registry.Get(key); local != nil {
		return local.Status(), nil
	}
	meta, found, err := s.coord.GetMetadata(ctx, key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNoRun
	}
	return meta.Status, nil
}

func validateJob(kind model.RunKind, job model.JobSnapshot) error {
	switch kind {
	case model.KindResearch:
		if strings.TrimSpace(job.Topic) == "" {
			return fmt.Errorf("%w: research needs a topic", ErrInvalidJob)
		}
	case model.KindCompose:
		if strings.TrimSpace(job.Research) == "" {
			return fmt.Errorf("%w: compose needs completed research", ErrInvalidJob)
		}
		if err := model.ValidateTone(job.Tone); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
	}
	return nil
}

func send(ctx context.Context, out chan<- model.RunEvent, ev model.RunEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// entryAfter reports whether stream entry id a was appended after b.
// IDs are "<ms>-<seq>" pairs; lexicographic comparison is wrong once the
// millisecond part changes width.
func entryAfter(a, b string) bool {
	if b == "" {
		return true
	}
	ams, aseq, aok := splitStreamID(a)
	bms, bseq, bok := splitStreamID(b)
	if !aok || !bok {
		return a > b
	}
	if ams != bms {
		return ams > bms
	}
	return aseq > bseq
}

func splitStreamID(id string) (ms, seq uint64, ok bool) {
	dash := strings.IndexByte(id, '-')
	if dash < 0 {
		return 0, 0, false
	}
	ms, err := strconv.ParseUint(id[:dash], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseUint(id[dash+1:], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}
