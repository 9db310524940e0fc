package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/quillworks/quill/internal/coordinator"
	"github.com/quillworks/quill/internal/model"
	"github.com/quillworks/quill/internal/storage"
	"github.com/quillworks/quill/internal/upstream"
)

const (
	genericFailureMessage  = "Something went wrong while generating. Your credits have been refunded."
	unrefundedFailMessage  = "Something went wrong while generating."
	insufficientFundsError = "Not enough credits for this run. Please top up and try again."
)

// incrementalPersistEvery throttles best-effort writes of partial output
// to the job store. Final output is always persisted.
const incrementalPersistEvery = 2 * time.Second

// executor drives one run end-to-end after its process won the lock:
// debit, upstream call, event translation, persistence, refund on
// failure, lock release. It is the only writer for its key.
type executor struct {
	service *Service
	key     model.RunKey
	job     model.JobSnapshot
	token   string
	run     *Run

	// lostLock flips when a refresh discovers the lock was taken over.
	// After that no durable state is written; only local subscribers are
	// told the run failed.
	lostLock atomic.Bool

	// lastOutput is the unix-nano time of the most recent delta,
	// consulted when deciding whether to extend the run deadline.
	lastOutput atomic.Int64

	deductionApplied bool
	refunded         bool
	balance          float64
	sent             strings.Builder
	lastPersist      time.Time
}

func (e *executor) execute() {
	s := e.service
	cfg := s.cfg
	logger := s.logger.With("run", e.key.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timedOut := e.startDeadline(ctx, cancel, cfg.RunTimeout)
	stopRefresh := e.startRefreshLoop(ctx, cancel, logger)
	defer stopRefresh()

	status := e.runPipeline(ctx, logger, timedOut)

	cancel()
	stopRefresh()

	if !e.lostLock.Load() {
		if err := s.coord.ReleaseRunLock(context.Background(), e.key, e.token); err != nil && !errors.Is(err, coordinator.ErrNotHolder) {
			logger.Warn("release run lock", "error", err)
		}
	}

	e.run.settle(status)
	e.run.scheduleCleanup(cfg.CleanupDelay, func() {
		s.registry.Remove(e.key)
	})
}

// runPipeline executes the charged generation flow and returns the
// terminal status.
func (e *executor) runPipeline(ctx context.Context, logger *slog.Logger, timedOut *atomic.Bool) model.RunStatus {
	s := e.service
	cfg := s.cfg

	// Best-effort: the metadata in the shared store is the authoritative
	// liveness signal, not the job row.
	e.persistJobStatus(ctx, model.PipelineRunning)

	e.emit(ctx, model.RunEvent{Type: model.EventStatus, Stage: model.StageStarting})

	cost := cfg.Cost(e.key.Kind)
	balance, err := s.ledger.Deduct(ctx, e.key.UserID, cost)
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientCredits) {
			return e.fail(ctx, logger, insufficientFundsError, err)
		}
		return e.fail(ctx, logger, unrefundedFailMessage, fmt.Errorf("debit credits: %w", err))
	}
	e.deductionApplied = true
	e.balance = balance
	e.setMetadata(ctx, coordinator.MetadataUpdate{
		RemainingCredits: &balance,
		PendingDebit:     &cost,
	})
	e.emit(ctx, model.RunEvent{
		Type:             model.EventStatus,
		Stage:            model.StageCharged,
		RemainingCredits: &balance,
	})

	adapter := upstream.NewResumeAdapter(s.provider, s.logger, cfg.PollInterval, cfg.PollTimeout)
	events, err := adapter.Run(ctx, buildRequest(cfg.Model, e.key.Kind, e.job))
	if err != nil {
		return e.fail(ctx, logger, genericFailureMessage, fmt.Errorf("open upstream stream: %w", err))
	}

	e.emit(ctx, model.RunEvent{Type: model.EventStatus, Stage: model.StageDrafting})

	for ev := range events {
		switch ev.Kind {
		case upstream.EvCreated:
			// Persist the response id immediately so a resume or poll
			// can target it even across a process restart.
			id := ev.ResponseID
			e.setMetadata(ctx, coordinator.MetadataUpdate{ResponseID: &id})

		case upstream.EvSnapshot:
			e.handleSnapshot(ctx, ev.Text)

		case upstream.EvResumed:
			e.emit(ctx, model.RunEvent{Type: model.EventStatus, Stage: model.StageResumed})

		case upstream.EvPassthrough:
			e.emit(ctx, model.RunEvent{Type: model.EventPassthrough, Name: ev.Name, Data: ev.Raw})

		case upstream.EvCompleted:
			return e.complete(ctx, logger, ev)

		case upstream.EvFailed:
			reason := fmt.Errorf("upstream terminal status %q", ev.Status)
			if ev.Err != nil {
				reason = ev.Err
			}
			return e.fail(ctx, logger, genericFailureMessage, reason)
		}
	}

	// Channel closed without a terminal event: the adapter was cancelled
	// by timeout, lost lock, or shutdown.
	reason := errors.New("upstream stream ended without a terminal event")
	if timedOut.Load() {
		reason = fmt.Errorf("run exceeded its %s budget", cfg.RunTimeout)
	}
	if e.lostLock.Load() {
		reason = errors.New("run lock taken over by another process")
	}
	return e.fail(ctx, logger, genericFailureMessage, reason)
}

// handleSnapshot converts a cumulative text snapshot into the delta not
// yet emitted. Shrunken snapshots, which out-of-order delivery can
// produce, emit nothing and never regress the aggregate.
func (e *executor) handleSnapshot(ctx context.Context, snapshot string) {
	already := e.sent.Len()
	if len(snapshot) <= already {
		return
	}
	delta := snapshot[already:]
	e.sent.WriteString(delta)
	e.lastOutput.Store(time.Now().UnixNano())

	e.emit(ctx, model.RunEvent{Type: model.EventDelta, Text: delta})

	if time.Since(e.lastPersist) >= incrementalPersistEvery {
		e.lastPersist = time.Now()
		e.persistContent(ctx, e.sent.String(), nil)
	}
}

// complete persists the final result, settles the metadata and emits the
// terminal complete event. Result persistence is must-succeed; a failure
// here turns the run into an error with refund.
func (e *executor) complete(ctx context.Context, logger *slog.Logger, ev upstream.Event) model.RunStatus {
	final := ev.Text
	if final == "" {
		final = e.sent.String()
	}

	done := model.PipelineCompleted
	if err := e.persistContent(ctx, final, &done); err != nil {
		return e.fail(ctx, logger, genericFailureMessage, fmt.Errorf("persist final result: %w", err))
	}

	completed := model.RunCompleted
	e.setMetadata(ctx, coordinator.MetadataUpdate{
		Status:           &completed,
		NullPendingDebit: true,
		RemainingCredits: &e.balance,
	})

	balance := e.balance
	e.emit(ctx, model.RunEvent{
		Type:             model.EventComplete,
		Content:          final,
		Usage:            ev.Usage,
		RemainingCredits: &balance,
	})
	if ev.FromPoll {
		logger.Info("run completed via poll fallback", "response_id", ev.ResponseID)
	} else {
		logger.Info("run completed", "response_id", ev.ResponseID)
	}
	return model.RunCompleted
}

// fail settles the run as errored. The debit is refunded at most once:
// here when this process still holds the lock and the ledger accepts
// the refund, otherwise by whichever process later settles the
// surviving pending-debit record. The error event stays generic and
// carries the post-refund balance only when the refund landed here.
// Internal detail goes to the log only.
func (e *executor) fail(ctx context.Context, logger *slog.Logger, message string, reason error) model.RunStatus {
	logger.Error("run failed", "error", reason)

	var remaining *float64
	switch {
	case !e.deductionApplied || e.refunded:
		// Nothing to settle.
	case e.lostLock.Load():
		// The durable pending-debit record belongs to whoever holds the
		// lock now. The new leader or the reconciler refunds it from
		// that record; refunding here as well would pay it back twice.
		message = unrefundedFailMessage
	default:
		cost := e.service.cfg.Cost(e.key.Kind)
		balance, err := e.service.ledger.Add(context.Background(), e.key.UserID, cost)
		if err != nil {
			// Keep the pending-debit record so a later sweep can settle
			// the refund.
			logger.Error("refund credits", "amount", cost, "error", err)
			message = unrefundedFailMessage
		} else {
			e.refunded = true
			e.balance = balance
			remaining = &balance
		}
	}

	errored := model.RunErrored
	upd := coordinator.MetadataUpdate{
		Status:           &errored,
		RemainingCredits: remaining,
	}
	if !e.deductionApplied || e.refunded {
		upd.NullPendingDebit = true
	}
	e.setMetadata(ctx, upd)
	e.persistJobStatus(ctx, model.PipelineErrored)
	e.emit(ctx, model.RunEvent{
		Type:             model.EventError,
		Message:          message,
		RemainingCredits: remaining,
	})
	return model.RunErrored
}

// emit appends the event to the durable log, stamping it with its entry
// ID, then broadcasts it to local subscribers. After a lock takeover
// only the local broadcast happens.
func (e *executor) emit(ctx context.Context, ev model.RunEvent) {
	if !e.lostLock.Load() {
		ev.EntryID = e.service.coord.AppendStreamEvent(ctx, e.key, ev, e.service.cfg.RunTTL, e.service.cfg.MaxStreamLength)
	}
	e.run.publish(ev)
}

func (e *executor) setMetadata(ctx context.Context, upd coordinator.MetadataUpdate) {
	if e.lostLock.Load() {
		return
	}
	if err := e.service.coord.SetMetadata(ctx, e.key, upd, e.service.cfg.RunTTL); err != nil {
		e.service.logger.Warn("write run metadata", "run", e.key.String(), "error", err)
	}
}

func (e *executor) persistJobStatus(ctx context.Context, st model.PipelineStatus) {
	patch := model.JobPatch{}
	if e.key.Kind == model.KindCompose {
		patch.LetterStatus = &st
	} else {
		patch.ResearchStatus = &st
	}
	if _, err := e.service.jobs.UpsertActiveJob(ctx, e.key.UserID, patch); err != nil {
		e.service.logger.Warn("persist job status", "run", e.key.String(), "error", err)
	}
}

// persistContent writes generated text, and optionally a pipeline
// status, to the active job. Errors are returned so the completion path
// can treat the final write as must-succeed; incremental callers ignore
// them.
func (e *executor) persistContent(ctx context.Context, content string, st *model.PipelineStatus) error {
	patch := model.JobPatch{}
	if e.key.Kind == model.KindCompose {
		patch.Letter = &content
		patch.LetterStatus = st
	} else {
		patch.Research = &content
		patch.ResearchStatus = st
	}
	_, err := e.service.jobs.UpsertActiveJob(ctx, e.key.UserID, patch)
	if err != nil && st == nil {
		e.service.logger.Warn("persist partial output", "run", e.key.String(), "error", err)
		return nil
	}
	return err
}

// startRefreshLoop keeps the lock alive at a third of its TTL so one
// missed beat from a pause or slow I/O does not forfeit leadership. A
// token mismatch means another process took over; the run is cancelled
// and marked stale so it stops writing shared state.
func (e *executor) startRefreshLoop(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) func() {
	stopped := make(chan struct{})
	var once atomic.Bool
	go func() {
		ticker := time.NewTicker(e.service.cfg.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				return
			case <-ticker.C:
				err := e.service.coord.RefreshRunLock(ctx, e.key, e.token, e.service.cfg.LockTTL)
				if errors.Is(err, coordinator.ErrNotHolder) {
					logger.Error("run lock lost to another process")
					e.lostLock.Store(true)
					cancel()
					return
				}
				if err != nil && ctx.Err() == nil {
					logger.Warn("refresh run lock", "error", err)
				}
				e.service.coord.TouchRun(ctx, e.key, e.service.cfg.RunTTL)
			}
		}
	}()
	return func() {
		if once.CompareAndSwap(false, true) {
			close(stopped)
		}
	}
}

// startDeadline enforces the run budget. The deadline extends once if
// output arrived recently, so a run that is still streaming is not cut
// off mid-letter; a silent one is.
func (e *executor) startDeadline(ctx context.Context, cancel context.CancelFunc, budget time.Duration) *atomic.Bool {
	timedOut := &atomic.Bool{}
	if budget <= 0 {
		return timedOut
	}
	go func() {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		extended := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				last := e.lastOutput.Load()
				recent := last > 0 && time.Since(time.Unix(0, last)) < budget/3
				if recent && !extended {
					extended = true
					timer.Reset(budget)
					continue
				}
				timedOut.Store(true)
				cancel()
				return
			}
		}
	}()
	return timedOut
}

// buildRequest composes the upstream prompt for a pipeline from the
// job's fields.
func buildRequest(modelName string, kind model.RunKind, job model.JobSnapshot) upstream.Request {
	if kind == model.KindCompose {
		return upstream.Request{
			Model: modelName,
			Instructions: fmt.Sprintf(
				"You draft letters to elected representatives. Write in a %s tone. "+
					"Use only the research provided. Keep it under one page.", job.Tone),
			Input: fmt.Sprintf("Recipient: %s\nTopic: %s\n\nResearch:\n%s",
				job.Recipient, job.Topic, job.Research),
		}
	}
	return upstream.Request{
		Model: modelName,
		Instructions: "You research civic issues for constituents writing to their " +
			"representatives. Summarize the relevant facts, figures and recent " +
			"developments, with dates where known.",
		Input: fmt.Sprintf("Topic: %s\nIntended recipient: %s", job.Topic, job.Recipient),
	}
}
