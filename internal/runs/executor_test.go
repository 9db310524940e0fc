package runs

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/quill/internal/coordinator"
	"github.com/quillworks/quill/internal/model"
	"github.com/quillworks/quill/internal/upstream"
)

// scriptProvider plays back a fixed sequence of raw events, then either
// ends the stream or holds it open until the caller's context ends.
type scriptProvider struct {
	events []upstream.RawEvent
	hold   bool
}

func newScriptProvider(events ...upstream.RawEvent) *scriptProvider {
	return &scriptProvider{events: events}
}

func newHoldingProvider(events ...upstream.RawEvent) *scriptProvider {
	return &scriptProvider{events: events, hold: true}
}

func (p *scriptProvider) CreateStream(ctx context.Context, _ upstream.Request) (upstream.Stream, error) {
	return &scriptStream{ctx: ctx, events: p.events, hold: p.hold}, nil
}

func (p *scriptProvider) ResumeStream(context.Context, string, int64) (upstream.Stream, error) {
	return nil, errors.New("script provider cannot resume")
}

func (p *scriptProvider) Retrieve(context.Context, string) (upstream.Snapshot, error) {
	return upstream.Snapshot{}, errors.New("script provider cannot retrieve")
}

type scriptStream struct {
	ctx    context.Context
	events []upstream.RawEvent
	pos    int
	hold   bool
}

func (s *scriptStream) Next() (upstream.RawEvent, error) {
	if s.pos < len(s.events) {
		ev := s.events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.hold {
		<-s.ctx.Done()
		return upstream.RawEvent{}, errors.New("stream aborted")
	}
	return upstream.RawEvent{}, io.EOF
}

func (s *scriptStream) Close() error { return nil }

func holdForever() *scriptProvider {
	return newHoldingProvider(
		upstream.RawEvent{Type: "response.created", Seq: 1, ResponseID: "resp_hold"},
	)
}

func TestRunCompletesWithStub(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(5)
	userID := uuid.New()
	store.setJob(researchJob(userID))
	svc := newTestService(t, store, upstream.NewStub(), testConfig())
	jobID := store.snapshot().ID

	res, err := svc.Begin(ctx, userID, jobID, model.KindResearch, BeginOptions{CreateIfMissing: true})
	require.NoError(t, err)
	require.True(t, res.Started)

	sub, err := svc.Subscribe(ctx, res.Key)
	require.NoError(t, err)
	events := collectEvents(t, sub, 15*time.Second)

	require.NotEmpty(t, events)
	assert.Equal(t, model.EventStatus, events[0].Type)
	assert.Equal(t, model.StageStarting, events[0].Stage)

	var sawCharged, sawDelta bool
	for _, ev := range events {
		if ev.Type == model.EventStatus && ev.Stage == model.StageCharged {
			sawCharged = true
			require.NotNil(t, ev.RemainingCredits)
			assert.InDelta(t, 4.5, *ev.RemainingCredits, 1e-9)
		}
		if ev.Type == model.EventDelta {
			sawDelta = true
		}
	}
	assert.True(t, sawCharged)
	assert.True(t, sawDelta)

	last := events[len(events)-1]
	require.Equal(t, model.EventComplete, last.Type)
	assert.NotEmpty(t, last.Content)
	require.NotNil(t, last.RemainingCredits)
	assert.InDelta(t, 4.5, *last.RemainingCredits, 1e-9)

	balance, deducts, refunds := store.stats()
	assert.InDelta(t, 4.5, balance, 1e-9)
	assert.Equal(t, 1, deducts)
	assert.Equal(t, 0, refunds, "completed runs never refund")

	job := store.snapshot()
	assert.Equal(t, last.Content, job.Research)
	assert.Equal(t, model.PipelineCompleted, job.ResearchStatus)

	meta, found, err := svc.coord.GetMetadata(ctx, res.Key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.RunCompleted, meta.Status)
	assert.Nil(t, meta.PendingDebit, "debit settled on completion")
}

func TestFailedRunRefundsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(1.0)
	userID := uuid.New()
	store.setJob(composeJob(userID))
	provider := newScriptProvider(
		upstream.RawEvent{Type: "response.created", Seq: 1, ResponseID: "resp_fail"},
		upstream.RawEvent{Type: "response.failed", Seq: 2, Status: upstream.StatusFailed},
	)
	svc := newTestService(t, store, provider, testConfig())
	jobID := store.snapshot().ID

	res, err := svc.Begin(ctx, userID, jobID, model.KindCompose, BeginOptions{CreateIfMissing: true})
	require.NoError(t, err)

	sub, err := svc.Subscribe(ctx, res.Key)
	require.NoError(t, err)
	events := collectEvents(t, sub, 10*time.Second)

	last := events[len(events)-1]
	require.Equal(t, model.EventError, last.Type)
	assert.NotEmpty(t, last.Message)
	require.NotNil(t, last.RemainingCredits)
	assert.InDelta(t, 1.0, *last.RemainingCredits, 1e-9, "balance restored after refund")

	balance, deducts, refunds := store.stats()
	assert.InDelta(t, 1.0, balance, 1e-9)
	assert.Equal(t, 1, deducts)
	assert.Equal(t, 1, refunds, "exactly one refund")

	meta, found, err := svc.coord.GetMetadata(ctx, res.Key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.RunErrored, meta.Status)
	assert.Nil(t, meta.PendingDebit)
}

func TestInsufficientCreditsNoRefund(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(0.1)
	userID := uuid.New()
	store.setJob(researchJob(userID))
	svc := newTestService(t, store, upstream.NewStub(), testConfig())
	jobID := store.snapshot().ID

	res, err := svc.Begin(ctx, userID, jobID, model.KindResearch, BeginOptions{CreateIfMissing: true})
	require.NoError(t, err)

	sub, err := svc.Subscribe(ctx, res.Key)
	require.NoError(t, err)
	events := collectEvents(t, sub, 10*time.Second)

	last := events[len(events)-1]
	require.Equal(t, model.EventError, last.Type)
	assert.Contains(t, last.Message, "credits")

	balance, deducts, refunds := store.stats()
	assert.InDelta(t, 0.1, balance, 1e-9, "no charge when funds are short")
	assert.Equal(t, 0, deducts)
	assert.Equal(t, 0, refunds)
}

func TestTwoProcessRaceSingleLeader(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(5)
	userID := uuid.New()
	store.setJob(researchJob(userID))
	cfg := testConfig()

	// Two services sharing Redis and the store, as two processes would.
	svcA := newTestService(t, store, upstream.NewStub(), cfg)
	svcB := newTestService(t, store, upstream.NewStub(), cfg)
	jobID := store.snapshot().ID

	type outcome struct {
		res BeginResult
		err error
	}
	results := make(chan outcome, 2)
	for _, svc := range []*Service{svcA, svcB} {
		go func(s *Service) {
			res, err := s.Begin(ctx, userID, jobID, model.KindResearch, BeginOptions{CreateIfMissing: true})
			results <- outcome{res, err}
		}(svc)
	}

	var started int
	var key model.RunKey
	for range 2 {
		o := <-results
		require.NoError(t, o.err)
		if o.res.Started {
			started++
			key = o.res.Key
		} else {
			key = o.res.Key
		}
	}
	assert.Equal(t, 1, started, "exactly one process becomes leader")

	// The non-leader observes the leader's run through the durable log.
	sub, err := svcB.Subscribe(ctx, key)
	require.NoError(t, err)
	events := collectEvents(t, sub, 15*time.Second)
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventComplete, events[len(events)-1].Type)

	_, deducts, refunds := store.stats()
	assert.Equal(t, 1, deducts, "the run executed once")
	assert.Equal(t, 0, refunds)
}

func TestLateSubscriberSeesSameEvents(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(5)
	userID := uuid.New()
	store.setJob(researchJob(userID))
	svc := newTestService(t, store, upstream.NewStub(), testConfig())
	jobID := store.snapshot().ID

	res, err := svc.Begin(ctx, userID, jobID, model.KindResearch, BeginOptions{CreateIfMissing: true})
	require.NoError(t, err)

	liveCh, err := svc.Subscribe(ctx, res.Key)
	require.NoError(t, err)
	live := collectEvents(t, liveCh, 15*time.Second)

	lateCh, err := svc.Subscribe(ctx, res.Key)
	require.NoError(t, err)
	late := collectEvents(t, lateCh, 10*time.Second)

	require.Equal(t, len(live), len(late), "replay has no duplicate or missing events")
	for i := range live {
		assert.Equal(t, live[i].Type, late[i].Type, "event %d", i)
		assert.Equal(t, live[i].Stage, late[i].Stage, "event %d", i)
		assert.Equal(t, live[i].Text, late[i].Text, "event %d", i)
		assert.Equal(t, live[i].Content, late[i].Content, "event %d", i)
	}
}

func TestSnapshotShrinkageNeverRegresses(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(5)
	userID := uuid.New()
	store.setJob(researchJob(userID))
	svc := newTestService(t, store, upstream.NewStub(), testConfig())

	key := model.RunKey{Kind: model.KindResearch, UserID: userID, JobID: store.snapshot().ID}
	run := newRun(key)
	e := &executor{service: svc, key: key, job: store.snapshot(), run: run}

	_, sub := run.subscribe()

	e.handleSnapshot(ctx, "Dear Council")
	e.handleSnapshot(ctx, "Dear") // shorter snapshot, out-of-order delivery
	e.handleSnapshot(ctx, "Dear Council, please act.")

	assert.Equal(t, "Dear Council, please act.", e.sent.String(), "aggregate never regresses")

	var deltas []string
	for len(sub) > 0 {
		ev := <-sub
		if ev.Type == model.EventDelta {
			deltas = append(deltas, ev.Text)
		}
	}
	assert.Equal(t, []string{"Dear Council", ", please act."}, deltas,
		"shrunken snapshot emits nothing and no text repeats")
}

func TestLockTakeoverDefersRefundToSweep(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(5)
	userID := uuid.New()
	store.setJob(researchJob(userID))
	svc := newTestService(t, store, holdForever(), testConfig())
	jobID := store.snapshot().ID

	res, err := svc.Begin(ctx, userID, jobID, model.KindResearch, BeginOptions{CreateIfMissing: true})
	require.NoError(t, err)
	require.True(t, res.Started)

	sub, err := svc.Subscribe(ctx, res.Key)
	require.NoError(t, err)

	// Simulate a takeover after lock expiry: the stored token vanishes
	// out from under the running leader.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, testRedis.Del(ctx, "quill:run:"+res.Key.String()+":lock").Err())

	events := collectEvents(t, sub, 10*time.Second)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, model.EventError, last.Type)
	assert.Equal(t, unrefundedFailMessage, last.Message)
	assert.Nil(t, last.RemainingCredits)

	// The displaced leader must not refund locally: the durable
	// pending-debit record is the single refund source once the lock is
	// gone, otherwise the sweep would refund the same debit again.
	balance, deducts, refunds := store.stats()
	assert.Equal(t, 1, deducts)
	assert.Equal(t, 0, refunds, "displaced leader leaves the debit to the sweep")
	assert.InDelta(t, 4.5, balance, 1e-9)

	meta, found, err := svc.coord.GetMetadata(ctx, res.Key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.RunRunning, meta.Status)
	require.NotNil(t, meta.PendingDebit)
	assert.InDelta(t, 0.5, *meta.PendingDebit, 1e-9)

	// One sweep settles the debit; a second pass finds nothing left.
	cfg := testConfig()
	cfg.LockTTL = 100 * time.Millisecond
	rec := NewReconciler(svc.coord, store, testLogger(), time.Hour, cfg)

	ok, err := rec.reconcile(ctx, res.Key)
	require.NoError(t, err)
	assert.True(t, ok)
	balance, _, refunds = store.stats()
	assert.Equal(t, 1, refunds)
	assert.InDelta(t, 5.0, balance, 1e-9)

	ok, err = rec.reconcile(ctx, res.Key)
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, refunds = store.stats()
	assert.Equal(t, 1, refunds, "settled debit must not be refunded again")
}

// outageLedger fails a fixed number of Add calls before recovering.
type outageLedger struct {
	*memStore
	failures atomic.Int32
}

func (o *outageLedger) Add(ctx context.Context, userID uuid.UUID, amount float64) (float64, error) {
	if o.failures.Add(-1) >= 0 {
		return 0, errors.New("ledger unavailable")
	}
	return o.memStore.Add(ctx, userID, amount)
}

func TestFailedRefundKeepsDebitForSweep(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(5)
	ledger := &outageLedger{memStore: store}
	ledger.failures.Store(1)
	userID := uuid.New()
	store.setJob(researchJob(userID))

	reg := NewRegistry()
	t.Cleanup(reg.Shutdown)
	coord := coordinator.New(testRedis, testLogger())
	provider := newScriptProvider(
		upstream.RawEvent{Type: "response.created", Seq: 1, ResponseID: "resp_outage"},
		upstream.RawEvent{Type: "response.failed", Seq: 2, ResponseID: "resp_outage"},
	)
	svc := NewService(reg, coord, store, ledger, provider, testLogger(), testConfig())
	jobID := store.snapshot().ID

	res, err := svc.Begin(ctx, userID, jobID, model.KindResearch, BeginOptions{CreateIfMissing: true})
	require.NoError(t, err)
	require.True(t, res.Started)

	sub, err := svc.Subscribe(ctx, res.Key)
	require.NoError(t, err)
	events := collectEvents(t, sub, 10*time.Second)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, model.EventError, last.Type)
	assert.Equal(t, unrefundedFailMessage, last.Message, "must not promise a refund that did not land")
	assert.Nil(t, last.RemainingCredits)

	// The deduct stuck and the refund attempt failed: the pending-debit
	// record must survive the errored run so a sweep can settle it.
	balance, deducts, refunds := store.stats()
	assert.Equal(t, 1, deducts)
	assert.Equal(t, 0, refunds)
	assert.InDelta(t, 4.5, balance, 1e-9)

	meta, found, err := coord.GetMetadata(ctx, res.Key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.RunErrored, meta.Status)
	require.NotNil(t, meta.PendingDebit)
	assert.InDelta(t, 0.5, *meta.PendingDebit, 1e-9)

	waitSettled(t, svc, res.Key, 5*time.Second)
	entriesBefore, err := coord.StreamEntries(ctx, res.Key)
	require.NoError(t, err)

	rec := NewReconciler(coord, ledger, testLogger(), time.Hour, testConfig())
	ok, err := rec.reconcile(ctx, res.Key)
	require.NoError(t, err)
	assert.True(t, ok)

	balance, _, refunds = store.stats()
	assert.Equal(t, 1, refunds)
	assert.InDelta(t, 5.0, balance, 1e-9)

	meta, found, err = coord.GetMetadata(ctx, res.Key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.RunErrored, meta.Status)
	assert.Nil(t, meta.PendingDebit)

	// The errored run already carries its terminal event; settling the
	// debit must not append a second one.
	entriesAfter, err := coord.StreamEntries(ctx, res.Key)
	require.NoError(t, err)
	assert.Len(t, entriesAfter, len(entriesBefore))
}

func TestDeadlineExtendsOnceForActiveOutput(t *testing.T) {
	e := &executor{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.lastOutput.Store(time.Now().UnixNano())
			}
		}
	}()

	start := time.Now()
	timedOut := e.startDeadline(ctx, cancel, 80*time.Millisecond)

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never fired")
	}
	elapsed := time.Since(start)
	assert.True(t, timedOut.Load())
	assert.GreaterOrEqual(t, elapsed, 130*time.Millisecond, "one extension was granted")
	assert.Less(t, elapsed, 400*time.Millisecond, "but only one")
}

func TestDeadlineFiresWhenSilent(t *testing.T) {
	e := &executor{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timedOut := e.startDeadline(ctx, cancel, 50*time.Millisecond)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("deadline never fired")
	}
	assert.True(t, timedOut.Load())
}
