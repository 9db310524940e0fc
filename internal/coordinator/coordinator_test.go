package coordinator_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/quill/internal/coordinator"
	"github.com/quillworks/quill/internal/model"
	"github.com/quillworks/quill/internal/testutil"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	tc := testutil.MustStartRedis()
	defer tc.Terminate()

	testRedis = redis.NewClient(&redis.Options{Addr: tc.Addr})
	if err := testRedis.Ping(context.Background()).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping redis: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = testRedis.Close()
	os.Exit(code)
}

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return coordinator.New(testRedis, logger)
}

func newRunKey(kind model.RunKind) model.RunKey {
	return model.RunKey{Kind: kind, UserID: uuid.New(), JobID: uuid.New()}
}

func TestLockAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	key := newRunKey(model.KindResearch)

	token, err := c.AcquireRunLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	second, err := c.AcquireRunLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second, "second acquire must lose")
}

func TestLockConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	key := newRunKey(model.KindCompose)

	const attempts = 20
	tokens := make(chan string, attempts)
	var wg sync.WaitGroup
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := c.AcquireRunLock(ctx, key, time.Minute)
			require.NoError(t, err)
			tokens <- token
		}()
	}
	wg.Wait()
	close(tokens)

	winners := 0
	for token := range tokens {
		if token != "" {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent acquire must win")
}

func TestLockStaleReleaseIsNoop(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	key := newRunKey(model.KindResearch)

	token, err := c.AcquireRunLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// A stale token must not disturb the legitimate holder.
	require.NoError(t, c.ReleaseRunLock(ctx, key, "stale-token"))

	held, err := c.LockHeld(ctx, key)
	require.NoError(t, err)
	assert.True(t, held, "legitimate lock must survive a stale release")

	require.NoError(t, c.ReleaseRunLock(ctx, key, token))
	held, err = c.LockHeld(ctx, key)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestLockRefreshDetectsTakeover(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	key := newRunKey(model.KindCompose)

	token, err := c.AcquireRunLock(ctx, key, 200*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, c.RefreshRunLock(ctx, key, token, time.Minute))

	// Simulate expiry + takeover by another process.
	require.NoError(t, c.ReleaseRunLock(ctx, key, token))
	takeover, err := c.AcquireRunLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, takeover)

	err = c.RefreshRunLock(ctx, key, token, time.Minute)
	assert.ErrorIs(t, err, coordinator.ErrNotHolder)

	// The takeover lock is untouched by the failed refresh.
	held, err := c.LockHeld(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestAppendAndReplayPreservesOrder(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	key := newRunKey(model.KindResearch)

	var ids []string
	for i := range 5 {
		id := c.AppendStreamEvent(ctx, key, model.RunEvent{
			Type: model.EventDelta,
			Text: fmt.Sprintf("chunk-%d", i),
		}, time.Minute, 100)
		require.NotEmpty(t, id)
		ids = append(ids, id)
	}

	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i], "entry ids must be strictly increasing")
	}

	entries, err := c.StreamEntries(ctx, key)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, ids[i], e.ID)
		assert.Equal(t, fmt.Sprintf("chunk-%d", i), e.Event.Text)
		assert.Equal(t, ids[i], e.Event.EntryID)
	}
}

func TestReadStreamFromTailsNewEntries(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	key := newRunKey(model.KindCompose)

	first := c.AppendStreamEvent(ctx, key, model.RunEvent{Type: model.EventStatus, Stage: model.StageStarting}, time.Minute, 100)
	require.NotEmpty(t, first)

	// From the beginning: sees the existing entry.
	entries, err := c.ReadStreamFrom(ctx, key, "", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// From the cursor: nothing yet, then the new entry once appended.
	done := make(chan []coordinator.Entry, 1)
	go func() {
		got, err := c.ReadStreamFrom(ctx, key, first, 2*time.Second)
		require.NoError(t, err)
		done <- got
	}()

	time.Sleep(50 * time.Millisecond)
	second := c.AppendStreamEvent(ctx, key, model.RunEvent{Type: model.EventDelta, Text: "more"}, time.Minute, 100)
	require.NotEmpty(t, second)

	got := <-done
	require.Len(t, got, 1)
	assert.Equal(t, second, got[0].ID)
	assert.Equal(t, "more", got[0].Event.Text)
}

func TestReadStreamFromTimeoutReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	key := newRunKey(model.KindResearch)

	entries, err := c.ReadStreamFrom(ctx, key, "$", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReplaySkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	key := newRunKey(model.KindResearch)

	c.AppendStreamEvent(ctx, key, model.RunEvent{Type: model.EventDelta, Text: "good-1"}, time.Minute, 100)

	// Inject a corrupt entry directly, bypassing the coordinator.
	logKey := fmt.Sprintf("quill:run:%s:log", key)
	require.NoError(t, testRedis.XAdd(ctx, &redis.XAddArgs{
		Stream: logKey,
		Values: map[string]any{"payload": "{not json"},
	}).Err())

	c.AppendStreamEvent(ctx, key, model.RunEvent{Type: model.EventDelta, Text: "good-2"}, time.Minute, 100)

	entries, err := c.StreamEntries(ctx, key)
	require.NoError(t, err)
	require.Len(t, entries, 2, "corrupt entry must be dropped, not surfaced")
	assert.Equal(t, "good-1", entries[0].Event.Text)
	assert.Equal(t, "good-2", entries[1].Event.Text)
}

func TestMetadataPartialUpdate(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	key := newRunKey(model.KindCompose)

	running := model.RunRunning
	credits := 12.5
	require.NoError(t, c.SetMetadata(ctx, key, coordinator.MetadataUpdate{
		Status:           &running,
		RemainingCredits: &credits,
	}, time.Minute))

	meta, found, err := c.GetMetadata(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.RunRunning, meta.Status)
	require.NotNil(t, meta.RemainingCredits)
	assert.Equal(t, 12.5, *meta.RemainingCredits)
	assert.Nil(t, meta.UpstreamResponseID, "absent field stays absent")

	// Partial update: only the response id; status and credits untouched.
	respID := "resp_abc123"
	require.NoError(t, c.SetMetadata(ctx, key, coordinator.MetadataUpdate{
		ResponseID: &respID,
	}, time.Minute))

	meta, found, err = c.GetMetadata(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.RunRunning, meta.Status)
	require.NotNil(t, meta.UpstreamResponseID)
	assert.Equal(t, "resp_abc123", *meta.UpstreamResponseID)
	require.NotNil(t, meta.RemainingCredits)
	assert.Equal(t, 12.5, *meta.RemainingCredits)
}

func TestMetadataExplicitNull(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	key := newRunKey(model.KindResearch)

	debit := 0.7
	running := model.RunRunning
	require.NoError(t, c.SetMetadata(ctx, key, coordinator.MetadataUpdate{
		Status:       &running,
		PendingDebit: &debit,
	}, time.Minute))

	meta, _, err := c.GetMetadata(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, meta.PendingDebit)

	// Settling the debit writes an explicit null.
	require.NoError(t, c.SetMetadata(ctx, key, coordinator.MetadataUpdate{
		NullPendingDebit: true,
	}, time.Minute))

	meta, found, err := c.GetMetadata(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, meta.PendingDebit)
	assert.Equal(t, model.RunRunning, meta.Status, "status untouched by null write")
}

func TestGetMetadataMissingRun(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	_, found, err := c.GetMetadata(ctx, newRunKey(model.KindCompose))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClearRunDeletesLogAndMetadata(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	key := newRunKey(model.KindResearch)

	completed := model.RunCompleted
	require.NoError(t, c.SetMetadata(ctx, key, coordinator.MetadataUpdate{Status: &completed}, time.Minute))
	c.AppendStreamEvent(ctx, key, model.RunEvent{Type: model.EventComplete, Content: "done"}, time.Minute, 100)

	require.NoError(t, c.ClearRun(ctx, key))

	_, found, err := c.GetMetadata(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	entries, err := c.StreamEntries(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunsScanFindsLiveRuns(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	key := newRunKey(model.KindCompose)

	running := model.RunRunning
	require.NoError(t, c.SetMetadata(ctx, key, coordinator.MetadataUpdate{Status: &running}, time.Minute))

	keys, err := c.Runs(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, key)
}
