package runs

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/quill/internal/model"
)

func testKey() model.RunKey {
	return model.RunKey{Kind: model.KindResearch, UserID: uuid.New(), JobID: uuid.New()}
}

func TestRunPublishFanOut(t *testing.T) {
	run := newRun(testKey())
	_, a := run.subscribe()
	_, b := run.subscribe()

	run.publish(model.RunEvent{Type: model.EventDelta, Text: "hi"})

	assert.Equal(t, "hi", (<-a).Text)
	assert.Equal(t, "hi", (<-b).Text)
}

func TestRunSlowSubscriberDetached(t *testing.T) {
	run := newRun(testKey())
	_, slow := run.subscribe()

	// Publishing past the buffer must not block the executor; the slow
	// subscriber is detached instead.
	for range subscriberBuffer + 1 {
		run.publish(model.RunEvent{Type: model.EventDelta, Text: "x"})
	}

	var got int
	for range slow {
		got++
	}
	assert.Equal(t, subscriberBuffer, got, "channel closed once its buffer filled")

	// Further publishes are fine with no subscribers left.
	run.publish(model.RunEvent{Type: model.EventDelta, Text: "y"})
}

func TestRunSettleClosesSubscribers(t *testing.T) {
	run := newRun(testKey())
	_, sub := run.subscribe()

	run.settle(model.RunCompleted)

	_, open := <-sub
	assert.False(t, open)
	assert.Equal(t, model.RunCompleted, run.Status())

	select {
	case <-run.Done():
	default:
		t.Fatal("done channel not closed")
	}

	// A second settle is a no-op, not a panic.
	run.settle(model.RunErrored)
	assert.Equal(t, model.RunCompleted, run.Status())
}

func TestRunUnsubscribeIdempotent(t *testing.T) {
	run := newRun(testKey())
	id, sub := run.subscribe()
	run.unsubscribe(id)
	run.unsubscribe(id)
	_, open := <-sub
	assert.False(t, open)
}

func TestRegistryInsertAndRemove(t *testing.T) {
	reg := NewRegistry()
	key := testKey()

	run, created := reg.insert(newRun(key))
	require.True(t, created)
	assert.Same(t, run, reg.Get(key))

	dup, created := reg.insert(newRun(key))
	assert.False(t, created, "second insert returns the existing handle")
	assert.Same(t, run, dup)

	reg.Remove(key)
	assert.Nil(t, reg.Get(key))
}

func TestScheduledCleanupFires(t *testing.T) {
	reg := NewRegistry()
	key := testKey()
	run, _ := reg.insert(newRun(key))

	run.scheduleCleanup(20*time.Millisecond, func() { reg.Remove(key) })

	require.Eventually(t, func() bool { return reg.Get(key) == nil },
		time.Second, 5*time.Millisecond)
}

func TestRemoveCancelsPendingCleanup(t *testing.T) {
	reg := NewRegistry()
	key := testKey()
	run, _ := reg.insert(newRun(key))

	fired := make(chan struct{})
	run.scheduleCleanup(30*time.Millisecond, func() { close(fired) })
	reg.Remove(key)

	select {
	case <-fired:
		t.Fatal("cleanup fired after removal")
	case <-time.After(100 * time.Millisecond):
	}
}
