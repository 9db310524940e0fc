// Package coordinator wraps the shared Redis store behind the cross-process
// run primitives: the distributed run lock, run metadata, and the durable
// append-only event log used for replay and fan-out.
//
// Every operation is safe to call from any process any number of times.
// Mutual exclusion is provided only by the lock; metadata and log writes are
// expected to come from the current lock holder.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quillworks/quill/internal/model"
)

// keyPrefix namespaces all coordinator keys in the shared store.
const keyPrefix = "quill:run:"

// Entry is one durable log entry: an append-assigned ID plus the decoded event.
type Entry struct {
	ID    string
	Event model.RunEvent
}

// Coordinator issues run locks and owns the durable run log and metadata.
type Coordinator struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a Coordinator on an existing Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Coordinator {
	return &Coordinator{rdb: rdb, logger: logger}
}

func lockKey(k model.RunKey) string { return keyPrefix + k.String() + ":lock" }
func logKey(k model.RunKey) string  { return keyPrefix + k.String() + ":log" }
func metaKey(k model.RunKey) string { return keyPrefix + k.String() + ":meta" }

// releaseScript deletes the lock only if the stored token matches.
// Compare and delete must be a single server-side operation so a release
// cannot race a concurrent acquire by a third process.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if the stored token matches, so a
// delayed refresh from an expired holder cannot resurrect a lock that has
// been taken over.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ErrNotHolder is returned by RefreshRunLock when the stored token no longer
// matches the caller's. The caller is not the leader anymore and must stop
// executing.
var ErrNotHolder = errors.New("coordinator: lock not held by this token")

// AcquireRunLock atomically creates the run lock with the given TTL.
// Returns a unique holder token, or "" if another process holds the lock.
func (c *Coordinator) AcquireRunLock(ctx context.Context, key model.RunKey, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("coordinator: acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// RefreshRunLock extends the lock TTL if token still owns it.
// Returns ErrNotHolder when the token has been superseded or the lock expired.
func (c *Coordinator) RefreshRunLock(ctx context.Context, key model.RunKey, token string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, c.rdb, []string{lockKey(key)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("coordinator: refresh lock %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHolder
	}
	return nil
}

// ReleaseRunLock deletes the lock if token still owns it. Releasing with a
// stale token is a no-op, never an error.
func (c *Coordinator) ReleaseRunLock(ctx context.Context, key model.RunKey, token string) error {
	if _, err := releaseScript.Run(ctx, c.rdb, []string{lockKey(key)}, token).Result(); err != nil {
		return fmt.Errorf("coordinator: release lock %s: %w", key, err)
	}
	return nil
}

// LockHeld reports whether any process currently holds the run lock.
func (c *Coordinator) LockHeld(ctx context.Context, key model.RunKey) (bool, error) {
	n, err := c.rdb.Exists(ctx, lockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("coordinator: lock exists %s: %w", key, err)
	}
	return n > 0, nil
}

// AppendStreamEvent appends an event to the durable log and refreshes the
// sliding TTL on both the log and the metadata key. Returns the new entry's
// ID, used as a resume cursor by tail readers.
//
// Delivery to the durable log is best effort: a store failure is logged and
// "" is returned, because the leader's local subscribers are fed from the
// in-memory subject and must not be torn down by a flaky store.
func (c *Coordinator) AppendStreamEvent(ctx context.Context, key model.RunKey, event model.RunEvent, ttl time.Duration, maxLen int64) string {
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("coordinator: marshal event", "key", key.String(), "error", err)
		return ""
	}

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: logKey(key),
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		c.logger.Warn("coordinator: append event", "key", key.String(), "type", event.Type, "error", err)
		return ""
	}

	c.touch(ctx, key, ttl)
	return id
}

// StreamEntries replays the full durable log for a run in append order.
// Entries whose payloads fail to decode are dropped with a warning; one
// corrupt historical entry must not block replay of the rest.
func (c *Coordinator) StreamEntries(ctx context.Context, key model.RunKey) ([]Entry, error) {
	msgs, err := c.rdb.XRange(ctx, logKey(key), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("coordinator: read log %s: %w", key, err)
	}
	return c.decodeMessages(key, msgs), nil
}

// ReadStreamFrom blocks up to block for entries appended after lastID.
// Pass lastID "" (or "0") to read from the beginning. A timeout with no new
// entries returns an empty slice and no error.
func (c *Coordinator) ReadStreamFrom(ctx context.Context, key model.RunKey, lastID string, block time.Duration) ([]Entry, error) {
	if lastID == "" {
		lastID = "0"
	}
	streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{logKey(key), lastID},
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("coordinator: tail log %s: %w", key, err)
	}

	var entries []Entry
	for _, s := range streams {
		entries = append(entries, c.decodeMessages(key, s.Messages)...)
	}
	return entries, nil
}

func (c *Coordinator) decodeMessages(key model.RunKey, msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["payload"].(string)
		if !ok {
			c.logger.Warn("coordinator: log entry missing payload", "key", key.String(), "id", m.ID)
			continue
		}
		var ev model.RunEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			c.logger.Warn("coordinator: drop corrupt log entry", "key", key.String(), "id", m.ID, "error", err)
			continue
		}
		ev.EntryID = m.ID
		entries = append(entries, Entry{ID: m.ID, Event: ev})
	}
	return entries
}

// MetadataUpdate is a partial write to run metadata. Nil pointers leave the
// stored field untouched; the Null* flags write an explicit null, which is
// distinct from "not provided".
type MetadataUpdate struct {
	Status           *model.RunStatus
	ResponseID       *string
	NullResponseID   bool
	RemainingCredits *float64
	NullRemaining    bool
	PendingDebit     *float64
	NullPendingDebit bool
}

// Metadata hash field names. Values are JSON-encoded per field so that an
// explicit null survives the round trip through the store.
const (
	fieldStatus     = "status"
	fieldResponseID = "upstream_response_id"
	fieldRemaining  = "remaining_credits"
	fieldPending    = "pending_debit"
	fieldUpdatedAt  = "updated_at"
)

// SetMetadata applies a partial metadata update and refreshes the sliding TTL.
// updated_at is always rewritten.
func (c *Coordinator) SetMetadata(ctx context.Context, key model.RunKey, upd MetadataUpdate, ttl time.Duration) error {
	fields := map[string]any{
		fieldUpdatedAt: mustJSON(time.Now().UTC()),
	}
	if upd.Status != nil {
		fields[fieldStatus] = mustJSON(*upd.Status)
	}
	switch {
	case upd.NullResponseID:
		fields[fieldResponseID] = "null"
	case upd.ResponseID != nil:
		fields[fieldResponseID] = mustJSON(*upd.ResponseID)
	}
	switch {
	case upd.NullRemaining:
		fields[fieldRemaining] = "null"
	case upd.RemainingCredits != nil:
		fields[fieldRemaining] = mustJSON(*upd.RemainingCredits)
	}
	switch {
	case upd.NullPendingDebit:
		fields[fieldPending] = "null"
	case upd.PendingDebit != nil:
		fields[fieldPending] = mustJSON(*upd.PendingDebit)
	}

	if err := c.rdb.HSet(ctx, metaKey(key), fields).Err(); err != nil {
		return fmt.Errorf("coordinator: set metadata %s: %w", key, err)
	}
	c.touch(ctx, key, ttl)
	return nil
}

// GetMetadata reads run metadata. found is false when no run state exists
// for the key (never created, cleared, or expired).
func (c *Coordinator) GetMetadata(ctx context.Context, key model.RunKey) (meta model.RunMetadata, found bool, err error) {
	vals, err := c.rdb.HGetAll(ctx, metaKey(key)).Result()
	if err != nil {
		return model.RunMetadata{}, false, fmt.Errorf("coordinator: get metadata %s: %w", key, err)
	}
	if len(vals) == 0 {
		return model.RunMetadata{}, false, nil
	}

	if raw, ok := vals[fieldStatus]; ok {
		if err := json.Unmarshal([]byte(raw), &meta.Status); err != nil {
			return model.RunMetadata{}, false, fmt.Errorf("coordinator: decode metadata status %s: %w", key, err)
		}
	}
	// Optional fields decode into pointers; a stored "null" leaves them nil.
	decodeField(vals, fieldResponseID, &meta.UpstreamResponseID)
	decodeField(vals, fieldRemaining, &meta.RemainingCredits)
	decodeField(vals, fieldPending, &meta.PendingDebit)
	if raw, ok := vals[fieldUpdatedAt]; ok {
		_ = json.Unmarshal([]byte(raw), &meta.UpdatedAt)
	}
	return meta, true, nil
}

// TouchRun refreshes the sliding TTL on the run's log and metadata without
// writing anything else.
func (c *Coordinator) TouchRun(ctx context.Context, key model.RunKey, ttl time.Duration) {
	c.touch(ctx, key, ttl)
}

// ClearRun deletes the run's log and metadata unconditionally. Callers must
// ensure no leader is actively writing under this key.
func (c *Coordinator) ClearRun(ctx context.Context, key model.RunKey) error {
	if err := c.rdb.Del(ctx, logKey(key), metaKey(key)).Err(); err != nil {
		return fmt.Errorf("coordinator: clear run %s: %w", key, err)
	}
	return nil
}

// Runs scans the store for every run key with metadata present. Used by the
// reconciliation sweep; not a hot path.
func (c *Coordinator) Runs(ctx context.Context) ([]model.RunKey, error) {
	var keys []model.RunKey
	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*:meta", 100).Iterator()
	for iter.Next(ctx) {
		if k, ok := parseMetaKey(iter.Val()); ok {
			keys = append(keys, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("coordinator: scan runs: %w", err)
	}
	return keys, nil
}

func (c *Coordinator) touch(ctx context.Context, key model.RunKey, ttl time.Duration) {
	pipe := c.rdb.Pipeline()
	pipe.PExpire(ctx, logKey(key), ttl)
	pipe.PExpire(ctx, metaKey(key), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("coordinator: refresh ttl", "key", key.String(), "error", err)
	}
}

func parseMetaKey(raw string) (model.RunKey, bool) {
	trimmed := strings.TrimPrefix(raw, keyPrefix)
	trimmed = strings.TrimSuffix(trimmed, ":meta")
	parts := strings.Split(trimmed, ":")
	if len(parts) != 3 {
		return model.RunKey{}, false
	}
	kind, err := model.ParseRunKind(parts[0])
	if err != nil {
		return model.RunKey{}, false
	}
	userID, err := uuid.Parse(parts[1])
	if err != nil {
		return model.RunKey{}, false
	}
	jobID, err := uuid.Parse(parts[2])
	if err != nil {
		return model.RunKey{}, false
	}
	return model.RunKey{Kind: kind, UserID: userID, JobID: jobID}, true
}

func decodeField[T any](vals map[string]string, field string, dst **T) {
	raw, ok := vals[field]
	if !ok || raw == "null" {
		return
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		*dst = &v
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// All callers pass marshalable primitives.
		panic(err)
	}
	return string(b)
}
