package dedup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pixmill/resized/pkg/storage"
)

// DefaultLockTTL is how old a lock marker must be before another worker may
// force-acquire it. Matches the worst-case handler execution time with
// headroom; a crashed worker's marker self-heals after this long.
const DefaultLockTTL = 300 * time.Second

// lockSuffix is appended to the resized key to derive the marker key.
// The extension gate skips ".lock" keys, so marker creation events from the
// bucket notification stream never trigger processing themselves.
const lockSuffix = ".lock"

// lockMarker is the marker object's body. Diagnostic only: staleness is
// judged from the store's own LastModified, not from AcquiredAt, so takeover
// decisions do not depend on the writer's clock.
type lockMarker struct {
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockManager creates, inspects and deletes lock marker objects.
// A marker is a pure mutual-exclusion token with a lifetime; it carries no
// ownership of the source or resized object.
type LockManager struct {
	store   storage.Storage
	ttl     time.Duration
	ownerID string
}

// NewLockManager creates a LockManager over store with the given TTL.
// A non-positive ttl falls back to DefaultLockTTL.
func NewLockManager(store storage.Storage, ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	return &LockManager{
		store:   store,
		ttl:     ttl,
		ownerID: uuid.NewString(),
	}
}

// OwnerID identifies this worker instance in marker bodies and logs.
func (m *LockManager) OwnerID() string {
	return m.ownerID
}

// LockKey returns the marker key derived from a resized-object key.
func (m *LockManager) LockKey(resizedKey string) string {
	return resizedKey + lockSuffix
}

// TryAcquire attempts a conditional create of the lock marker for
// resizedKey. Returns acquired=true on success. When the marker already
// exists, returns acquired=false along with the marker's age so the caller
// can decide on a staleness takeover. The create is a single atomic
// create-if-absent at the store; there is no read-then-write window.
func (m *LockManager) TryAcquire(ctx context.Context, resizedKey string) (acquired bool, age time.Duration, err error) {
	lockKey := m.LockKey(resizedKey)

	body, err := m.markerBody()
	if err != nil {
		return false, 0, err
	}

	err = m.store.WriteIfAbsent(ctx, lockKey, bytes.NewReader(body), int64(len(body)), "application/json")
	if err == nil {
		return true, 0, nil
	}
	if !errors.Is(err, storage.ErrPreconditionFailed) {
		return false, 0, fmt.Errorf("create lock marker: %w", err)
	}

	// Lost the race. Age of the standing marker decides staleness.
	info, err := m.store.Stat(ctx, lockKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Marker released between our create and the stat. Treat it as
			// freshly held: the releasing worker either finished (the done
			// check catches it) or this event gets redelivered.
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("stat lock marker: %w", err)
	}

	return false, time.Since(info.LastModified), nil
}

// ForceAcquire overwrites the marker unconditionally. Only valid after
// TryAcquire reported a stale marker; it re-asserts ownership over a lock
// abandoned by a crashed or timed-out worker.
func (m *LockManager) ForceAcquire(ctx context.Context, resizedKey string) error {
	lockKey := m.LockKey(resizedKey)

	body, err := m.markerBody()
	if err != nil {
		return err
	}

	if err := m.store.Write(ctx, lockKey, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return fmt.Errorf("overwrite lock marker: %w", err)
	}

	return nil
}

// IsStale reports whether a marker of the given age may be taken over.
func (m *LockManager) IsStale(age time.Duration) bool {
	return age > m.ttl
}

// Release deletes the lock marker. Deleting an already-absent marker is
// success: release must be idempotent since every exit path calls it.
func (m *LockManager) Release(ctx context.Context, resizedKey string) error {
	if err := m.store.Delete(ctx, m.LockKey(resizedKey)); err != nil {
		return fmt.Errorf("delete lock marker: %w", err)
	}

	return nil
}

func (m *LockManager) markerBody() ([]byte, error) {
	body, err := json.Marshal(lockMarker{
		OwnerID:    m.ownerID,
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal lock marker: %w", err)
	}

	return body, nil
}
