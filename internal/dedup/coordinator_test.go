package dedup

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixmill/resized/pkg/storage"
)

// failingTagStore makes MarkDone fail while everything else works.
type failingTagStore struct {
	storage.Storage
}

func (s *failingTagStore) TagObject(ctx context.Context, key, tagKey, tagValue string) error {
	return errors.New("tagging unavailable")
}

func isImageKey(key string) bool {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tiff", ".webp":
		return true
	}
	return false
}

// newCoordinator wires a coordinator over store with sane test defaults.
func newCoordinator(store storage.Storage, ttl time.Duration) *Coordinator {
	locks := NewLockManager(store, ttl)
	tracker := NewCompletionTracker(store, RetryPolicy{})
	return NewCoordinator(locks, tracker, "resized/", isImageKey)
}

// writeProcess returns a ProcessFunc that writes the resized object, the
// minimum a real process step must do before the coordinator may tag it.
func writeProcess(store storage.Storage, resizedKey string, processed *atomic.Int64) ProcessFunc {
	return func(ctx context.Context) error {
		if processed != nil {
			processed.Add(1)
		}
		data := []byte("resized-bytes")
		return store.Write(ctx, resizedKey, bytes.NewReader(data), int64(len(data)), "image/jpeg")
	}
}

func TestCoordinatorCompletes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	coord := newCoordinator(store, 300*time.Second)

	outcome, err := coord.Run(ctx, "photos/a.jpg", writeProcess(store, "resized/photos/a.jpg", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	// Resized object written and tagged, marker gone.
	tags, err := store.GetObjectTags(ctx, "resized/photos/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, CompletionTagValue, tags[CompletionTagKey])

	_, err = store.Stat(ctx, "resized/photos/a.jpg.lock")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestCoordinatorMutualExclusion(t *testing.T) {
	// K concurrent instances, shared store: exactly one performs the work.
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	const workers = 8

	var (
		processed atomic.Int64
		completed atomic.Int64
		wg        sync.WaitGroup
		outcomes  = make([]Outcome, workers)
		errs      = make([]error, workers)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Each worker gets its own coordinator (own owner id), as
			// separate instances would.
			coord := newCoordinator(store, 300*time.Second)
			outcomes[i], errs[i] = coord.Run(ctx, "photos/a.jpg",
				writeProcess(store, "resized/photos/a.jpg", &processed))
			if outcomes[i] == OutcomeCompleted {
				completed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), completed.Load(), "exactly one worker must complete")
	assert.Equal(t, int64(1), processed.Load(), "the process step must run exactly once")

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i], "losing a race is never an error")
		assert.Contains(t,
			[]Outcome{OutcomeCompleted, OutcomeLockedOut, OutcomeAlreadyDone},
			outcomes[i])
	}

	_, err := store.Stat(ctx, "resized/photos/a.jpg.lock")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "marker must not outlive the run")
}

func TestCoordinatorReplayIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	coord := newCoordinator(store, 300*time.Second)

	var processed atomic.Int64
	process := writeProcess(store, "resized/photos/a.jpg", &processed)

	outcome, err := coord.Run(ctx, "photos/a.jpg", process)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)

	// Duplicate deliveries after DONE: no further work, no errors.
	for i := 0; i < 5; i++ {
		outcome, err = coord.Run(ctx, "photos/a.jpg", process)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyDone, outcome)
	}
	assert.Equal(t, int64(1), processed.Load())
}

func TestCoordinatorLockedOut(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	// A holds a fresh lock.
	holder := NewLockManager(store, 300*time.Second)
	acquired, _, err := holder.TryAcquire(ctx, "resized/photos/a.jpg")
	require.NoError(t, err)
	require.True(t, acquired)

	// B exits cleanly without touching the source or output.
	coord := newCoordinator(store, 300*time.Second)
	var processed atomic.Int64
	outcome, err := coord.Run(ctx, "photos/a.jpg", writeProcess(store, "resized/photos/a.jpg", &processed))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLockedOut, outcome)
	assert.Zero(t, processed.Load())

	// The holder's marker survives B's exit.
	_, err = store.Stat(ctx, "resized/photos/a.jpg.lock")
	require.NoError(t, err)
}

func TestCoordinatorStaleTakeover(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	// An abandoned marker from a crashed worker.
	crashed := NewLockManager(store, 300*time.Second)
	acquired, _, err := crashed.TryAcquire(ctx, "resized/photos/a.jpg")
	require.NoError(t, err)
	require.True(t, acquired)
	store.SetModTime("resized/photos/a.jpg.lock", time.Now().Add(-10*time.Minute))

	coord := newCoordinator(store, 300*time.Second)
	outcome, err := coord.Run(ctx, "photos/a.jpg", writeProcess(store, "resized/photos/a.jpg", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	tags, err := store.GetObjectTags(ctx, "resized/photos/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, CompletionTagValue, tags[CompletionTagKey])
}

func TestCoordinatorProcessFailureReleasesLock(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	coord := newCoordinator(store, 300*time.Second)

	outcome, err := coord.Run(ctx, "photos/a.jpg", func(ctx context.Context) error {
		return errors.New("store write throttled")
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.False(t, IsPermanent(err))

	// Tagging never happens for an object that was never written, and the
	// lock is released for the retry.
	_, err = store.GetObjectTags(ctx, "resized/photos/a.jpg")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, err = store.Stat(ctx, "resized/photos/a.jpg.lock")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestCoordinatorPermanentProcessFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	coord := newCoordinator(store, 300*time.Second)

	outcome, err := coord.Run(ctx, "photos/a.jpg", func(ctx context.Context) error {
		return Permanent(errors.New("corrupt image data"))
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.True(t, IsPermanent(err))

	_, err = store.Stat(ctx, "resized/photos/a.jpg.lock")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestCoordinatorTagFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	inner := storage.NewMemoryStorage()
	store := &failingTagStore{Storage: inner}
	coord := newCoordinator(store, 300*time.Second)

	outcome, err := coord.Run(ctx, "photos/a.jpg", writeProcess(store, "resized/photos/a.jpg", nil))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.False(t, IsPermanent(err), "tag failure after a durable write must be retryable")

	// The write survived, the lock did not; a retry reprocesses safely.
	exists, err := inner.Exists(ctx, "resized/photos/a.jpg")
	require.NoError(t, err)
	assert.True(t, exists)
	_, err = inner.Stat(ctx, "resized/photos/a.jpg.lock")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	// Retry against a healthy store completes.
	healthy := newCoordinator(inner, 300*time.Second)
	outcome, err = healthy.Run(ctx, "photos/a.jpg", writeProcess(inner, "resized/photos/a.jpg", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
}

func TestCoordinatorUnsupportedFormat(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	coord := newCoordinator(store, 300*time.Second)

	outcome, err := coord.Run(ctx, "notes/readme.txt", func(ctx context.Context) error {
		t.Fatal("process must not run for unsupported keys")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.True(t, IsPermanent(err))
	assert.True(t, errors.Is(err, ErrUnsupportedKey))

	// Zero store writes of any kind.
	files, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestCoordinatorSelfTriggerImmunity(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	coord := newCoordinator(store, 300*time.Second)

	for _, key := range []string{
		"resized/photos/a.jpg",      // our own output
		"resized/photos/a.jpg.lock", // a lock marker creation event
	} {
		outcome, err := coord.Run(ctx, key, func(ctx context.Context) error {
			t.Fatalf("process must not run for output-prefix key %s", key)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, outcome)
	}

	files, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, files)
}
