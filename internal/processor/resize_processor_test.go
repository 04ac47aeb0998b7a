package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixmill/resized/internal/codec"
	"github.com/pixmill/resized/internal/dedup"
	"github.com/pixmill/resized/internal/mq"
	"github.com/pixmill/resized/pkg/storage"
)

// capturingPublisher records completion events in memory.
type capturingPublisher struct {
	mu     sync.Mutex
	events []*mq.ResizeCompletedEvent
}

func (p *capturingPublisher) PublishResizeCompleted(ctx context.Context, event *mq.ResizeCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// failingWriteStore rejects writes under the output prefix to simulate a
// store outage during the resized-object upload.
type failingWriteStore struct {
	storage.Storage
}

func (s *failingWriteStore) Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return errors.New("slow down")
}

func uploadJPEG(t *testing.T, store storage.Storage, key string, w, h int) {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil))
	require.NoError(t, store.Write(context.Background(), key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/jpeg"))
}

func newProcessor(store storage.Storage, publisher mq.ResizeEventPublisher) *ResizeProcessor {
	cdc := codec.New(1280, 85, nil)
	locks := dedup.NewLockManager(store, 300*time.Second)
	tracker := dedup.NewCompletionTracker(store, dedup.RetryPolicy{})
	coord := dedup.NewCoordinator(locks, tracker, "resized/", cdc.SupportedExtension)
	return NewResizeProcessor(store, cdc, coord, publisher, dedup.RetryPolicy{}, "uploads")
}

func TestProcessEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	publisher := &capturingPublisher{}
	proc := newProcessor(store, publisher)

	uploadJPEG(t, store, "photos/a.jpg", 2000, 3000)

	outcome, err := proc.Process(ctx, "photos/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, dedup.OutcomeCompleted, outcome)

	// Resized object at the derived key, bounded to 1280, aspect preserved.
	rc, err := store.Read(ctx, "resized/photos/a.jpg")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 853, cfg.Width)
	assert.Equal(t, 1280, cfg.Height)

	// Completion tag present, lock marker gone.
	tags, err := store.GetObjectTags(ctx, "resized/photos/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "true", tags[dedup.CompletionTagKey])

	_, err = store.Stat(ctx, "resized/photos/a.jpg.lock")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	// One completion event with both object refs.
	require.Equal(t, 1, publisher.count())
	assert.Equal(t, mq.ObjectRef{Bucket: "uploads", Key: "photos/a.jpg"}, publisher.events[0].Source)
	assert.Equal(t, mq.ObjectRef{Bucket: "uploads", Key: "resized/photos/a.jpg"}, publisher.events[0].Resized)
}

func TestProcessDuplicateEventsPublishOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	publisher := &capturingPublisher{}
	proc := newProcessor(store, publisher)

	uploadJPEG(t, store, "photos/a.jpg", 2000, 1000)

	event := &mq.UploadEvent{Bucket: "uploads", Key: "photos/a.jpg"}
	for i := 0; i < 4; i++ {
		require.NoError(t, proc.HandleUploadEvent(ctx, event))
	}

	assert.Equal(t, 1, publisher.count(), "duplicate deliveries must not republish")
}

func TestProcessMissingSourceIsPermanent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	proc := newProcessor(store, nil)

	outcome, err := proc.Process(ctx, "photos/gone.jpg")
	require.Error(t, err)
	assert.Equal(t, dedup.OutcomeFailed, outcome)
	assert.True(t, dedup.IsPermanent(err), "a vanished source cannot be fixed by redelivery")

	// Lock released on the failure path.
	_, err = store.Stat(ctx, "resized/photos/gone.jpg.lock")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestProcessCorruptImageIsPermanent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	proc := newProcessor(store, nil)

	data := []byte("definitely not a jpeg")
	require.NoError(t, store.Write(ctx, "photos/a.jpg", bytes.NewReader(data), int64(len(data)), "image/jpeg"))

	outcome, err := proc.Process(ctx, "photos/a.jpg")
	require.Error(t, err)
	assert.Equal(t, dedup.OutcomeFailed, outcome)
	assert.True(t, dedup.IsPermanent(err))

	// No output, no tag, no marker left behind.
	for _, key := range []string{"resized/photos/a.jpg", "resized/photos/a.jpg.lock"} {
		_, err := store.Stat(ctx, key)
		assert.True(t, errors.Is(err, storage.ErrNotFound), key)
	}
}

func TestProcessWriteFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	inner := storage.NewMemoryStorage()
	uploadJPEG(t, inner, "photos/a.jpg", 2000, 1000)

	// Locks go through the failing wrapper too, but only Write is broken;
	// the conditional create uses WriteIfAbsent.
	store := &failingWriteStore{Storage: inner}
	proc := newProcessor(store, nil)

	outcome, err := proc.Process(ctx, "photos/a.jpg")
	require.Error(t, err)
	assert.Equal(t, dedup.OutcomeFailed, outcome)
	assert.False(t, dedup.IsPermanent(err))

	// Tag never set for an object that was never written.
	_, err = inner.GetObjectTags(ctx, "resized/photos/a.jpg")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	// Redelivery against a healthy store succeeds.
	healthy := newProcessor(inner, nil)
	outcome, err = healthy.Process(ctx, "photos/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, dedup.OutcomeCompleted, outcome)
}

func TestProcessSkipsOutputPrefix(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	proc := newProcessor(store, nil)

	outcome, err := proc.Process(ctx, "resized/photos/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, dedup.OutcomeSkipped, outcome)

	files, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestProcessUnsupportedExtension(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	proc := newProcessor(store, nil)

	data := []byte("some text")
	require.NoError(t, store.Write(ctx, "notes/readme.txt", bytes.NewReader(data), int64(len(data)), "text/plain"))

	outcome, err := proc.Process(ctx, "notes/readme.txt")
	require.Error(t, err)
	assert.Equal(t, dedup.OutcomeSkipped, outcome)
	assert.True(t, dedup.IsPermanent(err))

	// The only object in the store is still the upload itself.
	files, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "notes/readme.txt", files[0].Key)
}
