package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pixmill/resized/internal/codec"
	"github.com/pixmill/resized/internal/dedup"
	"github.com/pixmill/resized/internal/mq"
	pkglog "github.com/pixmill/resized/pkg/log"
	"github.com/pixmill/resized/pkg/storage"
)

// ResizeProcessor implements ImageProcessor and mq.UploadEventHandler.
// The coordinator decides whether this invocation does any work; the
// processor only supplies the fetch-resize-write step that runs while the
// lock is held.
type ResizeProcessor struct {
	store     storage.Storage
	codec     *codec.Codec
	coord     *dedup.Coordinator
	publisher mq.ResizeEventPublisher // nil disables completion events
	retry     dedup.RetryPolicy
	bucket    string // for completion event metadata
}

// NewResizeProcessor constructs a ResizeProcessor.
func NewResizeProcessor(
	store storage.Storage,
	cdc *codec.Codec,
	coord *dedup.Coordinator,
	publisher mq.ResizeEventPublisher,
	retry dedup.RetryPolicy,
	bucket string,
) *ResizeProcessor {
	return &ResizeProcessor{
		store:     store,
		codec:     cdc,
		coord:     coord,
		publisher: publisher,
		retry:     retry,
		bucket:    bucket,
	}
}

// HandleUploadEvent runs the dedup protocol for the event's key.
func (p *ResizeProcessor) HandleUploadEvent(ctx context.Context, event *mq.UploadEvent) error {
	_, err := p.Process(ctx, event.Key)
	return err
}

// Process resizes the object at key at most once system-wide. Every
// non-Completed outcome is an idempotent exit with no writes.
func (p *ResizeProcessor) Process(ctx context.Context, key string) (dedup.Outcome, error) {
	outcome, err := p.coord.Run(ctx, key, func(ctx context.Context) error {
		return p.resizeAndStore(ctx, key)
	})
	if err != nil {
		return outcome, err
	}

	if outcome == dedup.OutcomeCompleted {
		p.publishCompleted(ctx, key)
	}

	return outcome, nil
}

// resizeAndStore is the PROCESSING step: it runs only while the lock is
// held and must not return nil before the resized write is confirmed.
func (p *ResizeProcessor) resizeAndStore(ctx context.Context, key string) error {
	var data []byte

	err := p.retry.Do(ctx, func() error {
		rc, err := p.store.Read(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// The source vanished after the event fired; redelivery
				// cannot bring it back.
				return dedup.Permanent(err)
			}
			return err
		}
		defer rc.Close()

		data, err = io.ReadAll(rc)
		return err
	})
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}

	resized, contentType, err := p.codec.Resize(data, key)
	if err != nil {
		if errors.Is(err, codec.ErrUnsupportedFormat) {
			return dedup.Permanent(err)
		}
		return err
	}

	resizedKey := p.coord.ResizedKey(key)

	err = p.retry.Do(ctx, func() error {
		return p.store.Write(ctx, resizedKey, bytes.NewReader(resized), int64(len(resized)), contentType)
	})
	if err != nil {
		return fmt.Errorf("write resized object: %w", err)
	}

	return nil
}

// publishCompleted emits the completion event, best-effort: the object is
// already written and tagged, and failing the invocation here would only
// cause a redelivery that finds the work done and publishes nothing.
func (p *ResizeProcessor) publishCompleted(ctx context.Context, key string) {
	if p.publisher == nil {
		return
	}

	event := &mq.ResizeCompletedEvent{
		Source:    mq.ObjectRef{Bucket: p.bucket, Key: key},
		Resized:   mq.ObjectRef{Bucket: p.bucket, Key: p.coord.ResizedKey(key)},
		Timestamp: time.Now().Unix(),
	}

	if err := p.publisher.PublishResizeCompleted(ctx, event); err != nil {
		l := pkglog.Ctx(ctx)
		l.Warn().Err(err).Str(pkglog.FieldKey, key).
			Msg("failed to publish resize completed event")
	}
}
