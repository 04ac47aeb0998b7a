package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/pixmill/resized/pkg/log"
	"github.com/pixmill/resized/pkg/storage"
)

const (
	// CompletionTagKey marks a resized object as fully processed.
	CompletionTagKey = "processed"

	// CompletionTagValue is the value recorded under CompletionTagKey.
	CompletionTagValue = "true"
)

// CompletionTracker reads and writes the completion tag on resized objects.
//
// The asymmetry here is deliberate and load-bearing: a present tag is
// authoritative proof processing finished, but a false answer only means
// "not confirmed done" — the object may exist untagged (crash between write
// and tag), and the protocol then reprocesses it rather than trust absence.
type CompletionTracker struct {
	store storage.Storage
	retry RetryPolicy
}

// NewCompletionTracker creates a CompletionTracker over store.
func NewCompletionTracker(store storage.Storage, retry RetryPolicy) *CompletionTracker {
	return &CompletionTracker{store: store, retry: retry}
}

// IsDone reports whether the resized object at key carries the completion
// tag. Missing objects and transient read failures both report false;
// a failure is logged but never escalated, since wrongly answering true
// would silently drop work while wrongly answering false only costs a
// redundant (and idempotent) reprocess.
func (t *CompletionTracker) IsDone(ctx context.Context, key string) bool {
	var tags map[string]string

	// A missing object is an answer, not a fault: wrap it permanent so the
	// retry loop does not burn backoff on the common first-time-key path.
	err := t.retry.Do(ctx, func() error {
		var err error
		tags, err = t.store.GetObjectTags(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return Permanent(err)
		}
		return err
	})
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldResizedKey, key).
				Msg("completion check failed, assuming not done")
		}
		return false
	}

	return tags[CompletionTagKey] == CompletionTagValue
}

// MarkDone sets the completion tag on the object at key. Callers must only
// invoke it after the resized-object write is durably confirmed; tagging
// first would let a concurrent worker skip an object that does not exist.
func (t *CompletionTracker) MarkDone(ctx context.Context, key string) error {
	err := t.retry.Do(ctx, func() error {
		err := t.store.TagObject(ctx, key, CompletionTagKey, CompletionTagValue)
		if errors.Is(err, storage.ErrNotFound) {
			return Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("set completion tag on %s: %w", key, err)
	}

	return nil
}
