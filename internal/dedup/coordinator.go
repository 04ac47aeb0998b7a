package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pixmill/resized/pkg/log"
)

// ErrUnsupportedKey is returned (wrapped as permanent) for keys that do not
// denote a supported image format.
var ErrUnsupportedKey = errors.New("key is not a supported image")

// Outcome classifies how a coordination run ended. Only Completed performed
// any processing; the others are idempotent exits.
type Outcome string

const (
	// OutcomeCompleted: this worker won the lock, resized, tagged, released.
	OutcomeCompleted Outcome = "completed"

	// OutcomeAlreadyDone: completion tag already present (the expected
	// common case under duplicate event delivery).
	OutcomeAlreadyDone Outcome = "already_done"

	// OutcomeLockedOut: another worker holds a fresh lock. Not an error —
	// that worker is handling it; this invocation exits with no side
	// effects and no in-invocation retry.
	OutcomeLockedOut Outcome = "locked_out"

	// OutcomeSkipped: the event is not applicable (output-prefix key or
	// unsupported format). No store access beyond none.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeFailed: processing or tagging failed; the lock was released
	// and the error classification decides redelivery.
	OutcomeFailed Outcome = "failed"
)

// ProcessFunc performs the actual fetch-resize-write work while the lock is
// held. It must only return nil once the resized object write is durably
// confirmed, since the completion tag is set immediately after.
type ProcessFunc func(ctx context.Context) error

// Coordinator runs the acquire → double-check → process → tag → release
// protocol for one source key. It is stateless between runs; any number of
// Coordinator instances on any number of machines may race on the same key
// and the store's conditional create is the only tie-breaker.
type Coordinator struct {
	locks        *LockManager
	tracker      *CompletionTracker
	outputPrefix string
	supported    func(key string) bool
}

// NewCoordinator creates a Coordinator. supported gates keys by image
// format; keys under outputPrefix are never processed (self-trigger
// immunity: the resized object's own creation event re-invokes the handler).
func NewCoordinator(locks *LockManager, tracker *CompletionTracker, outputPrefix string, supported func(string) bool) *Coordinator {
	return &Coordinator{
		locks:        locks,
		tracker:      tracker,
		outputPrefix: outputPrefix,
		supported:    supported,
	}
}

// ResizedKey derives the output key for a source key.
func (c *Coordinator) ResizedKey(key string) string {
	return c.outputPrefix + key
}

// Run executes the dedup protocol for key, invoking process at most once.
// The returned error is nil for every idempotent exit (skip, already done,
// locked out); permanent errors must not be redelivered, anything else may.
func (c *Coordinator) Run(ctx context.Context, key string, process ProcessFunc) (Outcome, error) {
	l := log.Ctx(ctx).With().Str(log.FieldKey, key).Logger()

	// Gate 1: our own output. Also covers lock markers, whose keys live
	// under the output prefix.
	if strings.HasPrefix(key, c.outputPrefix) {
		l.Debug().Str(log.FieldOutcome, string(OutcomeSkipped)).Msg("output-prefix key, ignoring")
		return OutcomeSkipped, nil
	}

	// Gate 2: format. Permanent — redelivering cannot change an extension.
	if !c.supported(key) {
		l.Info().Str(log.FieldOutcome, string(OutcomeSkipped)).Msg("unsupported format, ignoring")
		return OutcomeSkipped, Permanent(fmt.Errorf("%w: %s", ErrUnsupportedKey, key))
	}

	resizedKey := c.ResizedKey(key)
	l = l.With().Str(log.FieldResizedKey, resizedKey).Logger()
	ctx = log.WithLogger(ctx, l)

	// CHECK_DONE.
	if c.tracker.IsDone(ctx, resizedKey) {
		l.Debug().Str(log.FieldOutcome, string(OutcomeAlreadyDone)).Msg("already processed")
		return OutcomeAlreadyDone, nil
	}

	// ACQUIRING.
	acquired, age, err := c.locks.TryAcquire(ctx, resizedKey)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("acquire lock: %w", err)
	}

	if !acquired {
		if !c.locks.IsStale(age) {
			l.Info().
				Str(log.FieldOutcome, string(OutcomeLockedOut)).
				Float64(log.FieldLockAge, age.Seconds()).
				Msg("lock held by another worker")
			return OutcomeLockedOut, nil
		}

		// Staleness takeover: the previous holder crashed or timed out.
		l.Warn().Float64(log.FieldLockAge, age.Seconds()).Msg("taking over stale lock")
		if err := c.locks.ForceAcquire(ctx, resizedKey); err != nil {
			return OutcomeFailed, fmt.Errorf("take over stale lock: %w", err)
		}
	}

	// ACQUIRED: double-check. A concurrent worker may have completed
	// between the first check and our acquisition; the two are not atomic
	// with respect to each other.
	if c.tracker.IsDone(ctx, resizedKey) {
		c.release(ctx, resizedKey)
		l.Debug().Str(log.FieldOutcome, string(OutcomeAlreadyDone)).Msg("completed concurrently")
		return OutcomeAlreadyDone, nil
	}

	// PROCESSING.
	if err := process(ctx); err != nil {
		c.release(ctx, resizedKey)
		return OutcomeFailed, fmt.Errorf("process %s: %w", key, err)
	}

	// TAGGING. On failure the write already succeeded: release the lock and
	// surface a retryable error. The retry finds IsDone still false and
	// reprocesses — wasteful but safe, whereas a false "done" would not be.
	if err := c.tracker.MarkDone(ctx, resizedKey); err != nil {
		c.release(ctx, resizedKey)
		return OutcomeFailed, fmt.Errorf("mark done: %w", err)
	}

	// RELEASING. The tag is durable at this point, so a failed release only
	// orphans a marker that staleness takeover reclaims; never un-complete.
	c.release(ctx, resizedKey)

	l.Info().Str(log.FieldOutcome, string(OutcomeCompleted)).Msg("resize complete")
	return OutcomeCompleted, nil
}

func (c *Coordinator) release(ctx context.Context, resizedKey string) {
	if err := c.locks.Release(ctx, resizedKey); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).
			Str(log.FieldLockKey, c.locks.LockKey(resizedKey)).
			Msg("failed to release lock marker, staleness takeover will reclaim it")
	}
}
