package mq

import (
	"context"
	"time"
)

// UploadEvent holds parsed fields from an s3:ObjectCreated bucket
// notification. Delivery is at-least-once: duplicates, reordering and
// concurrent delivery of the same event to multiple workers are all normal.
type UploadEvent struct {
	Bucket      string
	Key         string // URL-decoded, e.g. "photos/a.jpg"
	Size        int64
	ContentType string
	EventTime   time.Time
}

// ObjectRef identifies a stored object by its bucket and key.
type ObjectRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// ResizeCompletedEvent is published after a resize completes. Each consumer
// defines its own matching struct — the contract is the JSON schema.
type ResizeCompletedEvent struct {
	Source    ObjectRef `json:"source"`
	Resized   ObjectRef `json:"resized"`
	Timestamp int64     `json:"timestamp"`
}

// UploadEventHandler is the business-logic callback injected into the
// consumer. A nil return or a permanent error acknowledges the event; any
// other error leaves it uncommitted for redelivery.
type UploadEventHandler interface {
	HandleUploadEvent(ctx context.Context, event *UploadEvent) error
}

// UploadEventConsumer abstracts the Kafka consumer for bucket notifications.
type UploadEventConsumer interface {
	Start(ctx context.Context) error
	Close() error
}

// ResizeEventPublisher abstracts the Kafka producer for completion events.
type ResizeEventPublisher interface {
	PublishResizeCompleted(ctx context.Context, event *ResizeCompletedEvent) error
	Close() error
}
