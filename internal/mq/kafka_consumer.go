package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/pixmill/resized/internal/dedup"
	pkglog "github.com/pixmill/resized/pkg/log"
)

// bucketEventRaw is the raw MinIO/S3 Kafka notification structure.
type bucketEventRaw struct {
	EventName string `json:"EventName"`
	Records   []struct {
		EventName string    `json:"eventName"`
		EventTime time.Time `json:"eventTime"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key         string `json:"key"`
				Size        int64  `json:"size"`
				ContentType string `json:"contentType"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// KafkaConsumer implements UploadEventConsumer using confluent-kafka-go.
//
// Offsets are committed manually to express the ack contract: a message is
// committed when handling succeeded or failed permanently; retryable
// failures leave the offset uncommitted so the broker redelivers after a
// rebalance or restart. The dedup protocol makes redelivered duplicates
// harmless.
type KafkaConsumer struct {
	consumer         *kafka.Consumer
	topic            string
	handler          UploadEventHandler
	bucketFilter     string
	eventNameFilters []string
	doneCh           chan struct{}
}

// NewKafkaConsumer creates a new Kafka consumer for bucket notifications.
func NewKafkaConsumer(brokers, topic, groupID, bucketFilter string, eventNameFilters []string, handler UploadEventHandler) (*KafkaConsumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"group.id":           groupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &KafkaConsumer{
		consumer:         c,
		topic:            topic,
		handler:          handler,
		bucketFilter:     bucketFilter,
		eventNameFilters: eventNameFilters,
		doneCh:           make(chan struct{}),
	}, nil
}

// Start begins consuming messages from Kafka in a background goroutine.
func (kc *KafkaConsumer) Start(ctx context.Context) error {
	if err := kc.consumer.Subscribe(kc.topic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", kc.topic, err)
	}

	l := pkglog.L()
	l.Info().Str("topic", kc.topic).Str("group", kc.consumer.String()).Msg("upload event consumer started")

	go kc.consumeLoop(ctx)

	return nil
}

func (kc *KafkaConsumer) consumeLoop(ctx context.Context) {
	l := pkglog.L()
	defer close(kc.doneCh)

	for {
		select {
		case <-ctx.Done():
			l.Info().Msg("upload event consumer shutting down")
			return
		default:
			msg, err := kc.consumer.ReadMessage(100 * time.Millisecond)
			if err != nil {
				if err.(kafka.Error).Code() == kafka.ErrTimedOut {
					continue
				}
				l.Error().Err(err).Msg("kafka consumer error")
				continue
			}
			// Use a detached context so in-flight processing completes even after shutdown signal.
			kc.processMessage(context.WithoutCancel(ctx), msg)
		}
	}
}

func (kc *KafkaConsumer) processMessage(ctx context.Context, msg *kafka.Message) {
	l := pkglog.L()

	event, err := parseUploadEvent(msg.Value, kc.bucketFilter, kc.eventNameFilters)
	if err != nil {
		l.Error().Err(err).Msg("failed to parse bucket notification")
		kc.commit(msg) // malformed payloads never become parseable
		return
	}
	if event == nil {
		kc.commit(msg) // filtered out: wrong bucket or event type
		return
	}

	l.Info().
		Str(pkglog.FieldBucket, event.Bucket).
		Str(pkglog.FieldKey, event.Key).
		Int64("size", event.Size).
		Msg("received upload event")

	err = kc.handler.HandleUploadEvent(ctx, event)
	switch {
	case err == nil:
		kc.commit(msg)
	case dedup.IsPermanent(err):
		l.Error().Err(err).Str(pkglog.FieldKey, event.Key).Msg("permanent failure, not retrying")
		kc.commit(msg)
	default:
		l.Error().Err(err).Str(pkglog.FieldKey, event.Key).Msg("retryable failure, leaving for redelivery")
	}
}

// parseUploadEvent decodes a notification payload and applies the bucket
// and event-name filters. Returns (nil, nil) for events that are filtered
// out rather than malformed.
func parseUploadEvent(payload []byte, bucketFilter string, eventNameFilters []string) (*UploadEvent, error) {
	var raw bucketEventRaw
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal notification: %w", err)
	}

	if len(raw.Records) == 0 {
		return nil, nil
	}

	rec := raw.Records[0]

	key, err := url.QueryUnescape(rec.S3.Object.Key)
	if err != nil {
		return nil, fmt.Errorf("url-decode key %q: %w", rec.S3.Object.Key, err)
	}

	if len(eventNameFilters) > 0 {
		allowed := false
		for _, f := range eventNameFilters {
			if rec.EventName == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, nil
		}
	}

	if bucketFilter != "" && rec.S3.Bucket.Name != bucketFilter {
		return nil, nil
	}

	return &UploadEvent{
		Bucket:      rec.S3.Bucket.Name,
		Key:         key,
		Size:        rec.S3.Object.Size,
		ContentType: rec.S3.Object.ContentType,
		EventTime:   rec.EventTime,
	}, nil
}

func (kc *KafkaConsumer) commit(msg *kafka.Message) {
	if _, err := kc.consumer.CommitMessage(msg); err != nil {
		l := pkglog.L()
		l.Error().Err(err).Msg("failed to commit offset")
	}
}

// Close waits for the consume loop to drain, then closes the Kafka client.
// ctx must already be cancelled before calling Close.
func (kc *KafkaConsumer) Close() error {
	<-kc.doneCh // wait for in-flight processMessage to complete
	if err := kc.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	return nil
}
