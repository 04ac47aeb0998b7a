package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pixmill/resized/internal/codec"
	"github.com/pixmill/resized/internal/config"
	"github.com/pixmill/resized/internal/dedup"
	"github.com/pixmill/resized/internal/mq"
	"github.com/pixmill/resized/internal/processor"
	pkglog "github.com/pixmill/resized/pkg/log"
	pkgstorage "github.com/pixmill/resized/pkg/storage"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialise structured logger.
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		ServiceName: "resized",
	})
	l := pkglog.L()
	l.Info().Msg("resized starting")

	// Initialise the storage backend.
	var store pkgstorage.Storage
	bucket := cfg.Storage.S3.Bucket
	switch cfg.Storage.Type {
	case "s3":
		store, err = pkgstorage.NewS3Storage(context.Background(), cfg.Storage.S3)
		if err != nil {
			l.Fatal().Err(err).Msg("failed to init s3 storage")
		}
		l.Info().
			Str("endpoint", cfg.Storage.S3.Endpoint).
			Str(pkglog.FieldBucket, bucket).
			Msg("s3 storage initialised")
	default:
		store, err = pkgstorage.NewLocalStorage(cfg.Storage.Local)
		if err != nil {
			l.Fatal().Err(err).Msg("failed to init local storage")
		}
		bucket = cfg.Storage.Local.BasePath
		l.Info().Str("path", cfg.Storage.Local.BasePath).Msg("local storage initialised")
	}

	// Initialise the Kafka publisher for completion events, if enabled.
	var publisher mq.ResizeEventPublisher
	if cfg.Kafka.PublishEvents {
		publisher, err = mq.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.ProducerTopic)
		if err != nil {
			l.Fatal().Err(err).Msg("failed to init kafka publisher")
		}
	}

	// Wire the dedup core.
	retry := dedup.RetryPolicy{
		MaxAttempts: cfg.Processor.Retry.MaxAttempts,
		Backoff:     cfg.Processor.Retry.Backoff,
	}
	cdc := codec.New(cfg.Processor.MaxDimension, cfg.Processor.JpegQuality, cfg.Processor.SupportedExtensions)
	locks := dedup.NewLockManager(store, cfg.Processor.LockTTL())
	tracker := dedup.NewCompletionTracker(store, retry)
	coord := dedup.NewCoordinator(locks, tracker, cfg.Processor.OutputPrefix, cdc.SupportedExtension)

	proc := processor.NewResizeProcessor(store, cdc, coord, publisher, retry, bucket)

	l.Info().
		Str(pkglog.FieldOwnerID, locks.OwnerID()).
		Int("max_dimension", cfg.Processor.MaxDimension).
		Str("output_prefix", cfg.Processor.OutputPrefix).
		Msg("processor initialised")

	// Initialise the Kafka consumer (implements the trigger contract).
	consumer, err := mq.NewKafkaConsumer(
		cfg.Kafka.Brokers,
		cfg.Kafka.ConsumerTopic,
		cfg.Kafka.ConsumerGroupID,
		cfg.Processor.BucketFilter,
		cfg.Processor.EventNameFilters,
		proc,
	)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to init kafka consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := consumer.Start(ctx); err != nil {
		l.Fatal().Err(err).Msg("failed to start consumer")
	}

	// Block until SIGINT / SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Info().Msg("shutting down: waiting for in-flight processing to complete")
	cancel() // signal consumeLoop to stop accepting new messages

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		consumer.Close() // waits for in-flight processMessage to finish
		if publisher != nil {
			publisher.Close()
		}
	}()

	select {
	case <-shutdownDone:
		l.Info().Msg("shutdown complete")
	case <-time.After(30 * time.Second):
		l.Warn().Msg("shutdown timed out after 30s")
	}
}
