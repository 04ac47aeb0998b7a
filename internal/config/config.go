package config

import (
	"time"

	pkgconfig "github.com/pixmill/resized/pkg/config"
	"github.com/pixmill/resized/pkg/log"
	"github.com/pixmill/resized/pkg/storage"
)

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Type  string              `mapstructure:"type"`
	S3    storage.S3Config    `mapstructure:"s3"`
	Local storage.LocalConfig `mapstructure:"local"`
}

type Config struct {
	Log       log.Config      `mapstructure:"log"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Processor ProcessorConfig `mapstructure:"processor"`
}

type KafkaConfig struct {
	Brokers         string `mapstructure:"brokers"`
	ConsumerTopic   string `mapstructure:"consumer_topic"`
	ConsumerGroupID string `mapstructure:"consumer_group_id"`
	ProducerTopic   string `mapstructure:"producer_topic"`
	PublishEvents   bool   `mapstructure:"publish_events"`
}

type ProcessorConfig struct {
	BucketFilter        string      `mapstructure:"bucket_filter"`
	OutputPrefix        string      `mapstructure:"output_prefix"`
	EventNameFilters    []string    `mapstructure:"event_name_filters"`
	MaxDimension        int         `mapstructure:"max_dimension"`
	JpegQuality         int         `mapstructure:"jpeg_quality"`
	SupportedExtensions []string    `mapstructure:"supported_extensions"`
	LockTTLSeconds      int         `mapstructure:"lock_ttl_seconds"`
	Retry               RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// LockTTL returns the configured lock TTL as a duration.
func (c ProcessorConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.consumer_topic", "bucket-events")
	v.SetDefault("kafka.consumer_group_id", "resized")
	v.SetDefault("kafka.producer_topic", "resize-completed")
	v.SetDefault("kafka.publish_events", true)
	v.SetDefault("storage.type", "s3")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.use_path_style", true)
	v.SetDefault("storage.local.base_path", "./data/storage")
	v.SetDefault("processor.bucket_filter", "")
	v.SetDefault("processor.output_prefix", "resized/")
	v.SetDefault("processor.event_name_filters", []string{
		"s3:ObjectCreated:Put",
		"s3:ObjectCreated:CompleteMultipartUpload",
		"s3:ObjectCreated:Copy",
	})
	v.SetDefault("processor.max_dimension", 1280)
	v.SetDefault("processor.jpeg_quality", 85)
	v.SetDefault("processor.supported_extensions", []string{
		"jpg", "jpeg", "png", "bmp", "gif", "tiff", "webp",
	})
	v.SetDefault("processor.lock_ttl_seconds", 300)
	v.SetDefault("processor.retry.max_attempts", 3)
	v.SetDefault("processor.retry.backoff", "500ms")

	// Env bindings
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.consumer_topic", "KAFKA_CONSUMER_TOPIC")
	v.BindEnv("kafka.consumer_group_id", "KAFKA_CONSUMER_GROUP_ID")
	v.BindEnv("kafka.producer_topic", "KAFKA_PRODUCER_TOPIC")
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.s3.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.s3.region", "S3_REGION")
	v.BindEnv("storage.s3.bucket", "S3_BUCKET")
	v.BindEnv("storage.s3.access_key_id", "S3_ACCESS_KEY_ID")
	v.BindEnv("storage.s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	v.BindEnv("processor.bucket_filter", "PROCESSOR_BUCKET_FILTER")
	v.BindEnv("processor.output_prefix", "PROCESSOR_OUTPUT_PREFIX")
	v.BindEnv("processor.max_dimension", "PROCESSOR_MAX_DIMENSION")
	v.BindEnv("processor.lock_ttl_seconds", "PROCESSOR_LOCK_TTL_SECONDS")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
