package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Stream drivers.
const (
	StreamRedis      = "redis"
	StreamKafka      = "kafka"
	StreamSegmentLog = "segmentlog"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	BufferSizeThreshold int           `env:"BUFFER_SIZE_THRESHOLD" envDefault:"500"`
	BufferFlushInterval time.Duration `env:"BUFFER_FLUSH_INTERVAL" envDefault:"1s"`

	StreamDriver     string        `env:"STREAM_DRIVER" envDefault:"redis"`
	StreamName       string        `env:"STREAM_NAME" envDefault:"log_events"`
	StreamPartitions int           `env:"STREAM_PARTITIONS" envDefault:"4"`
	StreamMaxLen     int64         `env:"STREAM_MAX_LEN" envDefault:"0"`
	PublishTimeout   time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"5s"`

	RedisAddr    string   `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`

	SegmentLogDir         string `env:"SEGMENTLOG_DIR" envDefault:"./data/segmentlog"`
	SegmentLogSegmentSize int64  `env:"SEGMENTLOG_SEGMENT_SIZE_BYTES" envDefault:"104857600"`  // 100MB
	SegmentLogMaxDiskSize int64  `env:"SEGMENTLOG_MAX_DISK_SIZE_BYTES" envDefault:"1073741824"` // 1GB

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	StoreDSN    string `env:"STORE_DSN"`

	WriterStrategy      string        `env:"WRITER_STRATEGY" envDefault:"auto"`
	WriterBatchSize     int           `env:"WRITER_BATCH_SIZE" envDefault:"1000"`
	WriterBulkChunkSize int           `env:"WRITER_BULK_CHUNK_SIZE" envDefault:"1000"`
	WriterRetryCount    int           `env:"WRITER_RETRY_COUNT" envDefault:"3"`
	WriterRetryBackoff  time.Duration `env:"WRITER_RETRY_BACKOFF" envDefault:"1s"`
	WriterPollInterval  time.Duration `env:"WRITER_POLL_INTERVAL" envDefault:"500ms"`

	ConsumerGroup        string        `env:"CONSUMER_GROUP" envDefault:"log_writers"`
	ConsumerName         string        `env:"CONSUMER_NAME" envDefault:"writer-1"`
	ConsumerClaimMinIdle time.Duration `env:"CONSUMER_CLAIM_MIN_IDLE" envDefault:"1m"`

	SchemaTargetVersion int  `env:"SCHEMA_TARGET_VERSION" envDefault:"0"`
	SchemaAutoMigrate   bool `env:"SCHEMA_AUTO_MIGRATE" envDefault:"false"`

	MaxEventSize       int64    `env:"MAX_EVENT_SIZE_BYTES" envDefault:"1048576"` // 1MB
	PIIRedactionFields []string `env:"PII_REDACTION_FIELDS" envSeparator:"," envDefault:"email,password,credit_card,ssn"`
	APIKeys            []string `env:"API_KEYS" envSeparator:","`

	IngestServerAddr string        `env:"INGEST_SERVER_ADDR" envDefault:":8080"`
	AdminServerAddr  string        `env:"ADMIN_SERVER_ADDR" envDefault:":9090"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings every process needs: the buffer and the stream.
func (c *Config) Validate() error {
	var errs []error
	if c.BufferSizeThreshold < 1 {
		errs = append(errs, fmt.Errorf("BUFFER_SIZE_THRESHOLD must be positive"))
	}
	if c.BufferFlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("BUFFER_FLUSH_INTERVAL must be positive"))
	}
	if c.StreamPartitions < 1 {
		errs = append(errs, fmt.Errorf("STREAM_PARTITIONS must be positive"))
	}
	if c.StreamName == "" {
		errs = append(errs, fmt.Errorf("STREAM_NAME is required"))
	}
	switch c.StreamDriver {
	case StreamRedis:
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required for the redis stream"))
		}
	case StreamKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required for the kafka stream"))
		}
	case StreamSegmentLog:
		if c.SegmentLogDir == "" {
			errs = append(errs, fmt.Errorf("SEGMENTLOG_DIR is required for the segmentlog stream"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STREAM_DRIVER %q", c.StreamDriver))
	}
	return errors.Join(errs...)
}

// ValidateStore additionally checks the settings of processes that use the
// relational store.
func (c *Config) ValidateStore() error {
	errs := []error{c.Validate()}
	switch c.StoreDriver {
	case "postgres", "pgx", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.StoreDSN == "" {
		errs = append(errs, fmt.Errorf("STORE_DSN is required"))
	}
	switch c.WriterStrategy {
	case "auto", "insert", "bulk", "staging":
	default:
		errs = append(errs, fmt.Errorf("unknown WRITER_STRATEGY %q", c.WriterStrategy))
	}
	if c.WriterBatchSize < 1 {
		errs = append(errs, fmt.Errorf("WRITER_BATCH_SIZE must be positive"))
	}
	if c.WriterBulkChunkSize < 0 {
		errs = append(errs, fmt.Errorf("WRITER_BULK_CHUNK_SIZE must not be negative"))
	}
	if c.WriterRetryCount < 0 {
		errs = append(errs, fmt.Errorf("WRITER_RETRY_COUNT must not be negative"))
	}
	return errors.Join(errs...)
}
