// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Stream, Kafka, Consumer, OpenSearch, Redis, Logging, Metrics).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration shared by the publisher
// and consumer processes.
type Config struct {
	Stream     StreamConfig     `yaml:"stream"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	OpenSearch OpenSearchConfig `yaml:"opensearch"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// StreamConfig describes the upstream server-sent-event endpoint.
type StreamConfig struct {
	URL                   string        `yaml:"url"`
	UserAgent             string        `yaml:"userAgent"`
	ReconnectBackoff      time.Duration `yaml:"reconnectBackoff"`
	MaxLineBytes          int           `yaml:"maxLineBytes"`
	ResumeFromLastEventID bool          `yaml:"resumeFromLastEventId"`
}

// KafkaConfig holds Kafka broker, topic and client settings.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	ClientID      string        `yaml:"clientId"`
	BatchSize     int           `yaml:"batchSize"`
	BatchBytes    int64         `yaml:"batchBytes"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	StartOffset   string        `yaml:"startOffset"`
}

// ConsumerConfig controls the poll/commit cycle of the log consumer.
type ConsumerConfig struct {
	PollTimeout       time.Duration `yaml:"pollTimeout"`
	FetchLinger       time.Duration `yaml:"fetchLinger"`
	MaxBatchRecords   int           `yaml:"maxBatchRecords"`
	RedeliveryBackoff time.Duration `yaml:"redeliveryBackoff"`
}

// OpenSearchConfig holds index engine connection parameters.
type OpenSearchConfig struct {
	Addresses          []string      `yaml:"addresses"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
	Index              string        `yaml:"index"`
	RequestTimeout     time.Duration `yaml:"requestTimeout"`
}

// RedisConfig holds the optional committed-offset mirror settings.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"poolSize"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

const (
	// DefaultBatchBytes is the largest produce request the writer sends. A
	// single message larger than this is rejected before it is enqueued.
	DefaultBatchBytes = 1 << 20
	// MessageOverhead is the room a record needs beyond its value.
	MessageOverhead = 1024
)

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Stream: StreamConfig{
			URL:                   "https://stream.wikimedia.org/v2/stream/recentchange",
			UserAgent:             "stream-index-pipeline/1.0",
			ReconnectBackoff:      5 * time.Second,
			MaxLineBytes:          1_000_000,
			ResumeFromLastEventID: true,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			Topic:         "wiki-topic",
			ConsumerGroup: "consumer-opensearch-demo",
			ClientID:      "stream-index-pipeline",
			BatchSize:     100,
			BatchBytes:    DefaultBatchBytes,
			BatchTimeout:  10 * time.Millisecond,
			StartOffset:   "latest",
		},
		Consumer: ConsumerConfig{
			PollTimeout:       3 * time.Second,
			FetchLinger:       100 * time.Millisecond,
			MaxBatchRecords:   500,
			RedeliveryBackoff: time.Second,
		},
		OpenSearch: OpenSearchConfig{
			Addresses:      []string{"https://localhost:9200"},
			Username:       "admin",
			Index:          "wikimedia_index",
			RequestTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  4,
			KeyPrefix: "streamindex:offsets",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate reports every missing or out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Stream.URL == "" {
		errs = append(errs, errors.New("stream.url is required"))
	}
	if c.Stream.ReconnectBackoff <= 0 {
		errs = append(errs, errors.New("stream.reconnectBackoff must be positive"))
	}
	if c.Stream.MaxLineBytes <= 0 {
		errs = append(errs, errors.New("stream.maxLineBytes must be positive"))
	}
	batchBytes := c.Kafka.BatchBytes
	if batchBytes == 0 {
		batchBytes = DefaultBatchBytes
	}
	if batchBytes < int64(c.Stream.MaxLineBytes)+MessageOverhead {
		errs = append(errs, fmt.Errorf("kafka.batchBytes %d must be at least stream.maxLineBytes + %d (%d)",
			batchBytes, MessageOverhead, c.Stream.MaxLineBytes+MessageOverhead))
	}
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required"))
	}
	if strings.TrimSpace(c.Kafka.Topic) == "" {
		errs = append(errs, errors.New("kafka.topic is required"))
	}
	if c.Kafka.ConsumerGroup == "" {
		errs = append(errs, errors.New("kafka.consumerGroup is required"))
	}
	switch c.Kafka.StartOffset {
	case "latest", "earliest":
	default:
		errs = append(errs, fmt.Errorf("kafka.startOffset %q must be latest or earliest", c.Kafka.StartOffset))
	}
	if c.Consumer.PollTimeout <= 0 {
		errs = append(errs, errors.New("consumer.pollTimeout must be positive"))
	}
	if c.Consumer.MaxBatchRecords <= 0 {
		errs = append(errs, errors.New("consumer.maxBatchRecords must be positive"))
	}
	if len(c.OpenSearch.Addresses) == 0 {
		errs = append(errs, errors.New("opensearch.addresses is required"))
	}
	if c.OpenSearch.Index == "" {
		errs = append(errs, errors.New("opensearch.index is required"))
	}
	return errors.Join(errs...)
}

// applyEnvOverrides reads SI_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SI_STREAM_URL"); v != "" {
		cfg.Stream.URL = v
	}
	if v := os.Getenv("SI_STREAM_USER_AGENT"); v != "" {
		cfg.Stream.UserAgent = v
	}
	if v := os.Getenv("SI_STREAM_RECONNECT_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stream.ReconnectBackoff = d
		}
	}
	if v := os.Getenv("SI_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SI_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("SI_KAFKA_CONSUMER_GROUP"); v != "" {
		cfg.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("SI_OPENSEARCH_ADDRESSES"); v != "" {
		cfg.OpenSearch.Addresses = strings.Split(v, ",")
	}
	if v := os.Getenv("SI_OPENSEARCH_USERNAME"); v != "" {
		cfg.OpenSearch.Username = v
	}
	if v := os.Getenv("SI_OPENSEARCH_PASSWORD"); v != "" {
		cfg.OpenSearch.Password = v
	} else if v := os.Getenv("OPENSEARCH_INITIAL_ADMIN_PASSWORD"); v != "" {
		cfg.OpenSearch.Password = v
	}
	if v := os.Getenv("SI_OPENSEARCH_INSECURE_SKIP_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.OpenSearch.InsecureSkipVerify = b
		}
	}
	if v := os.Getenv("SI_OPENSEARCH_INDEX"); v != "" {
		cfg.OpenSearch.Index = v
	}
	if v := os.Getenv("SI_REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if v := os.Getenv("SI_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SI_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SI_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SI_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SI_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
