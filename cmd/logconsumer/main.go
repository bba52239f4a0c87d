// Command logconsumer drains the Kafka topic into the OpenSearch index.
//
// On start it makes sure the target index exists, then repeatedly polls a
// batch, bulk-writes the documents, and commits the batch. Committed offsets
// are optionally mirrored to Redis. A poll or bulk submission failure exits
// with status 1.
//
// Usage:
//
//	go run ./cmd/logconsumer [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/internal/progress"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/opensearch"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg); err != nil {
		slog.Error("log consumer failed", "error", err)
		os.Exit(1)
	}
	slog.Info("log consumer stopped")
}

func run(cfg *config.Config) error {
	slog.Info("starting log consumer",
		"topic", cfg.Kafka.Topic,
		"group", cfg.Kafka.ConsumerGroup,
		"index", cfg.OpenSearch.Index,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)

	index, err := opensearch.New(cfg.OpenSearch)
	if err != nil {
		return err
	}
	if err := consumer.Bootstrap(ctx, index, resilience.RetryConfig{MaxAttempts: 10}, cfg.OpenSearch.RequestTimeout); err != nil {
		return err
	}
	slog.Info("index ready", "index", index.Index())

	checker := health.NewChecker()
	checker.Register("kafka", func(ctx context.Context) error {
		return kafka.Ping(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
	})
	checker.Register("opensearch", index.Ping)

	opts := consumer.Options{
		PollTimeout:       cfg.Consumer.PollTimeout,
		RedeliveryBackoff: cfg.Consumer.RedeliveryBackoff,
	}
	if cfg.Redis.Enabled {
		rdb, err := redis.NewClient(cfg.Redis)
		if err != nil {
			// the mirror is informational; indexing goes on without it
			slog.Warn("offset mirror disabled", "error", err)
		} else {
			defer rdb.Close()
			checker.RegisterOptional("redis", rdb.Ping)
			tracker := progress.NewTracker(rdb, cfg.Redis.KeyPrefix, cfg.Kafka.ConsumerGroup)
			if positions, err := tracker.Positions(ctx, cfg.Kafka.Topic); err != nil {
				slog.Warn("failed to read mirrored offsets", "error", err)
			} else {
				slog.Info("last mirrored offsets", "key", tracker.Key(cfg.Kafka.Topic), "partitions", positions)
			}
			opts.Progress = tracker
		}
	}

	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port, checker)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}()
	}

	log := kafka.NewConsumer(cfg.Kafka, cfg.Consumer, m)
	defer func() {
		if err := log.Close(); err != nil {
			slog.Error("failed to close kafka consumer", "error", err)
		}
	}()

	return consumer.New(log, index, m, opts).Run(ctx)
}
