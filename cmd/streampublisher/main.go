// Command streampublisher forwards the upstream server-sent-event stream to
// the Kafka topic, one record per content line.
//
// The publisher reconnects after a fixed backoff whenever the stream drops
// and runs until SIGINT/SIGTERM. Metrics and health endpoints are served on
// the metrics port when enabled.
//
// Usage:
//
//	go run ./cmd/streampublisher [-config configs/development.yaml]
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

	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/internal/ingestion/stream"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/stream-index-pipeline/pkg/metrics"
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
	slog.Info("starting stream publisher",
		"url", cfg.Stream.URL,
		"topic", cfg.Kafka.Topic,
		"brokers", cfg.Kafka.Brokers,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)

	checker := health.NewChecker()
	checker.Register("kafka", func(ctx context.Context) error {
		return kafka.Ping(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
	})
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

	producer := kafka.NewProducer(cfg.Kafka, m)
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to flush kafka producer", "error", err)
		}
	}()
	slog.Info("kafka producer initialized", "topic", cfg.Kafka.Topic)

	source := stream.NewClient(cfg.Stream, nil)
	pub := publisher.New(source, producer, m, publisher.Options{
		Backoff:               cfg.Stream.ReconnectBackoff,
		ResumeFromLastEventID: cfg.Stream.ResumeFromLastEventID,
	})
	pub.Run(ctx)

	slog.Info("stream publisher stopped")
}
