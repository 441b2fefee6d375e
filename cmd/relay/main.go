package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/journalkit/journalkit/internal/outbox"
	"github.com/journalkit/journalkit/pkg/config"
	"github.com/journalkit/journalkit/pkg/kafka"
	"github.com/journalkit/journalkit/pkg/logger"
	"github.com/journalkit/journalkit/pkg/metrics"
	"github.com/journalkit/journalkit/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting outbox relay",
		"poll_interval", cfg.Relay.PollInterval,
		"batch_size", cfg.Relay.BatchSize,
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	producer := kafka.NewProducer(cfg.Kafka)
	defer producer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := outbox.NewRelay(outbox.NewStore(db), producer, cfg.Kafka.Topics, cfg.Relay, m)
	if err := relay.Run(ctx); err != nil {
		slog.Error("relay error", "error", err)
		os.Exit(1)
	}

	slog.Info("outbox relay stopped")
}
