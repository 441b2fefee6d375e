package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/journalkit/journalkit/internal/embedding"
	"github.com/journalkit/journalkit/internal/indexer"
	"github.com/journalkit/journalkit/internal/journal"
	"github.com/journalkit/journalkit/internal/search"
	"github.com/journalkit/journalkit/pkg/config"
	"github.com/journalkit/journalkit/pkg/kafka"
	"github.com/journalkit/journalkit/pkg/logger"
	"github.com/journalkit/journalkit/pkg/metrics"
	"github.com/journalkit/journalkit/pkg/postgres"
	pkgredis "github.com/journalkit/journalkit/pkg/redis"
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
	slog.Info("starting embedding consumer",
		"workers", cfg.Indexer.Workers,
		"max_deliver", cfg.Indexer.MaxDeliver,
		"group", cfg.Kafka.ConsumerGroup,
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

	var queryCache *search.QueryCache
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, cache invalidation disabled", "error", err)
	} else {
		defer redisClient.Close()
		queryCache = search.NewQueryCache(redisClient, cfg.Redis)
	}

	embedder := embedding.NewOpenAIProvider(cfg.Embedding, m)
	store := journal.NewStore(db, nil)
	indexStore := search.NewIndexStore(db, m)
	processor := indexer.NewProcessor(store, indexStore, embedder)

	producer := kafka.NewProducer(cfg.Kafka)
	defer producer.Close()

	consumer := indexer.NewConsumer(processor, producer, queryCache, cfg.Indexer, cfg.Kafka.Topics, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Each worker is an independent consumer-group member; a slow embedding
	// call in one stalls neither the relay nor its siblings.
	g, gctx := errgroup.WithContext(ctx)
	topics := cfg.Kafka.Topics.EntrySubjects()
	for i := 0; i < cfg.Indexer.Workers; i++ {
		worker := kafka.NewConsumer(cfg.Kafka, topics, consumer.Handle())
		g.Go(func() error {
			return worker.Start(gctx)
		})
	}

	slog.Info("embedding consumer ready", "topics", topics)
	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("consumer error", "error", err)
		os.Exit(1)
	}

	slog.Info("embedding consumer stopped")
}
