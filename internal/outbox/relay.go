package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/journalkit/journalkit/pkg/config"
	"github.com/journalkit/journalkit/pkg/kafka"
	"github.com/journalkit/journalkit/pkg/metrics"
)

// Source is the relay's view of the durable work queue. *Store satisfies it.
type Source interface {
	NextBatch(ctx context.Context, limit int) ([]Row, error)
	MarkPublished(ctx context.Context, id int64) error
	UnpublishedStats(ctx context.Context) (int64, time.Duration, error)
}

// Publisher publishes one envelope to the stream. *kafka.Producer is adapted
// to it in cmd/relay.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Relay drains unpublished outbox rows to the stream. Publishing and marking
// are separate steps, so a crash between them republishes the event on the
// next poll; consumers absorb the duplicate through their version guard.
type Relay struct {
	source    Source
	publisher Publisher
	topics    config.KafkaTopics
	cfg       config.RelayConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRelay creates a Relay. metrics may be nil.
func NewRelay(source Source, publisher Publisher, topics config.KafkaTopics, cfg config.RelayConfig, m *metrics.Metrics) *Relay {
	return &Relay{
		source:    source,
		publisher: publisher,
		topics:    topics,
		cfg:       cfg,
		metrics:   m,
		logger:    slog.Default().With("component", "outbox-relay"),
	}
}

// Run polls the outbox until ctx is cancelled. Crashes are safe to resume
// from: unpublished rows are the durable work queue.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started", "poll_interval", r.cfg.PollInterval, "batch_size", r.cfg.BatchSize)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
		}
		if n, err := r.Drain(ctx); err != nil {
			r.logger.Error("drain failed", "error", err)
		} else if n > 0 {
			r.logger.Debug("batch drained", "published", n)
		}
		r.reportBacklog(ctx)
	}
}

// Drain publishes one batch of unpublished rows and returns how many were
// confirmed. A publish failure leaves the row for the next poll and does not
// block later rows for other entries.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	batch, err := r.source.NextBatch(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, row := range batch {
		topic := row.EventType.Topic(r.topics)
		if topic == "" {
			// Unknown types cannot be published; skip so the backlog alert
			// surfaces them instead of the loop wedging.
			r.logger.Error("outbox row with unknown event type", "id", row.ID, "event_type", row.EventType)
			continue
		}
		pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
		start := time.Now()
		err := r.publisher.Publish(pubCtx, kafka.Event{
			Topic: topic,
			Key:   row.AggregateID.String(),
			Value: row.Envelope(),
		})
		cancel()
		if r.metrics != nil {
			r.metrics.RelayPublishDuration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if r.metrics != nil {
				r.metrics.OutboxPublishedTotal.WithLabelValues(string(row.EventType), "error").Inc()
			}
			r.logger.Warn("publish failed, will retry next poll",
				"id", row.ID,
				"event_id", row.EventID,
				"error", err,
			)
			continue
		}
		if err := r.source.MarkPublished(ctx, row.ID); err != nil {
			// The broker has the event but the row stays unpublished; the
			// next poll republishes and downstream idempotency absorbs it.
			r.logger.Warn("publish confirmed but mark failed", "id", row.ID, "error", err)
			continue
		}
		if r.metrics != nil {
			r.metrics.OutboxPublishedTotal.WithLabelValues(string(row.EventType), "ok").Inc()
		}
		published++
	}
	return published, nil
}

// reportBacklog exports backlog gauges and logs when the oldest unpublished
// row exceeds the configured stuck age.
func (r *Relay) reportBacklog(ctx context.Context) {
	count, oldestAge, err := r.source.UnpublishedStats(ctx)
	if err != nil {
		r.logger.Error("backlog stats failed", "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.OutboxUnpublished.Set(float64(count))
		r.metrics.OutboxOldestAge.Set(oldestAge.Seconds())
	}
	if r.cfg.StuckAge > 0 && oldestAge > r.cfg.StuckAge {
		r.logger.Warn("outbox event stuck beyond threshold",
			"oldest_age", oldestAge,
			"threshold", r.cfg.StuckAge,
			"backlog", count,
		)
	}
}
