package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/journalkit/journalkit/internal/event"
	"github.com/journalkit/journalkit/internal/search"
	"github.com/journalkit/journalkit/pkg/config"
	"github.com/journalkit/journalkit/pkg/kafka"
	"github.com/journalkit/journalkit/pkg/metrics"
)

// DeadLetter is the payload written to the dead-letter subject when a
// message exceeds its redelivery budget or fails permanently. Attempts
// carries the consumer-side delivery count (Kafka brokers do not track one).
type DeadLetter struct {
	Envelope event.Envelope  `json:"envelope"`
	Raw      json.RawMessage `json:"raw,omitempty"`
	Reason   string          `json:"reason"`
	Class    string          `json:"class"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}

// Publisher writes dead letters to the stream. *kafka.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Consumer drives the Processor from the stream: it decodes each message,
// retries transient failures with exponential backoff up to MaxDeliver, and
// routes exhausted or permanently failed messages to the dead-letter subject.
// The underlying offset is committed only after the message is resolved
// (processed, no-oped, or dead-lettered), never on an in-flight failure.
type Consumer struct {
	processor *Processor
	producer  Publisher
	cache     *search.QueryCache
	cfg       config.IndexerConfig
	topics    config.KafkaTopics
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewConsumer creates a Consumer. cache and metrics may be nil.
func NewConsumer(processor *Processor, producer Publisher, cache *search.QueryCache, cfg config.IndexerConfig, topics config.KafkaTopics, m *metrics.Metrics) *Consumer {
	return &Consumer{
		processor: processor,
		producer:  producer,
		cache:     cache,
		cfg:       cfg,
		topics:    topics,
		metrics:   m,
		logger:    slog.Default().With("component", "embedding-consumer"),
	}
}

// Handle returns the kafka.MessageHandler for entry-change subjects. A nil
// return acknowledges the message; a non-nil return leaves it uncommitted
// for redelivery (used only when even dead-lettering failed, or on shutdown).
func (c *Consumer) Handle() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		ev, err := event.Decode(value)
		if err != nil {
			c.logger.Error("malformed event",
				"key", string(key),
				"error", err,
			)
			return c.deadLetter(ctx, DeadLetter{
				Raw:      json.RawMessage(value),
				Reason:   err.Error(),
				Class:    ClassPermanent.String(),
				Attempts: 0,
				FailedAt: time.Now().UTC(),
			})
		}
		return c.process(ctx, ev)
	}
}

func (c *Consumer) process(ctx context.Context, ev event.Event) error {
	backoff := c.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxDeliver; attempt++ {
		procCtx, cancel := context.WithTimeout(ctx, c.cfg.ProcessTimeout)
		outcome, err := c.processor.Process(procCtx, ev)
		cancel()

		if err == nil {
			c.recordOutcome(ev, outcome)
			if outcome != OutcomeNoop {
				c.invalidateCache(ctx)
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// Shutting down; leave the offset uncommitted so the message is
			// redelivered to another group member.
			return ctx.Err()
		}
		if Classify(err) == ClassPermanent {
			c.logger.Error("permanent processing failure",
				"event_id", ev.ID,
				"entry_id", ev.EntryID,
				"error", err,
			)
			return c.deadLetterEvent(ctx, ev, err, ClassPermanent, attempt)
		}

		c.recordOutcome(ev, "retried")
		c.logger.Warn("transient processing failure",
			"event_id", ev.ID,
			"entry_id", ev.EntryID,
			"attempt", attempt,
			"max_deliver", c.cfg.MaxDeliver,
			"error", err,
		)
		if attempt == c.cfg.MaxDeliver {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if c.cfg.MaxBackoff > 0 && backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	c.logger.Error("redelivery budget exhausted",
		"event_id", ev.ID,
		"entry_id", ev.EntryID,
		"attempts", c.cfg.MaxDeliver,
		"error", lastErr,
	)
	return c.deadLetterEvent(ctx, ev, lastErr, ClassTransient, c.cfg.MaxDeliver)
}

func (c *Consumer) deadLetterEvent(ctx context.Context, ev event.Event, cause error, class Class, attempts int) error {
	env, err := ev.Envelope()
	if err != nil {
		return fmt.Errorf("rebuilding envelope for dead letter: %w", err)
	}
	return c.deadLetter(ctx, DeadLetter{
		Envelope: env,
		Reason:   cause.Error(),
		Class:    class.String(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	})
}

// deadLetter publishes to the dead-letter subject. A publish failure is
// returned so the original offset stays uncommitted; losing the message
// entirely would violate at-least-once.
func (c *Consumer) deadLetter(ctx context.Context, dl DeadLetter) error {
	key := dl.Envelope.AggregateID.String()
	if err := c.producer.Publish(ctx, kafka.Event{
		Topic: c.topics.DeadLetter,
		Key:   key,
		Value: dl,
	}); err != nil {
		return fmt.Errorf("publishing dead letter: %w", err)
	}
	if c.metrics != nil {
		c.metrics.DeadLettersTotal.WithLabelValues(dl.Class).Inc()
		c.metrics.EventsProcessedTotal.WithLabelValues(string(dl.Envelope.EventType), "dead_letter").Inc()
	}
	c.logger.Warn("event dead-lettered",
		"event_id", dl.Envelope.EventID,
		"class", dl.Class,
		"attempts", dl.Attempts,
	)
	return nil
}

func (c *Consumer) recordOutcome(ev event.Event, outcome Outcome) {
	if c.metrics != nil {
		c.metrics.EventsProcessedTotal.WithLabelValues(string(ev.Type), string(outcome)).Inc()
	}
}

// invalidateCache drops cached search results after an index write so reads
// converge quickly. Failures are logged, never propagated: the cache TTL is
// the fallback.
func (c *Consumer) invalidateCache(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx); err != nil {
		c.logger.Warn("cache invalidation failed", "error", err)
	}
}
