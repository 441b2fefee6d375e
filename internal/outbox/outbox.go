// Package outbox implements the transactional outbox: domain events are
// inserted on the caller's open transaction so an event exists iff the
// mutation that produced it committed. The relay drains unpublished rows to
// the stream.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/journalkit/journalkit/internal/event"
	"github.com/journalkit/journalkit/pkg/postgres"
)

// Row is one recorded outbox event. ID is monotonic and orders the relay's
// work queue; PublishedAt transitions null to non-null exactly once.
type Row struct {
	ID          int64
	EventID     uuid.UUID
	AggregateID uuid.UUID
	EventType   event.Type
	Payload     []byte
	OccurredAt  time.Time
	PublishedAt sql.NullTime
}

// Envelope reconstructs the wire form of the row for publication.
func (r Row) Envelope() event.Envelope {
	return event.Envelope{
		EventID:     r.EventID,
		AggregateID: r.AggregateID,
		EventType:   r.EventType,
		OccurredAt:  r.OccurredAt,
		Payload:     json.RawMessage(r.Payload),
	}
}

// RecordEvent inserts an outbox row on the caller's open transaction. It
// never opens its own transaction: if the enclosing mutation rolls back, the
// event rolls back with it.
func RecordEvent(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	env, err := ev.Envelope()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_events (event_id, aggregate_id, event_type, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		env.EventID, env.AggregateID, string(env.EventType), []byte(env.Payload), env.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("inserting outbox event: %w", err)
	}
	return nil
}

// Store provides the relay's view of the outbox table.
type Store struct {
	db *postgres.Client
}

// NewStore creates a Store over the given database client.
func NewStore(db *postgres.Client) *Store {
	return &Store{db: db}
}

// NextBatch returns up to limit unpublished rows ordered by id.
func (s *Store) NextBatch(ctx context.Context, limit int) ([]Row, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, event_id, aggregate_id, event_type, payload, occurred_at, published_at
		 FROM outbox_events
		 WHERE published_at IS NULL
		 ORDER BY id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting unpublished events: %w", err)
	}
	defer rows.Close()

	var batch []Row
	for rows.Next() {
		var r Row
		var eventType string
		if err := rows.Scan(&r.ID, &r.EventID, &r.AggregateID, &eventType, &r.Payload, &r.OccurredAt, &r.PublishedAt); err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		r.EventType = event.Type(eventType)
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox rows: %w", err)
	}
	return batch, nil
}

// MarkPublished records the confirmed publish time for one row in a small
// separate transaction. The null check keeps the null-to-non-null transition
// one-way even if two relay instances race on the same row.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox_events SET published_at = NOW()
			 WHERE id = $1 AND published_at IS NULL`, id)
		if err != nil {
			return fmt.Errorf("marking event %d published: %w", id, err)
		}
		return nil
	})
}

// UnpublishedStats reports the backlog size and the age of the oldest
// unpublished row, for the stuck-row alert.
func (s *Store) UnpublishedStats(ctx context.Context) (count int64, oldestAge time.Duration, err error) {
	var oldest sql.NullTime
	err = s.db.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(occurred_at) FROM outbox_events WHERE published_at IS NULL`,
	).Scan(&count, &oldest)
	if err != nil {
		return 0, 0, fmt.Errorf("querying outbox backlog: %w", err)
	}
	if oldest.Valid {
		oldestAge = time.Since(oldest.Time)
	}
	return count, oldestAge, nil
}
