// Package event defines the domain events emitted by entry mutations and
// their wire format on the stream. Event kinds form a closed enum; payloads
// are decoded and validated exactly once, at the stream boundary.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/journalkit/journalkit/pkg/config"
	apperrors "github.com/journalkit/journalkit/pkg/errors"
	"github.com/journalkit/journalkit/pkg/kafka"
)

// Type identifies the kind of an entry-change event.
type Type string

const (
	TypeEntryCreated Type = "entry.created"
	TypeEntryUpdated Type = "entry.updated"
	TypeEntryDeleted Type = "entry.deleted"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeEntryCreated, TypeEntryUpdated, TypeEntryDeleted:
		return true
	}
	return false
}

// Topic returns the stream subject for this event type.
func (t Type) Topic(topics config.KafkaTopics) string {
	switch t {
	case TypeEntryCreated:
		return topics.EntryCreated
	case TypeEntryUpdated:
		return topics.EntryUpdated
	case TypeEntryDeleted:
		return topics.EntryDeleted
	}
	return ""
}

// EntryPayload carries the entry state needed to (re)compute derived index
// data. Deleted events omit Title and Body.
type EntryPayload struct {
	EntryID uuid.UUID `json:"entry_id"`
	Version int64     `json:"version"`
	Title   string    `json:"title,omitempty"`
	Body    string    `json:"body,omitempty"`
}

// Envelope is the wire form of an outbox event once handed to the stream.
// EventID doubles as the deduplication key for downstream consumers.
type Envelope struct {
	EventID     uuid.UUID       `json:"event_id"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	EventType   Type            `json:"event_type"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Event is the decoded, typed form of a stream message.
type Event struct {
	ID         uuid.UUID
	EntryID    uuid.UUID
	Type       Type
	Version    int64
	Title      string
	Body       string
	OccurredAt time.Time
}

// NewEvent builds a typed event for an entry mutation.
func NewEvent(t Type, entryID uuid.UUID, version int64, title, body string) Event {
	e := Event{
		ID:         uuid.New(),
		EntryID:    entryID,
		Type:       t,
		Version:    version,
		OccurredAt: time.Now().UTC(),
	}
	if t != TypeEntryDeleted {
		e.Title = title
		e.Body = body
	}
	return e
}

// Envelope converts the event to its wire form.
func (e Event) Envelope() (Envelope, error) {
	payload, err := json.Marshal(EntryPayload{
		EntryID: e.EntryID,
		Version: e.Version,
		Title:   e.Title,
		Body:    e.Body,
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling event payload: %w", err)
	}
	return Envelope{
		EventID:     e.ID,
		AggregateID: e.EntryID,
		EventType:   e.Type,
		OccurredAt:  e.OccurredAt,
		Payload:     payload,
	}, nil
}

// Decode parses and validates a stream message body into a typed Event.
// Any violation is reported as ErrMalformedEvent so the consumer can
// dead-letter it without burning redelivery budget.
func Decode(value []byte) (Event, error) {
	env, err := kafka.DecodeJSON[Envelope](value)
	if err != nil {
		return Event{}, apperrors.Newf(apperrors.ErrMalformedEvent, 400, "decoding envelope: %v", err)
	}
	if !env.EventType.Valid() {
		return Event{}, apperrors.Newf(apperrors.ErrMalformedEvent, 400, "unknown event type %q", env.EventType)
	}
	if env.EventID == uuid.Nil {
		return Event{}, apperrors.New(apperrors.ErrMalformedEvent, 400, "missing event id")
	}
	var payload EntryPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Event{}, apperrors.Newf(apperrors.ErrMalformedEvent, 400, "decoding payload: %v", err)
	}
	if payload.EntryID == uuid.Nil {
		return Event{}, apperrors.New(apperrors.ErrMalformedEvent, 400, "missing entry id")
	}
	if payload.Version < 1 {
		return Event{}, apperrors.Newf(apperrors.ErrMalformedEvent, 400, "invalid version %d", payload.Version)
	}
	return Event{
		ID:         env.EventID,
		EntryID:    payload.EntryID,
		Type:       env.EventType,
		Version:    payload.Version,
		Title:      payload.Title,
		Body:       payload.Body,
		OccurredAt: env.OccurredAt,
	}, nil
}
