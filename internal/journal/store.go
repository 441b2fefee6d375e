package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/journalkit/journalkit/internal/event"
	"github.com/journalkit/journalkit/internal/outbox"
	apperrors "github.com/journalkit/journalkit/pkg/errors"
	"github.com/journalkit/journalkit/pkg/metrics"
	"github.com/journalkit/journalkit/pkg/postgres"
)

// Store persists entries and records the matching outbox event in the same
// transaction as every mutation.
type Store struct {
	db      *postgres.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewStore creates a Store. metrics may be nil.
func NewStore(db *postgres.Client, m *metrics.Metrics) *Store {
	return &Store{
		db:      db,
		metrics: m,
		logger:  slog.Default().With("component", "entry-store"),
	}
}

// Create inserts a new entry at version 1 and records entry.created.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Entry, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperrors.New(apperrors.ErrInvalidInput, 400, "title is required")
	}

	entry := &Entry{
		ID:      uuid.New(),
		Title:   title,
		Body:    req.Body,
		Version: 1,
	}
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO entries (id, title, body, version)
			 VALUES ($1, $2, $3, $4)
			 RETURNING created_at, updated_at`,
			entry.ID, entry.Title, entry.Body, entry.Version,
		).Scan(&entry.CreatedAt, &entry.UpdatedAt)
		if err != nil {
			return fmt.Errorf("inserting entry: %w", err)
		}
		return outbox.RecordEvent(ctx, tx,
			event.NewEvent(event.TypeEntryCreated, entry.ID, entry.Version, entry.Title, entry.Body))
	})
	if err != nil {
		return nil, err
	}
	s.recordEventMetric(event.TypeEntryCreated)
	s.logger.Info("entry created", "entry_id", entry.ID)
	return entry, nil
}

// Update applies changes under optimistic locking: the write is rejected
// with ErrVersionConflict if expectedVersion is stale, never merged.
func (s *Store) Update(ctx context.Context, id uuid.UUID, expectedVersion int64, changes Changes) (*Entry, error) {
	if changes.Empty() {
		return nil, apperrors.New(apperrors.ErrInvalidInput, 400, "no changes supplied")
	}

	var entry *Entry
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		current, err := lockEntry(ctx, tx, id, expectedVersion)
		if err != nil {
			return err
		}
		if changes.Title != nil {
			current.Title = strings.TrimSpace(*changes.Title)
			if current.Title == "" {
				return apperrors.New(apperrors.ErrInvalidInput, 400, "title cannot be empty")
			}
		}
		if changes.Body != nil {
			current.Body = *changes.Body
		}
		current.Version++
		err = tx.QueryRowContext(ctx,
			`UPDATE entries SET title = $2, body = $3, version = $4, updated_at = NOW()
			 WHERE id = $1
			 RETURNING updated_at`,
			id, current.Title, current.Body, current.Version,
		).Scan(&current.UpdatedAt)
		if err != nil {
			return fmt.Errorf("updating entry: %w", err)
		}
		entry = current
		return outbox.RecordEvent(ctx, tx,
			event.NewEvent(event.TypeEntryUpdated, id, current.Version, current.Title, current.Body))
	})
	if err != nil {
		return nil, err
	}
	s.recordEventMetric(event.TypeEntryUpdated)
	s.logger.Info("entry updated", "entry_id", id, "version", entry.Version)
	return entry, nil
}

// Delete soft-deletes the entry, bumps its version, and records
// entry.deleted. The row is never physically removed.
func (s *Store) Delete(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		current, err := lockEntry(ctx, tx, id, expectedVersion)
		if err != nil {
			return err
		}
		current.Version++
		_, err = tx.ExecContext(ctx,
			`UPDATE entries SET deleted = TRUE, version = $2, updated_at = NOW()
			 WHERE id = $1`,
			id, current.Version,
		)
		if err != nil {
			return fmt.Errorf("deleting entry: %w", err)
		}
		return outbox.RecordEvent(ctx, tx,
			event.NewEvent(event.TypeEntryDeleted, id, current.Version, "", ""))
	})
	if err != nil {
		return err
	}
	s.recordEventMetric(event.TypeEntryDeleted)
	s.logger.Info("entry deleted", "entry_id", id)
	return nil
}

// Get returns the entry by id, including soft-deleted ones. The indexing
// consumer relies on this to fetch current text rather than trusting stale
// event payloads.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	var entry Entry
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id, title, body, version, deleted, created_at, updated_at
		 FROM entries WHERE id = $1`, id,
	).Scan(&entry.ID, &entry.Title, &entry.Body, &entry.Version, &entry.Deleted, &entry.CreatedAt, &entry.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrEntryNotFound, 404, "entry %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying entry: %w", err)
	}
	return &entry, nil
}

// lockEntry loads and row-locks the entry, verifying the caller's expected
// version. Mutating a soft-deleted entry is reported as not found.
func lockEntry(ctx context.Context, tx *sql.Tx, id uuid.UUID, expectedVersion int64) (*Entry, error) {
	var entry Entry
	err := tx.QueryRowContext(ctx,
		`SELECT id, title, body, version, deleted, created_at, updated_at
		 FROM entries WHERE id = $1
		 FOR UPDATE`, id,
	).Scan(&entry.ID, &entry.Title, &entry.Body, &entry.Version, &entry.Deleted, &entry.CreatedAt, &entry.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrEntryNotFound, 404, "entry %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("locking entry: %w", err)
	}
	if entry.Deleted {
		return nil, apperrors.Newf(apperrors.ErrEntryNotFound, 404, "entry %s is deleted", id)
	}
	if entry.Version != expectedVersion {
		return nil, apperrors.Newf(apperrors.ErrVersionConflict, 409,
			"expected version %d, current is %d", expectedVersion, entry.Version)
	}
	return &entry, nil
}

func (s *Store) recordEventMetric(t event.Type) {
	if s.metrics != nil {
		s.metrics.OutboxEventsRecorded.WithLabelValues(string(t)).Inc()
	}
}
