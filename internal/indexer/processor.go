// Package indexer consumes entry-change events and maintains the derived
// search index: it computes embeddings, recomputes lexical state, and applies
// version-guarded writes so redelivered and out-of-order events are no-ops.
package indexer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/journalkit/journalkit/internal/embedding"
	"github.com/journalkit/journalkit/internal/event"
	"github.com/journalkit/journalkit/internal/journal"
	"github.com/journalkit/journalkit/pkg/tracing"
)

// Outcome describes what processing one event did to the index.
type Outcome string

const (
	OutcomeIndexed    Outcome = "indexed"
	OutcomeTombstoned Outcome = "tombstoned"
	OutcomeNoop       Outcome = "noop"
)

// EntrySource fetches the current entry state. *journal.Store satisfies it.
type EntrySource interface {
	Get(ctx context.Context, id uuid.UUID) (*journal.Entry, error)
}

// IndexWriter is the processor's write-side view of the search index.
// *search.IndexStore satisfies it.
type IndexWriter interface {
	CurrentVersion(ctx context.Context, entryID uuid.UUID) (int64, bool, error)
	Upsert(ctx context.Context, entryID uuid.UUID, version int64, title, body string, vector []float32) (bool, error)
	Tombstone(ctx context.Context, entryID uuid.UUID, version int64) (bool, error)
}

// Processor applies one decoded event to the search index. It is pure
// pipeline logic with no stream coupling, so it also backs the synchronous
// reindex trigger.
type Processor struct {
	entries  EntrySource
	index    IndexWriter
	embedder embedding.Provider
	logger   *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(entries EntrySource, index IndexWriter, embedder embedding.Provider) *Processor {
	return &Processor{
		entries:  entries,
		index:    index,
		embedder: embedder,
		logger:   slog.Default().With("component", "index-processor"),
	}
}

// Process applies ev to the index. Processing is idempotent per
// (entry id, content version): an event at or below the indexed version is
// acknowledged as a no-op, which is what makes at-least-once delivery and
// cross-partition reordering safe.
func (p *Processor) Process(ctx context.Context, ev event.Event) (outcome Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "indexer.process", ev.ID.String())
	span.SetAttr("entry_id", ev.EntryID.String())
	span.SetAttr("event_type", string(ev.Type))
	defer func() {
		span.SetAttr("outcome", string(outcome))
		span.End()
		span.Log()
	}()

	indexed, ok, err := p.index.CurrentVersion(ctx, ev.EntryID)
	if err != nil {
		return OutcomeNoop, err
	}
	if ok && indexed >= ev.Version {
		p.logger.Debug("event older than indexed version, skipping",
			"entry_id", ev.EntryID,
			"event_version", ev.Version,
			"indexed_version", indexed,
		)
		return OutcomeNoop, nil
	}

	if ev.Type == event.TypeEntryDeleted {
		applied, err := p.index.Tombstone(ctx, ev.EntryID, ev.Version)
		if err != nil {
			return OutcomeNoop, err
		}
		if !applied {
			return OutcomeNoop, nil
		}
		return OutcomeTombstoned, nil
	}

	// The entry is fetched fresh rather than trusted from the payload:
	// rapid successive edits may have advanced it past the event version,
	// and indexing the newest text makes the older events no-ops.
	entry, err := p.entries.Get(ctx, ev.EntryID)
	if err != nil {
		return OutcomeNoop, fmt.Errorf("fetching entry %s: %w", ev.EntryID, err)
	}
	return p.indexEntry(ctx, entry)
}

// Reindex recomputes the index record for one entry synchronously. It backs
// the manual trigger used when automatic indexing has not yet run.
func (p *Processor) Reindex(ctx context.Context, entryID uuid.UUID) (Outcome, error) {
	entry, err := p.entries.Get(ctx, entryID)
	if err != nil {
		return OutcomeNoop, err
	}
	return p.indexEntry(ctx, entry)
}

func (p *Processor) indexEntry(ctx context.Context, entry *journal.Entry) (Outcome, error) {
	if entry.Deleted {
		applied, err := p.index.Tombstone(ctx, entry.ID, entry.Version)
		if err != nil {
			return OutcomeNoop, err
		}
		if !applied {
			return OutcomeNoop, nil
		}
		return OutcomeTombstoned, nil
	}

	embedCtx, embedSpan := tracing.StartChildSpan(ctx, "embedding.embed")
	vector, err := p.embedder.Embed(embedCtx, embeddingInput(entry.Title, entry.Body))
	embedSpan.End()
	if err != nil {
		return OutcomeNoop, fmt.Errorf("embedding entry %s: %w", entry.ID, err)
	}
	upsertCtx, upsertSpan := tracing.StartChildSpan(ctx, "index.upsert")
	applied, err := p.index.Upsert(upsertCtx, entry.ID, entry.Version, entry.Title, entry.Body, vector)
	upsertSpan.End()
	if err != nil {
		return OutcomeNoop, fmt.Errorf("upserting index record for %s: %w", entry.ID, err)
	}
	if !applied {
		return OutcomeNoop, nil
	}
	p.logger.Info("entry indexed",
		"entry_id", entry.ID,
		"content_version", entry.Version,
	)
	return OutcomeIndexed, nil
}

// embeddingInput joins title and body into the text handed to the provider.
func embeddingInput(title, body string) string {
	if title == "" {
		return body
	}
	return title + "\n\n" + body
}
