// Package search holds the derived search index access layer and the hybrid
// retrieval engine that blends lexical and vector scores.
package search

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/journalkit/journalkit/pkg/metrics"
	"github.com/journalkit/journalkit/pkg/postgres"
)

// Candidate is one scored hit from a single retrieval branch. Scores are raw
// branch scores; the hybrid engine normalises and blends them.
type Candidate struct {
	EntryID   uuid.UUID
	Score     float64
	IndexedAt time.Time
}

// IndexStore reads and writes search_index rows: one row per entry holding a
// tsvector, a fixed-dimension embedding, and the content version it was
// derived from. The embedding consumer is the only writer.
type IndexStore struct {
	db      *postgres.Client
	metrics *metrics.Metrics
}

// NewIndexStore creates an IndexStore. metrics may be nil.
func NewIndexStore(db *postgres.Client, m *metrics.Metrics) *IndexStore {
	return &IndexStore{db: db, metrics: m}
}

// CurrentVersion returns the indexed content version for the entry, with
// ok=false when the entry has never been indexed.
func (s *IndexStore) CurrentVersion(ctx context.Context, entryID uuid.UUID) (int64, bool, error) {
	var version int64
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT content_version FROM search_index WHERE entry_id = $1`, entryID,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying indexed version: %w", err)
	}
	return version, true, nil
}

// Upsert writes the derived record for an entry. The version guard makes
// concurrent workers converge on the higher version regardless of write
// order; applied=false means the stored record was already as new or newer.
func (s *IndexStore) Upsert(ctx context.Context, entryID uuid.UUID, version int64, title, body string, vector []float32) (bool, error) {
	res, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO search_index (entry_id, content_version, lexemes, embedding, deleted, indexed_at)
		 VALUES ($1, $2,
		         setweight(to_tsvector('english', $3), 'A') || to_tsvector('english', $4),
		         $5::vector, FALSE, NOW())
		 ON CONFLICT (entry_id) DO UPDATE
		 SET content_version = EXCLUDED.content_version,
		     lexemes         = EXCLUDED.lexemes,
		     embedding       = EXCLUDED.embedding,
		     deleted         = FALSE,
		     indexed_at      = NOW()
		 WHERE search_index.content_version < EXCLUDED.content_version`,
		entryID, version, title, body, VectorLiteral(vector),
	)
	if err != nil {
		return false, fmt.Errorf("upserting search index record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading upsert result: %w", err)
	}
	applied := n > 0
	if s.metrics != nil {
		result := "applied"
		if !applied {
			result = "stale"
		}
		s.metrics.IndexUpsertsTotal.WithLabelValues(result).Inc()
	}
	return applied, nil
}

// Tombstone flags the entry's record as excluded from retrieval. A tombstone
// row is written even if the entry was never indexed, so a late-arriving
// older change event stays a no-op against the version guard.
func (s *IndexStore) Tombstone(ctx context.Context, entryID uuid.UUID, version int64) (bool, error) {
	res, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO search_index (entry_id, content_version, lexemes, embedding, deleted, indexed_at)
		 VALUES ($1, $2, NULL, NULL, TRUE, NOW())
		 ON CONFLICT (entry_id) DO UPDATE
		 SET content_version = EXCLUDED.content_version,
		     lexemes         = NULL,
		     embedding       = NULL,
		     deleted         = TRUE,
		     indexed_at      = NOW()
		 WHERE search_index.content_version < EXCLUDED.content_version`,
		entryID, version,
	)
	if err != nil {
		return false, fmt.Errorf("tombstoning search index record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading tombstone result: %w", err)
	}
	return n > 0, nil
}

// Lexical runs a ranked full-text query and returns up to limit candidates.
// Tombstoned entries are filtered here as the query-time backstop.
func (s *IndexStore) Lexical(ctx context.Context, query string, limit int) ([]Candidate, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT entry_id, ts_rank_cd(lexemes, q) AS rank, indexed_at
		 FROM search_index, plainto_tsquery('english', $1) q
		 WHERE NOT deleted AND lexemes @@ q
		 ORDER BY rank DESC, indexed_at DESC
		 LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical query: %w", err)
	}
	return scanCandidates(rows)
}

// Vector runs an approximate-nearest-neighbour query over the embedding
// column and returns candidates scored by cosine similarity.
func (s *IndexStore) Vector(ctx context.Context, vector []float32, limit int) ([]Candidate, error) {
	lit := VectorLiteral(vector)
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT entry_id, 1 - (embedding <=> $1::vector) AS similarity, indexed_at
		 FROM search_index
		 WHERE NOT deleted AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $2`, lit, limit)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	return scanCandidates(rows)
}

func scanCandidates(rows *sql.Rows) ([]Candidate, error) {
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.EntryID, &c.Score, &c.IndexedAt); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		if c.Score < 0 {
			c.Score = 0
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating candidates: %w", err)
	}
	return out, nil
}

// VectorLiteral formats a float32 slice as a pgvector input literal.
func VectorLiteral(vector []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vector {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
