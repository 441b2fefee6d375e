package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
	"github.com/journalkit/journalkit/internal/embedding"
	"github.com/journalkit/journalkit/pkg/config"
	apperrors "github.com/journalkit/journalkit/pkg/errors"
	"github.com/journalkit/journalkit/pkg/metrics"
)

// Result is one ranked hit of a hybrid query.
type Result struct {
	EntryID   uuid.UUID `json:"entry_id"`
	Score     float64   `json:"score"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Index is the engine's read-side view of the search index.
type Index interface {
	Lexical(ctx context.Context, query string, limit int) ([]Candidate, error)
	Vector(ctx context.Context, vector []float32, limit int) ([]Candidate, error)
}

// Engine executes hybrid queries: both retrieval branches run concurrently,
// scores are normalised per branch, and blended by the alpha weight.
type Engine struct {
	index    Index
	embedder embedding.Provider
	cache    *QueryCache
	cfg      config.SearchConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewEngine creates an Engine. cache and metrics may be nil.
func NewEngine(index Index, embedder embedding.Provider, cache *QueryCache, cfg config.SearchConfig, m *metrics.Metrics) *Engine {
	return &Engine{
		index:    index,
		embedder: embedder,
		cache:    cache,
		cfg:      cfg,
		metrics:  m,
		logger:   slog.Default().With("component", "hybrid-search"),
	}
}

// Search returns the top k entries for the query, ranked by
// alpha*vectorScore + (1-alpha)*lexicalScore. alpha=0 degrades to pure
// lexical retrieval (no embedding call is made); alpha=1 to pure vector.
func (e *Engine) Search(ctx context.Context, query string, k int, alpha float64) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.New(apperrors.ErrInvalidInput, 400, "query is required")
	}
	if alpha < 0 || alpha > 1 {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 400, "alpha %v outside [0,1]", alpha)
	}
	if k <= 0 {
		k = e.cfg.DefaultLimit
	}
	if e.cfg.MaxResults > 0 && k > e.cfg.MaxResults {
		k = e.cfg.MaxResults
	}

	start := time.Now()
	cacheStatus := "disabled"
	compute := func() ([]Result, error) { return e.execute(ctx, query, k, alpha) }

	var results []Result
	var err error
	if e.cache != nil {
		var hit bool
		results, hit, err = e.cache.GetOrCompute(ctx, query, k, alpha, compute)
		cacheStatus = "miss"
		if hit {
			cacheStatus = "hit"
		}
	} else {
		results, err = compute()
	}

	if e.metrics != nil {
		e.metrics.SearchLatency.WithLabelValues(cacheStatus).Observe(time.Since(start).Seconds())
		if cacheStatus == "hit" {
			e.metrics.CacheHitsTotal.Inc()
		} else if cacheStatus == "miss" {
			e.metrics.CacheMissesTotal.Inc()
		}
		switch {
		case err != nil:
			e.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
		case len(results) == 0:
			e.metrics.SearchQueriesTotal.WithLabelValues("zero_result").Inc()
		case cacheStatus == "hit":
			e.metrics.SearchQueriesTotal.WithLabelValues("hit").Inc()
		default:
			e.metrics.SearchQueriesTotal.WithLabelValues("miss").Inc()
		}
	}
	return results, err
}

// CacheStats reports cumulative query-cache hits and misses. enabled is
// false when no cache is configured.
func (e *Engine) CacheStats() (hits, misses int64, enabled bool) {
	if e.cache == nil {
		return 0, 0, false
	}
	hits, misses = e.cache.Stats()
	return hits, misses, true
}

// execute runs the two branches concurrently and blends them. Each branch
// over-fetches k*2 candidates so entries strong in only one scoring space
// still survive the merge.
func (e *Engine) execute(ctx context.Context, query string, k int, alpha float64) ([]Result, error) {
	if e.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()
	}
	var (
		lexical []Candidate
		vector  []Candidate
	)
	fetch := k * 2

	g, gctx := errgroup.WithContext(ctx)
	if alpha < 1 {
		g.Go(func() error {
			var err error
			lexical, err = e.index.Lexical(gctx, query, fetch)
			return err
		})
	}
	if alpha > 0 {
		g.Go(func() error {
			queryVec, err := e.embedder.Embed(gctx, query)
			if err != nil {
				return err
			}
			vector, err = e.index.Vector(gctx, queryVec, fetch)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := Blend(lexical, vector, alpha, k)
	e.logger.Debug("query executed",
		"lexical_candidates", len(lexical),
		"vector_candidates", len(vector),
		"results", len(results),
		"alpha", alpha,
	)
	return results, nil
}

// Blend normalises each candidate set to [0,1], merges them by entry id with
// 0 for a missing component, sorts descending by combined score (ties broken
// by most-recent indexed_at, then id for determinism), and truncates to k.
func Blend(lexical, vector []Candidate, alpha float64, k int) []Result {
	type blended struct {
		lex       float64
		vec       float64
		indexedAt time.Time
	}
	merged := make(map[uuid.UUID]*blended, len(lexical)+len(vector))

	for _, c := range normalize(lexical) {
		merged[c.EntryID] = &blended{lex: c.Score, indexedAt: c.IndexedAt}
	}
	for _, c := range normalize(vector) {
		if b, ok := merged[c.EntryID]; ok {
			b.vec = c.Score
			if c.IndexedAt.After(b.indexedAt) {
				b.indexedAt = c.IndexedAt
			}
		} else {
			merged[c.EntryID] = &blended{vec: c.Score, indexedAt: c.IndexedAt}
		}
	}

	results := make([]Result, 0, len(merged))
	for id, b := range merged {
		results = append(results, Result{
			EntryID:   id,
			Score:     alpha*b.vec + (1-alpha)*b.lex,
			IndexedAt: b.indexedAt,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].IndexedAt.Equal(results[j].IndexedAt) {
			return results[i].IndexedAt.After(results[j].IndexedAt)
		}
		return results[i].EntryID.String() < results[j].EntryID.String()
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// normalize scales a candidate set to [0,1] against its top score. The two
// branches score in unrelated spaces (ts_rank vs cosine similarity), so each
// is normalised independently before blending.
func normalize(candidates []Candidate) []Candidate {
	if len(candidates) == 0 {
		return candidates
	}
	max := candidates[0].Score
	for _, c := range candidates[1:] {
		if c.Score > max {
			max = c.Score
		}
	}
	if max <= 0 {
		return candidates
	}
	out := make([]Candidate, len(candidates))
	for i, c := range candidates {
		c.Score = c.Score / max
		out[i] = c
	}
	return out
}
