package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/journalkit/journalkit/internal/indexer"
	"github.com/journalkit/journalkit/internal/journal"
	"github.com/journalkit/journalkit/internal/search"
	"github.com/journalkit/journalkit/pkg/config"
	apperrors "github.com/journalkit/journalkit/pkg/errors"
	"github.com/journalkit/journalkit/pkg/logger"
)

// Searcher is the handler's view of the hybrid engine.
type Searcher interface {
	Search(ctx context.Context, query string, k int, alpha float64) ([]search.Result, error)
	CacheStats() (hits, misses int64, enabled bool)
}

// Reindexer backs the manual embed trigger.
type Reindexer interface {
	Reindex(ctx context.Context, entryID uuid.UUID) (indexer.Outcome, error)
}

// CacheInvalidator drops cached search results after an index write.
// *search.QueryCache satisfies it.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Handler is the thin HTTP surface over the mutation path and the hybrid
// search engine. Request validation beyond basic shape checks, auth, and
// content conversion live outside this service.
type Handler struct {
	store     *journal.Store
	searcher  Searcher
	reindexer Reindexer
	cache     CacheInvalidator
	cfg       config.SearchConfig
	logger    *slog.Logger
}

// NewHandler creates a Handler. cache may be nil when caching is disabled.
func NewHandler(store *journal.Store, searcher Searcher, reindexer Reindexer, cache CacheInvalidator, cfg config.SearchConfig) *Handler {
	return &Handler{
		store:     store,
		searcher:  searcher,
		reindexer: reindexer,
		cache:     cache,
		cfg:       cfg,
		logger:    slog.Default().With("component", "journal-handler"),
	}
}

// Register wires the handler's routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/entries", h.CreateEntry)
	mux.HandleFunc("GET /api/v1/entries/{id}", h.GetEntry)
	mux.HandleFunc("PUT /api/v1/entries/{id}", h.UpdateEntry)
	mux.HandleFunc("DELETE /api/v1/entries/{id}", h.DeleteEntry)
	mux.HandleFunc("POST /api/v1/entries/{id}/embed", h.EmbedEntry)
	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("GET /api/v1/search/stats", h.SearchStats)
}

func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req journal.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry, err := h.store.Create(ctx, req)
	if err != nil {
		log.Error("create failed", "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	entry, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}
	if entry.Deleted {
		h.writeError(w, http.StatusNotFound, "entry is deleted")
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		ExpectedVersion int64           `json:"expected_version"`
		Changes         journal.Changes `json:"changes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry, err := h.store.Update(ctx, id, req.ExpectedVersion, req.Changes)
	if err != nil {
		log.Warn("update failed", "entry_id", id, "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	expectedVersion, err := strconv.ParseInt(r.URL.Query().Get("expected_version"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "expected_version query parameter is required")
		return
	}
	if err := h.store.Delete(r.Context(), id, expectedVersion); err != nil {
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EmbedEntry triggers synchronous reindexing of one entry, the fallback for
// when the asynchronous pipeline has not caught up yet.
func (h *Handler) EmbedEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	outcome, err := h.reindexer.Reindex(r.Context(), id)
	if err != nil {
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}
	// The asynchronous pipeline invalidates after its own index writes;
	// the synchronous trigger has to do the same or blended results stay
	// stale until the cache TTL expires.
	if outcome != indexer.OutcomeNoop {
		h.invalidateCache(r.Context())
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// SearchStats reports cumulative query-cache counters.
func (h *Handler) SearchStats(w http.ResponseWriter, r *http.Request) {
	hits, misses, enabled := h.searcher.CacheStats()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"cache_enabled": enabled,
		"hits":          hits,
		"misses":        misses,
	})
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}

	k := h.cfg.DefaultLimit
	if kStr := r.URL.Query().Get("k"); kStr != "" {
		parsed, err := strconv.Atoi(kStr)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = parsed
	}

	alpha := h.cfg.DefaultAlpha
	if alphaStr := r.URL.Query().Get("alpha"); alphaStr != "" {
		parsed, err := strconv.ParseFloat(alphaStr, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "alpha must be a number in [0,1]")
			return
		}
		alpha = parsed
	}

	results, err := h.searcher.Search(ctx, query, k, alpha)
	if err != nil {
		log.Error("search failed", "query", query, "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"k":       k,
		"alpha":   alpha,
		"results": results,
	})
}

func (h *Handler) invalidateCache(ctx context.Context) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(ctx); err != nil {
		h.logger.Warn("cache invalidation failed", "error", err)
	}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid entry id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
