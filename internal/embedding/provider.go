// Package embedding computes text embeddings through an OpenAI-compatible
// API. Calls are bounded by a per-request timeout and guarded by a circuit
// breaker so a dead provider fails fast instead of stalling consumer workers.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/journalkit/journalkit/pkg/config"
	apperrors "github.com/journalkit/journalkit/pkg/errors"
	"github.com/journalkit/journalkit/pkg/metrics"
	"github.com/journalkit/journalkit/pkg/resilience"
)

// Provider computes a fixed-dimension embedding vector for a text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// OpenAIProvider implements Provider against any OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	timeout    time.Duration
	breaker    *resilience.CircuitBreaker
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewOpenAIProvider creates a provider from config. metrics may be nil.
func NewOpenAIProvider(cfg config.EmbeddingConfig, m *metrics.Metrics) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: cfg.Dimensions,
		timeout:    cfg.Timeout,
		breaker:    resilience.NewCircuitBreaker("embedding-provider", resilience.CircuitBreakerConfig{}),
		metrics:    m,
		logger:     slog.Default().With("component", "embedding-provider", "model", cfg.Model),
	}
}

// Dimensions returns the configured vector dimensionality.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

// Embed returns the embedding vector for text. Provider outages and
// timeouts surface as ErrEmbeddingUnavailable, which the consumer classifies
// as transient.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	start := time.Now()
	err := p.breaker.Execute(func() error {
		return resilience.WithTimeout(ctx, p.timeout, "embedding request", func(ctx context.Context) error {
			req := openai.EmbeddingRequest{
				Input:          []string{text},
				Model:          p.model,
				EncodingFormat: openai.EmbeddingEncodingFormatFloat,
			}
			if p.dimensions > 0 {
				req.Dimensions = p.dimensions
			}
			resp, err := p.client.CreateEmbeddings(ctx, req)
			if err != nil {
				return wrapAPIError(err)
			}
			if len(resp.Data) == 0 {
				return fmt.Errorf("empty embedding response: %w", apperrors.ErrEmbeddingUnavailable)
			}
			vector = resp.Data[0].Embedding
			return nil
		})
	})
	if p.metrics != nil {
		p.metrics.EmbeddingDuration.Observe(time.Since(start).Seconds())
		p.metrics.CircuitBreakerState.WithLabelValues("embedding-provider").Set(float64(p.breaker.GetState()))
	}
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrEmbeddingUnavailable, err)
		}
		return nil, err
	}
	if p.dimensions > 0 && len(vector) != p.dimensions {
		return nil, fmt.Errorf("provider returned %d dimensions, want %d: %w",
			len(vector), p.dimensions, apperrors.ErrEmbeddingUnavailable)
	}
	return vector, nil
}

// wrapAPIError maps provider errors onto the pipeline taxonomy: rate limits
// and server-side failures are retryable, other client errors are not.
func wrapAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
			return apperrors.Newf(apperrors.ErrInvalidInput, apiErr.HTTPStatusCode,
				"embedding API rejected request: %s", apiErr.Message)
		}
		return fmt.Errorf("embedding API error %d: %s: %w",
			apiErr.HTTPStatusCode, apiErr.Message, apperrors.ErrEmbeddingUnavailable)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("embedding request failed (%d): %w",
			reqErr.HTTPStatusCode, apperrors.ErrEmbeddingUnavailable)
	}
	return fmt.Errorf("embedding request failed: %w: %v", apperrors.ErrEmbeddingUnavailable, err)
}
