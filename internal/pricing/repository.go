package pricing

import (
	"context"
	"log/slog"
	"time"

	"github.com/open-webui/usage-engine/internal/observability"
)

const (
	sourceUpstream = "openrouter"
	sourceFallback = "fallback"
)

// fallbackPrices covers the commonly routed models so cost math keeps working
// through a full upstream outage. Prices are USD per million tokens and are
// refreshed manually when the defaults drift.
var fallbackPrices = map[string]ModelPrice{
	"openai/gpt-4o": {
		ID: "openai/gpt-4o", Name: "OpenAI GPT-4o",
		PromptPerM: 2.50, CompletionPerM: 10.00, ContextLength: 128000,
	},
	"openai/gpt-4o-mini": {
		ID: "openai/gpt-4o-mini", Name: "OpenAI GPT-4o-mini",
		PromptPerM: 0.15, CompletionPerM: 0.60, ContextLength: 128000,
	},
	"anthropic/claude-3.5-sonnet": {
		ID: "anthropic/claude-3.5-sonnet", Name: "Anthropic Claude 3.5 Sonnet",
		PromptPerM: 3.00, CompletionPerM: 15.00, ContextLength: 200000,
	},
	"anthropic/claude-3-haiku": {
		ID: "anthropic/claude-3-haiku", Name: "Anthropic Claude 3 Haiku",
		PromptPerM: 0.25, CompletionPerM: 1.25, ContextLength: 200000,
	},
	"google/gemini-flash-1.5": {
		ID: "google/gemini-flash-1.5", Name: "Google Gemini Flash 1.5",
		PromptPerM: 0.075, CompletionPerM: 0.30, ContextLength: 1000000,
	},
	"meta-llama/llama-3.1-70b-instruct": {
		ID: "meta-llama/llama-3.1-70b-instruct", Name: "Meta Llama 3.1 70B Instruct",
		PromptPerM: 0.52, CompletionPerM: 0.75, ContextLength: 131072,
	},
}

// ModelFetcher is the upstream dependency of the repository; *Client is the
// production implementation.
type ModelFetcher interface {
	FetchModels(ctx context.Context) (map[string]ModelPrice, error)
}

// Repository resolves the pricing catalog from upstream, degrading to the
// hardcoded fallback table when the fetch fails. It holds no cache itself;
// CachedRepository wraps it with the two-tier cache.
type Repository struct {
	fetcher ModelFetcher
	metrics *observability.Provider
}

func NewRepository(fetcher ModelFetcher, metrics *observability.Provider) *Repository {
	return &Repository{fetcher: fetcher, metrics: metrics}
}

// Catalog fetches the live pricing table. The returned catalog's Source tells
// the caller whether this is real upstream data or the fallback, and the error
// is non-nil exactly when the fallback was used.
func (r *Repository) Catalog(ctx context.Context) (Catalog, error) {
	models, err := r.fetcher.FetchModels(ctx)
	if err != nil {
		slog.Warn("pricing fetch failed, serving fallback catalog",
			slog.String("error", err.Error()))
		r.metrics.RecordPricingFetch(sourceFallback)
		return FallbackCatalog(), err
	}
	r.metrics.RecordPricingFetch(sourceUpstream)
	return Catalog{Models: models, FetchedAt: time.Now().UTC(), Source: sourceUpstream}, nil
}

// FallbackCatalog returns a copy of the hardcoded table with categories derived.
func FallbackCatalog() Catalog {
	now := time.Now().UTC()
	models := make(map[string]ModelPrice, len(fallbackPrices))
	for id, m := range fallbackPrices {
		m.Provider = providerFromID(id)
		m.Category = CategoryFor(m.PromptPerM, m.CompletionPerM)
		m.UpdatedAt = now
		models[id] = m
	}
	return Catalog{Models: models, FetchedAt: now, Source: sourceFallback}
}
