package pricing

import (
	"context"
	"time"

	decimal "github.com/shopspring/decimal"
)

// PricingResult carries a catalog together with how it was obtained. Success
// is false whenever the data is degraded (stale or fallback); callers decide
// how loudly to surface that.
type PricingResult struct {
	Catalog Catalog `json:"catalog"`
	Success bool    `json:"success"`
	Error   string  `json:"error,omitempty"`
}

// Cost is the outcome of a single cost calculation in USD.
type Cost struct {
	RawUSD    float64  `json:"raw_usd"`
	MarkupUSD float64  `json:"markup_usd"`
	Category  Category `json:"category"`
}

// Service is the pricing API the rest of the engine uses.
type Service struct {
	catalog *CachedRepository
}

func NewService(catalog *CachedRepository) *Service {
	return &Service{catalog: catalog}
}

// ModelPricing returns the catalog. A degraded catalog is still returned with
// Success=false; the caller always gets usable prices.
func (s *Service) ModelPricing(ctx context.Context, force bool) PricingResult {
	catalog, err := s.catalog.Catalog(ctx, force)
	result := PricingResult{Catalog: catalog, Success: err == nil}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// ModelPrice looks up one model's prices.
func (s *Service) ModelPrice(ctx context.Context, modelID string) (ModelPrice, error) {
	catalog, _ := s.catalog.Catalog(ctx, false)
	price, ok := catalog.Models[modelID]
	if !ok {
		return ModelPrice{}, ErrModelNotFound
	}
	return price, nil
}

// CalculateCost prices one generation. This is the only pricing operation
// that returns an error on a lookup miss: silently pricing an unknown model
// at zero would corrupt billing.
func (s *Service) CalculateCost(ctx context.Context, modelID string, promptTokens, completionTokens int64, markupRate float64) (Cost, error) {
	price, err := s.ModelPrice(ctx, modelID)
	if err != nil {
		return Cost{}, err
	}

	million := decimal.NewFromInt(1_000_000)
	raw := decimal.NewFromInt(promptTokens).
		Mul(decimal.NewFromFloat(price.PromptPerM)).
		Div(million).
		Add(decimal.NewFromInt(completionTokens).
			Mul(decimal.NewFromFloat(price.CompletionPerM)).
			Div(million))

	if markupRate < 1 {
		markupRate = 1
	}
	markup := raw.Mul(decimal.NewFromFloat(markupRate))

	rawUSD, _ := raw.Round(9).Float64()
	markupUSD, _ := markup.Round(9).Float64()
	return Cost{RawUSD: rawUSD, MarkupUSD: markupUSD, Category: price.Category}, nil
}

// Categories returns model ids grouped by pricing category.
func (s *Service) Categories(ctx context.Context) map[Category][]string {
	catalog, _ := s.catalog.Catalog(ctx, false)
	out := make(map[Category][]string)
	for id, m := range catalog.Models {
		out[m.Category] = append(out[m.Category], id)
	}
	return out
}

// CatalogAge reports how old the currently served catalog is.
func (s *Service) CatalogAge(ctx context.Context) time.Duration {
	catalog, _ := s.catalog.Catalog(ctx, false)
	if catalog.FetchedAt.IsZero() {
		return 0
	}
	return time.Since(catalog.FetchedAt)
}
