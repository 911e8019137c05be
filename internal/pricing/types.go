package pricing

import (
	"errors"
	"strings"
	"time"

	decimal "github.com/shopspring/decimal"
)

// ErrModelNotFound is the only error CalculateCost returns for lookup misses;
// everything else in the pricing stack degrades rather than fails.
var ErrModelNotFound = errors.New("model not found in pricing catalog")

// Category buckets models by blended price per million tokens. Boundaries are
// inclusive of the lower edge: exactly 1.00 is Standard, exactly 50.00 is
// Reasoning.
type Category string

const (
	CategoryBudget    Category = "budget"
	CategoryStandard  Category = "standard"
	CategoryFast      Category = "fast"
	CategoryPremium   Category = "premium"
	CategoryReasoning Category = "reasoning"
)

// ModelPrice holds per-million-token prices in USD for one model.
type ModelPrice struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Provider       string    `json:"provider"`
	PromptPerM     float64   `json:"prompt_per_million"`
	CompletionPerM float64   `json:"completion_per_million"`
	ContextLength  int64     `json:"context_length"`
	Category       Category  `json:"category"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Catalog is one fetched snapshot of the pricing table.
type Catalog struct {
	Models    map[string]ModelPrice `json:"models"`
	FetchedAt time.Time             `json:"fetched_at"`
	Source    string                `json:"source"`
}

// CategoryFor derives the pricing category from the blended per-million price.
func CategoryFor(promptPerM, completionPerM float64) Category {
	avg := (promptPerM + completionPerM) / 2
	switch {
	case avg < 1:
		return CategoryBudget
	case avg < 5:
		return CategoryStandard
	case avg < 10:
		return CategoryFast
	case avg < 50:
		return CategoryPremium
	default:
		return CategoryReasoning
	}
}

// providerFromID extracts the provider prefix from an OpenRouter model id,
// e.g. "openai/gpt-4o" -> "openai". Ids without a prefix map to "unknown".
func providerFromID(id string) string {
	if i := strings.IndexByte(id, '/'); i > 0 {
		return id[:i]
	}
	return "unknown"
}

// perTokenToPerMillion converts OpenRouter's per-token price strings.
func perTokenToPerMillion(perToken string) float64 {
	d, err := decimal.NewFromString(perToken)
	if err != nil {
		return 0
	}
	f, _ := d.Mul(decimal.NewFromInt(1_000_000)).Float64()
	return f
}
