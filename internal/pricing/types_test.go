package pricing

import "testing"

func TestCategoryFor_Boundaries(t *testing.T) {
	tests := []struct {
		name       string
		prompt     float64
		completion float64
		want       Category
	}{
		{"just under budget edge", 0.99, 0.99, CategoryBudget},
		{"exactly one is standard", 1.00, 1.00, CategoryStandard},
		{"mid standard", 2.50, 6.00, CategoryStandard},
		{"just under fast edge", 4.99, 4.99, CategoryStandard},
		{"exactly five is fast", 5.00, 5.00, CategoryFast},
		{"mid fast", 9.00, 10.00, CategoryFast},
		{"exactly ten is premium", 10.00, 10.00, CategoryPremium},
		{"just under reasoning edge", 49.99, 49.99, CategoryPremium},
		{"exactly fifty is reasoning", 50.00, 50.00, CategoryReasoning},
		{"far above", 75.00, 150.00, CategoryReasoning},
		{"free model", 0, 0, CategoryBudget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryFor(tt.prompt, tt.completion); got != tt.want {
				t.Errorf("CategoryFor(%v, %v) = %s, want %s", tt.prompt, tt.completion, got, tt.want)
			}
		})
	}
}

func TestPerTokenToPerMillion(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"0.000005", 5},
		{"0.000015", 15},
		{"0.0000025", 2.5},
		{"0", 0},
		{"not-a-number", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := perTokenToPerMillion(tt.in); got != tt.want {
			t.Errorf("perTokenToPerMillion(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFallbackCatalog_CategoriesDerived(t *testing.T) {
	catalog := FallbackCatalog()
	if catalog.Source != sourceFallback {
		t.Errorf("want fallback source, got %s", catalog.Source)
	}
	if len(catalog.Models) == 0 {
		t.Fatal("fallback catalog must not be empty")
	}
	for id, m := range catalog.Models {
		if m.Category == "" {
			t.Errorf("model %s missing derived category", id)
		}
		if m.Provider == "" {
			t.Errorf("model %s missing provider", id)
		}
		if m.UpdatedAt.IsZero() {
			t.Errorf("model %s missing timestamp", id)
		}
	}
	// GPT-4o blends to 6.25/M: fast tier.
	if got := catalog.Models["openai/gpt-4o"].Category; got != CategoryFast {
		t.Errorf("gpt-4o: want %s, got %s", CategoryFast, got)
	}
}

func TestProviderFromID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"openai/gpt-4o", "openai"},
		{"meta-llama/llama-3.1-70b-instruct", "meta-llama"},
		{"gpt-4o", "unknown"},
		{"/gpt-4o", "unknown"},
	}
	for _, tt := range tests {
		if got := providerFromID(tt.in); got != tt.want {
			t.Errorf("providerFromID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
