package usagecalc

import (
	"context"
	"fmt"
	"time"

	"github.com/open-webui/usage-engine/internal/config"
	"github.com/open-webui/usage-engine/internal/observability"
	"github.com/open-webui/usage-engine/internal/timeutil"
)

// Calculator is the entry point for usage reporting. It resolves client
// metadata, builds the calculation window in the client's zone, and dispatches
// to the strategy for the requested aggregation. It never returns an error:
// every outcome, including an unknown aggregation or a panicking dependency,
// arrives as a CalculationResult the caller can render.
type Calculator struct {
	repo    UsageReader
	zones   *timeutil.Zones
	monthly *MonthlyStrategy
}

func NewCalculator(repo UsageReader, zones *timeutil.Zones, metrics *observability.Provider, cfg config.UsageConfig) *Calculator {
	return &Calculator{
		repo:    repo,
		zones:   zones,
		monthly: NewMonthlyStrategy(repo, zones, metrics, cfg.CalcCacheTTL),
	}
}

func (c *Calculator) strategyFor(kind AggregationType) Strategy {
	switch kind {
	case AggregationMonthly:
		return c.monthly
	default:
		return nil
	}
}

func (c *Calculator) Calculate(ctx context.Context, req CalculationRequest) CalculationResult {
	started := time.Now()

	strategy := c.strategyFor(req.Aggregation)
	if strategy == nil {
		return failedResult(fmt.Sprintf("aggregation %q is not implemented", req.Aggregation),
			time.Since(started), 0)
	}

	info, ok := c.repo.ClientInfo(ctx, req.ClientOrgID)
	if !ok {
		// Unknown client still gets a rendered (empty) report rather than a
		// broken billing page.
		info = ClientInfo{ID: req.ClientOrgID, Name: "Unknown", Timezone: "Europe/Warsaw"}
	}
	tz := info.Timezone
	if !req.UseClientTimezone {
		tz = "UTC"
	}

	monthStart, today := c.zones.MonthRange(tz)
	if req.StartDate != nil {
		monthStart = timeutil.TruncateToDay(*req.StartDate, c.zones.Location(tz))
	}
	if req.EndDate != nil {
		today = timeutil.TruncateToDay(*req.EndDate, c.zones.Location(tz))
	}

	return strategy.Calculate(ctx, CalculationContext{
		ClientOrgID: req.ClientOrgID,
		ClientName:  info.Name,
		Timezone:    tz,
		MonthStart:  monthStart,
		Today:       today,
		Details:     req.IncludeDetails,
	})
}

// InvalidateClientCache drops cached results for the client across all
// strategies. Called after out-of-band corrections to stored usage.
func (c *Calculator) InvalidateClientCache(clientOrgID string) {
	c.monthly.InvalidateClient(clientOrgID)
}

// CacheMetrics is a point-in-time snapshot of the calculation caches.
type CacheMetrics struct {
	Entries map[AggregationType]int     `json:"entries"`
	HitRate map[AggregationType]float64 `json:"hit_rate"`
}

func (c *Calculator) Metrics() CacheMetrics {
	return CacheMetrics{
		Entries: map[AggregationType]int{
			AggregationMonthly: c.monthly.CacheSize(),
		},
		HitRate: map[AggregationType]float64{
			AggregationMonthly: c.monthly.HitRate(),
		},
	}
}
