package usagecalc

import (
	"context"
	"testing"
	"time"

	"github.com/open-webui/usage-engine/internal/config"
	"github.com/open-webui/usage-engine/internal/timeutil"
)

type fakeReader struct {
	client     ClientInfo
	clientOK   bool
	totals     MonthTotals
	history    []DailyUsage
	users      []UserUsage
	models     []ModelUsage
	totalCalls int
	dailyCalls int

	lastStart time.Time
	lastEnd   time.Time
}

func (f *fakeReader) ClientInfo(context.Context, string) (ClientInfo, bool) {
	return f.client, f.clientOK
}

func (f *fakeReader) MonthTotals(_ context.Context, _ string, start, end time.Time) MonthTotals {
	f.totalCalls++
	f.lastStart, f.lastEnd = start, end
	return f.totals
}

func (f *fakeReader) DailyUsageRange(context.Context, string, time.Time, time.Time) []DailyUsage {
	f.dailyCalls++
	return f.history
}

func (f *fakeReader) UserUsageRange(context.Context, string, time.Time, time.Time) []UserUsage {
	return f.users
}

func (f *fakeReader) ModelUsageRange(context.Context, string, time.Time, time.Time) []ModelUsage {
	return f.models
}

func fixedZones(t time.Time) *timeutil.Zones {
	return timeutil.NewZonesAt(func() time.Time { return t })
}

func newTestCalculator(reader *fakeReader, now time.Time, ttl time.Duration) *Calculator {
	return NewCalculator(reader, fixedZones(now), nil, config.UsageConfig{CalcCacheTTL: ttl})
}

func TestCalculate_MonthlySummaryAndProjection(t *testing.T) {
	now := time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{
		client:   ClientInfo{ID: "acme", Name: "Acme Corp", Timezone: "UTC", MarkupRate: 1.3, Active: true},
		clientOK: true,
		totals:   MonthTotals{Tokens: 150_000, Requests: 300, RawCostUSD: 115.38, MarkupCost: 150.0, DaysActive: 12},
	}
	calc := newTestCalculator(reader, now, time.Minute)

	result := calc.Calculate(context.Background(), CalculationRequest{
		ClientOrgID:       "acme",
		Aggregation:       AggregationMonthly,
		UseClientTimezone: true,
	})

	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	s := result.Data.MonthSummary
	if s.Tokens != 150_000 || s.Requests != 300 || s.DaysActive != 12 {
		t.Errorf("unexpected summary: %+v", s)
	}
	// Jan 1..15 is 15 elapsed days of a 31-day month.
	if s.AverageDailyCost != 10.0 {
		t.Errorf("average daily cost: want 10.0, got %v", s.AverageDailyCost)
	}
	if s.ProjectedMonthCost != 310.0 {
		t.Errorf("projected cost: want 310.0, got %v", s.ProjectedMonthCost)
	}
	if s.AverageDailyTokens != 10_000 {
		t.Errorf("average daily tokens: want 10000, got %v", s.AverageDailyTokens)
	}
	if result.Data.PeriodStart != "2024-01-01" || result.Data.PeriodEnd != "2024-01-15" {
		t.Errorf("unexpected period: %s..%s", result.Data.PeriodStart, result.Data.PeriodEnd)
	}
}

func TestCalculate_SecondCallServedFromCache(t *testing.T) {
	now := time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{clientOK: true, client: ClientInfo{ID: "acme", Name: "Acme", Timezone: "UTC"}}
	calc := newTestCalculator(reader, now, time.Minute)

	req := CalculationRequest{ClientOrgID: "acme", Aggregation: AggregationMonthly, UseClientTimezone: true}
	calc.Calculate(context.Background(), req)
	calc.Calculate(context.Background(), req)

	if reader.totalCalls != 1 {
		t.Errorf("expected 1 database aggregate, got %d", reader.totalCalls)
	}
	if rate := calc.Metrics().HitRate[AggregationMonthly]; rate != 0.5 {
		t.Errorf("hit rate: want 0.5, got %v", rate)
	}
}

func TestCalculate_ExpiredEntryRecomputed(t *testing.T) {
	now := time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{clientOK: true, client: ClientInfo{ID: "acme", Name: "Acme", Timezone: "UTC"}}
	calc := newTestCalculator(reader, now, time.Nanosecond)

	req := CalculationRequest{ClientOrgID: "acme", Aggregation: AggregationMonthly, UseClientTimezone: true}
	calc.Calculate(context.Background(), req)
	time.Sleep(time.Millisecond)
	calc.Calculate(context.Background(), req)

	if reader.totalCalls != 2 {
		t.Errorf("expired entry must hit the database again, got %d calls", reader.totalCalls)
	}
}

func TestCalculate_DetailVariantsCachedSeparately(t *testing.T) {
	now := time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{
		clientOK: true,
		client:   ClientInfo{ID: "acme", Name: "Acme", Timezone: "UTC"},
		history:  []DailyUsage{{Date: "2024-01-14", Tokens: 100, Requests: 2, Cost: 0.5}},
	}
	calc := newTestCalculator(reader, now, time.Minute)

	plain := calc.Calculate(context.Background(), CalculationRequest{
		ClientOrgID: "acme", Aggregation: AggregationMonthly, UseClientTimezone: true,
	})
	detailed := calc.Calculate(context.Background(), CalculationRequest{
		ClientOrgID: "acme", Aggregation: AggregationMonthly, UseClientTimezone: true, IncludeDetails: true,
	})

	if len(plain.Data.DailyHistory) != 0 {
		t.Error("plain result must not carry history")
	}
	if len(detailed.Data.DailyHistory) != 1 {
		t.Error("detailed result must carry history")
	}
	if reader.totalCalls != 2 {
		t.Errorf("detail variants must not share cache entries, got %d aggregate calls", reader.totalCalls)
	}
}

func TestCalculate_CustomRangeNotServedFromMonthCache(t *testing.T) {
	now := time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{clientOK: true, client: ClientInfo{ID: "acme", Name: "Acme", Timezone: "UTC"}}
	calc := newTestCalculator(reader, now, time.Minute)

	calc.Calculate(context.Background(), CalculationRequest{
		ClientOrgID: "acme", Aggregation: AggregationMonthly, UseClientTimezone: true,
	})

	start := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)
	custom := calc.Calculate(context.Background(), CalculationRequest{
		ClientOrgID: "acme", Aggregation: AggregationMonthly, UseClientTimezone: true,
		StartDate: &start,
	})

	if custom.Data.PeriodStart != "2024-01-10" {
		t.Errorf("custom range was served the full-month result: period starts %s", custom.Data.PeriodStart)
	}
	if reader.totalCalls != 2 {
		t.Errorf("custom range must aggregate separately, got %d calls", reader.totalCalls)
	}
	if got := timeutil.DateString(reader.lastStart); got != "2024-01-10" {
		t.Errorf("aggregate queried from %s, want 2024-01-10", got)
	}
}

func TestCalculate_DaysElapsedAcrossDSTTransition(t *testing.T) {
	// US spring-forward was 2024-03-10; March 1..15 is still 15 calendar days
	// even though the wall-clock interval is an hour short.
	now := time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{
		clientOK: true,
		client:   ClientInfo{ID: "acme", Name: "Acme", Timezone: "America/New_York"},
		totals:   MonthTotals{Tokens: 1500, MarkupCost: 15.0},
	}
	calc := newTestCalculator(reader, now, time.Minute)

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2024, time.March, 1, 0, 0, 0, 0, ny)
	end := time.Date(2024, time.March, 15, 0, 0, 0, 0, ny)
	result := calc.Calculate(context.Background(), CalculationRequest{
		ClientOrgID: "acme", Aggregation: AggregationMonthly, UseClientTimezone: true,
		StartDate: &start, EndDate: &end,
	})

	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}
	if got := result.Data.MonthSummary.AverageDailyTokens; got != 100 {
		t.Errorf("average daily tokens: want 100 (15 elapsed days), got %v", got)
	}
	if got := result.Data.MonthSummary.AverageDailyCost; got != 1.0 {
		t.Errorf("average daily cost: want 1.0, got %v", got)
	}
}

func TestCalculate_DetailedResultCarriesBreakdowns(t *testing.T) {
	now := time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{
		clientOK: true,
		client:   ClientInfo{ID: "acme", Name: "Acme", Timezone: "UTC"},
		users:    []UserUsage{{UserID: "u1", Tokens: 900, Requests: 3, Cost: 1.2}},
		models:   []ModelUsage{{ModelName: "openai/gpt-4o", Provider: "openai", Tokens: 900}},
	}
	calc := newTestCalculator(reader, now, time.Minute)

	result := calc.Calculate(context.Background(), CalculationRequest{
		ClientOrgID: "acme", Aggregation: AggregationMonthly, UseClientTimezone: true, IncludeDetails: true,
	})

	if len(result.Data.UserBreakdown) != 1 || result.Data.UserBreakdown[0].UserID != "u1" {
		t.Errorf("detailed result must carry the user breakdown: %+v", result.Data.UserBreakdown)
	}
	if len(result.Data.ModelBreakdown) != 1 || result.Data.ModelBreakdown[0].ModelName != "openai/gpt-4o" {
		t.Errorf("detailed result must carry the model breakdown: %+v", result.Data.ModelBreakdown)
	}
	if result.QueriesExecuted != 4 {
		t.Errorf("detailed calculation runs 4 queries, got %d", result.QueriesExecuted)
	}
}

func TestCalculate_UnknownAggregationFailsGracefully(t *testing.T) {
	now := time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)
	calc := newTestCalculator(&fakeReader{clientOK: true}, now, time.Minute)

	result := calc.Calculate(context.Background(), CalculationRequest{
		ClientOrgID: "acme",
		Aggregation: AggregationType("quarterly"),
	})
	if result.Success {
		t.Error("unknown aggregation must fail")
	}
	if result.Error == "" {
		t.Error("failure must carry a message")
	}
}

func TestCalculate_UnknownClientGetsDefaults(t *testing.T) {
	now := time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)
	calc := newTestCalculator(&fakeReader{clientOK: false}, now, time.Minute)

	result := calc.Calculate(context.Background(), CalculationRequest{
		ClientOrgID:       "ghost",
		Aggregation:       AggregationMonthly,
		UseClientTimezone: true,
	})
	if !result.Success {
		t.Fatalf("unknown client must still render: %q", result.Error)
	}
	if result.Data.ClientName != "Unknown" {
		t.Errorf("want Unknown client name, got %q", result.Data.ClientName)
	}
}

func TestCalculate_EndBeforeStartFails(t *testing.T) {
	now := time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)
	calc := newTestCalculator(&fakeReader{clientOK: true, client: ClientInfo{Timezone: "UTC"}}, now, time.Minute)

	start := time.Date(2024, time.January, 20, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)
	result := calc.Calculate(context.Background(), CalculationRequest{
		ClientOrgID:       "acme",
		Aggregation:       AggregationMonthly,
		UseClientTimezone: true,
		StartDate:         &start,
		EndDate:           &end,
	})
	if result.Success {
		t.Error("inverted range must fail")
	}
}

func TestInvalidateClientCache(t *testing.T) {
	now := time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{clientOK: true, client: ClientInfo{ID: "acme", Name: "Acme", Timezone: "UTC"}}
	calc := newTestCalculator(reader, now, time.Hour)

	req := CalculationRequest{ClientOrgID: "acme", Aggregation: AggregationMonthly, UseClientTimezone: true}
	calc.Calculate(context.Background(), req)
	calc.InvalidateClientCache("acme")
	calc.Calculate(context.Background(), req)

	if reader.totalCalls != 2 {
		t.Errorf("invalidation must force a recompute, got %d aggregate calls", reader.totalCalls)
	}
	if calc.Metrics().Entries[AggregationMonthly] != 1 {
		t.Errorf("expected a single cached entry after recompute")
	}
}
