package usagecalc

import (
	"context"
	"time"
)

// AggregationType is a closed set: adding a kind means wiring a strategy in
// Calculator.strategyFor, there is no runtime registry to silently miss.
type AggregationType string

const (
	AggregationMonthly AggregationType = "monthly"
	AggregationDaily   AggregationType = "daily"
	AggregationWeekly  AggregationType = "weekly"
	AggregationCustom  AggregationType = "custom"
)

// CalculationRequest is the external query contract used by the reporting layer.
type CalculationRequest struct {
	ClientOrgID       string          `json:"client_org_id"`
	Aggregation       AggregationType `json:"aggregation"`
	StartDate         *time.Time      `json:"start_date,omitempty"`
	EndDate           *time.Time      `json:"end_date,omitempty"`
	UseClientTimezone bool            `json:"use_client_timezone"`
	IncludeDetails    bool            `json:"include_details"`
}

// CalculationContext carries resolved client metadata and dates into a strategy.
type CalculationContext struct {
	ClientOrgID string
	ClientName  string
	Timezone    string
	MonthStart  time.Time
	Today       time.Time
	Details     bool
}

// MonthSummary is the aggregate block of a monthly calculation.
type MonthSummary struct {
	Tokens             int64   `json:"tokens"`
	Cost               float64 `json:"cost"`
	Requests           int64   `json:"requests"`
	DaysActive         int     `json:"days_active"`
	AverageDailyTokens float64 `json:"average_daily_tokens"`
	AverageDailyCost   float64 `json:"average_daily_cost"`
	ProjectedMonthCost float64 `json:"projected_month_cost"`
}

// DailyUsage is one day of usage history.
type DailyUsage struct {
	Date     string  `json:"date"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
	Requests int64   `json:"requests"`
}

// CalculationData is the payload of a successful calculation.
type CalculationData struct {
	ClientOrgID    string       `json:"client_org_id"`
	ClientName     string       `json:"client_name"`
	PeriodStart    string       `json:"period_start"`
	PeriodEnd      string       `json:"period_end"`
	MonthSummary   MonthSummary `json:"month_summary"`
	DailyHistory   []DailyUsage `json:"daily_history,omitempty"`
	UserBreakdown  []UserUsage  `json:"user_breakdown,omitempty"`
	ModelBreakdown []ModelUsage `json:"model_breakdown,omitempty"`
}

// CalculationResult is always returned, success or not; calculation never
// raises into the billing-display path.
type CalculationResult struct {
	Success         bool             `json:"success"`
	Data            *CalculationData `json:"data,omitempty"`
	Error           string           `json:"error,omitempty"`
	ExecutionTimeMS float64          `json:"execution_time_ms"`
	CacheHitRate    float64          `json:"cache_hit_rate"`
	QueriesExecuted int              `json:"queries_executed"`
}

// Strategy computes one aggregation kind.
type Strategy interface {
	Calculate(ctx context.Context, calc CalculationContext) CalculationResult
	InvalidateClient(clientOrgID string)
	CacheSize() int
	HitRate() float64
}

func failedResult(err string, elapsed time.Duration, hitRate float64) CalculationResult {
	return CalculationResult{
		Success:         false,
		Error:           err,
		ExecutionTimeMS: float64(elapsed.Microseconds()) / 1000.0,
		CacheHitRate:    hitRate,
	}
}
