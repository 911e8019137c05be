package usagecalc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-webui/usage-engine/internal/observability"
	"github.com/open-webui/usage-engine/internal/timeutil"
)

// resultKey identifies one cached calculation by its inputs. Structured on
// purpose: invalidation matches on fields, not on substring scans over
// concatenated strings. The resolved window is part of the key so a
// custom-range request can never collide with the full-month entry.
type resultKey struct {
	aggregation AggregationType
	clientOrgID string
	start       string
	end         string
	details     bool
}

type cachedResult struct {
	result   CalculationResult
	storedAt time.Time
}

// MonthlyStrategy computes the month-to-date summary with projections. Results
// are cached per client and day; the TTL is enforced on read, so a stale entry
// is recomputed even if eviction never ran.
type MonthlyStrategy struct {
	repo    UsageReader
	zones   *timeutil.Zones
	metrics *observability.Provider
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[resultKey]cachedResult

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewMonthlyStrategy(repo UsageReader, zones *timeutil.Zones, metrics *observability.Provider, ttl time.Duration) *MonthlyStrategy {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MonthlyStrategy{
		repo:    repo,
		zones:   zones,
		metrics: metrics,
		ttl:     ttl,
		cache:   make(map[resultKey]cachedResult),
	}
}

func (m *MonthlyStrategy) Calculate(ctx context.Context, calc CalculationContext) CalculationResult {
	started := time.Now()

	key := resultKey{
		aggregation: AggregationMonthly,
		clientOrgID: calc.ClientOrgID,
		start:       timeutil.DateString(calc.MonthStart),
		end:         timeutil.DateString(calc.Today),
		details:     calc.Details,
	}
	if cached, ok := m.lookup(key); ok {
		m.hits.Add(1)
		m.metrics.RecordCalculation(string(AggregationMonthly), true, time.Since(started))
		cached.CacheHitRate = m.HitRate()
		cached.ExecutionTimeMS = float64(time.Since(started).Microseconds()) / 1000.0
		return cached
	}
	m.misses.Add(1)

	result := m.compute(ctx, calc, started)
	if result.Success {
		m.store(key, result)
	}
	m.metrics.RecordCalculation(string(AggregationMonthly), false, time.Since(started))
	return result
}

func (m *MonthlyStrategy) compute(ctx context.Context, calc CalculationContext, started time.Time) CalculationResult {
	monthStart := calc.MonthStart
	today := calc.Today
	if monthStart.IsZero() || today.IsZero() {
		return failedResult("calculation window is empty", time.Since(started), m.HitRate())
	}
	if today.Before(monthStart) {
		return failedResult(fmt.Sprintf("end date %s precedes start date %s",
			timeutil.DateString(today), timeutil.DateString(monthStart)), time.Since(started), m.HitRate())
	}

	totals := m.repo.MonthTotals(ctx, calc.ClientOrgID, monthStart, today)
	queries := 1

	daysElapsed := timeutil.DaysBetween(monthStart, today) + 1
	if daysElapsed < 1 {
		daysElapsed = 1
	}
	daysInMonth := timeutil.DaysInMonth(monthStart)

	summary := MonthSummary{
		Tokens:     totals.Tokens,
		Cost:       totals.MarkupCost,
		Requests:   totals.Requests,
		DaysActive: totals.DaysActive,
	}
	summary.AverageDailyTokens = float64(totals.Tokens) / float64(daysElapsed)
	summary.AverageDailyCost = totals.MarkupCost / float64(daysElapsed)
	summary.ProjectedMonthCost = summary.AverageDailyCost * float64(daysInMonth)

	data := &CalculationData{
		ClientOrgID:  calc.ClientOrgID,
		ClientName:   calc.ClientName,
		PeriodStart:  timeutil.DateString(monthStart),
		PeriodEnd:    timeutil.DateString(today),
		MonthSummary: summary,
	}
	if calc.Details {
		data.DailyHistory = m.repo.DailyUsageRange(ctx, calc.ClientOrgID, monthStart, today)
		data.UserBreakdown = m.repo.UserUsageRange(ctx, calc.ClientOrgID, monthStart, today)
		data.ModelBreakdown = m.repo.ModelUsageRange(ctx, calc.ClientOrgID, monthStart, today)
		queries += 3
	}

	return CalculationResult{
		Success:         true,
		Data:            data,
		ExecutionTimeMS: float64(time.Since(started).Microseconds()) / 1000.0,
		CacheHitRate:    m.HitRate(),
		QueriesExecuted: queries,
	}
}

func (m *MonthlyStrategy) lookup(key resultKey) (CalculationResult, bool) {
	m.mu.RLock()
	entry, ok := m.cache[key]
	m.mu.RUnlock()
	if !ok {
		return CalculationResult{}, false
	}
	if time.Since(entry.storedAt) > m.ttl {
		m.mu.Lock()
		if cur, still := m.cache[key]; still && cur.storedAt.Equal(entry.storedAt) {
			delete(m.cache, key)
		}
		m.mu.Unlock()
		return CalculationResult{}, false
	}
	return entry.result, true
}

func (m *MonthlyStrategy) store(key resultKey, result CalculationResult) {
	m.mu.Lock()
	m.cache[key] = cachedResult{result: result, storedAt: time.Now()}
	m.mu.Unlock()
}

// InvalidateClient drops every cached result for the client, all days and
// detail variants.
func (m *MonthlyStrategy) InvalidateClient(clientOrgID string) {
	m.mu.Lock()
	for key := range m.cache {
		if key.clientOrgID == clientOrgID {
			delete(m.cache, key)
		}
	}
	m.mu.Unlock()
}

func (m *MonthlyStrategy) CacheSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

func (m *MonthlyStrategy) HitRate() float64 {
	hits := m.hits.Load()
	total := hits + m.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
