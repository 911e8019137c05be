package usagecalc

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	decimal "github.com/shopspring/decimal"

	"github.com/open-webui/usage-engine/internal/config"
)

// ClientInfo is the tenant metadata the calculators need.
type ClientInfo struct {
	ID              string
	Name            string
	Timezone        string
	MarkupRate      float64
	MonthlyLimitUSD float64
	Active          bool
}

// MonthTotals is the aggregate of all usage in a date range, daily summaries
// plus the live counter for any day not yet rolled over.
type MonthTotals struct {
	Tokens     int64
	Requests   int64
	RawCostUSD float64
	MarkupCost float64
	DaysActive int
}

// UserUsage is one user's total over a date range.
type UserUsage struct {
	UserID   string  `json:"user_id"`
	Tokens   int64   `json:"tokens"`
	Requests int64   `json:"requests"`
	Cost     float64 `json:"cost"`
}

// ModelUsage is one model's total over a date range.
type ModelUsage struct {
	ModelName string  `json:"model_name"`
	Provider  string  `json:"provider"`
	Tokens    int64   `json:"tokens"`
	Requests  int64   `json:"requests"`
	Cost      float64 `json:"cost"`
}

// UsageReader is what the strategies consume; *Repository is the production
// implementation, tests supply fakes.
type UsageReader interface {
	ClientInfo(ctx context.Context, clientOrgID string) (ClientInfo, bool)
	MonthTotals(ctx context.Context, clientOrgID string, start, end time.Time) MonthTotals
	DailyUsageRange(ctx context.Context, clientOrgID string, start, end time.Time) []DailyUsage
	UserUsageRange(ctx context.Context, clientOrgID string, start, end time.Time) []UserUsage
	ModelUsageRange(ctx context.Context, clientOrgID string, start, end time.Time) []ModelUsage
}

// Repository serves the read side of usage accounting. Every query is a single
// round trip and degrades to zeros on failure: a database hiccup renders an
// empty billing view, it never breaks the page.
type Repository struct {
	pool *pgxpool.Pool
	cfg  config.UsageConfig
}

func NewRepository(pool *pgxpool.Pool, cfg config.UsageConfig) *Repository {
	return &Repository{pool: pool, cfg: cfg}
}

func (r *Repository) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// ClientInfo loads tenant metadata. The second return is false when the
// client is unknown or the lookup failed; callers substitute defaults.
func (r *Repository) ClientInfo(ctx context.Context, clientOrgID string) (ClientInfo, bool) {
	if r == nil || r.pool == nil {
		return ClientInfo{}, false
	}
	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	info := ClientInfo{ID: clientOrgID}
	err := r.pool.QueryRow(ctx, `
		SELECT name, billing_timezone, markup_rate, monthly_limit_usd, active
		FROM client_organizations
		WHERE id = $1`,
		clientOrgID,
	).Scan(&info.Name, &info.Timezone, &info.MarkupRate, &info.MonthlyLimitUSD, &info.Active)
	if err != nil {
		return ClientInfo{}, false
	}
	return info, true
}

// MonthTotals aggregates the range in one query. The live counter row is
// unioned in so usage recorded today, before any rollover, is already visible
// in month totals. A counter whose date already has a frozen daily row is
// excluded: double counting is worse than a briefly low total.
func (r *Repository) MonthTotals(ctx context.Context, clientOrgID string, start, end time.Time) MonthTotals {
	if r == nil || r.pool == nil {
		return MonthTotals{}
	}
	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	var totals MonthTotals
	var rawMicros, markupMicros int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(tokens), 0),
		       COALESCE(SUM(requests), 0),
		       COALESCE(SUM(raw_cost_micros), 0),
		       COALESCE(SUM(markup_cost_micros), 0),
		       COUNT(DISTINCT usage_date) FILTER (WHERE tokens > 0 OR requests > 0)
		FROM (
			SELECT usage_date, total_tokens AS tokens, total_requests AS requests,
			       raw_cost_micros, markup_cost_micros
			FROM client_daily_usage
			WHERE client_org_id = $1 AND usage_date BETWEEN $2 AND $3
			UNION ALL
			SELECT counter_date, tokens, requests, raw_cost_micros, markup_cost_micros
			FROM client_live_counters c
			WHERE client_org_id = $1 AND counter_date BETWEEN $2 AND $3
			  AND NOT EXISTS (
				SELECT 1 FROM client_daily_usage d
				WHERE d.client_org_id = c.client_org_id AND d.usage_date = c.counter_date
			  )
		) combined`,
		clientOrgID, start, end,
	).Scan(&totals.Tokens, &totals.Requests, &rawMicros, &markupMicros, &totals.DaysActive)
	if err != nil {
		slog.Warn("month totals query failed, returning zeros",
			slog.String("client_org_id", clientOrgID),
			slog.String("error", err.Error()))
		return MonthTotals{}
	}
	totals.RawCostUSD = microsToUSD(rawMicros)
	totals.MarkupCost = microsToUSD(markupMicros)
	return totals
}

// DailyUsageRange returns one row per day with usage in the range, oldest
// first, again with the live counter standing in for the not-yet-rolled day.
func (r *Repository) DailyUsageRange(ctx context.Context, clientOrgID string, start, end time.Time) []DailyUsage {
	if r == nil || r.pool == nil {
		return nil
	}
	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT usage_date,
		       SUM(tokens), SUM(requests), SUM(markup_cost_micros)
		FROM (
			SELECT usage_date, total_tokens AS tokens, total_requests AS requests, markup_cost_micros
			FROM client_daily_usage
			WHERE client_org_id = $1 AND usage_date BETWEEN $2 AND $3
			UNION ALL
			SELECT counter_date, tokens, requests, markup_cost_micros
			FROM client_live_counters c
			WHERE client_org_id = $1 AND counter_date BETWEEN $2 AND $3
			  AND NOT EXISTS (
				SELECT 1 FROM client_daily_usage d
				WHERE d.client_org_id = c.client_org_id AND d.usage_date = c.counter_date
			  )
		) combined
		GROUP BY usage_date
		ORDER BY usage_date`,
		clientOrgID, start, end,
	)
	if err != nil {
		slog.Warn("daily usage query failed, returning empty history",
			slog.String("client_org_id", clientOrgID),
			slog.String("error", err.Error()))
		return nil
	}
	defer rows.Close()

	var out []DailyUsage
	for rows.Next() {
		var date time.Time
		var d DailyUsage
		var markupMicros int64
		if err := rows.Scan(&date, &d.Tokens, &d.Requests, &markupMicros); err != nil {
			continue
		}
		d.Date = date.Format("2006-01-02")
		d.Cost = microsToUSD(markupMicros)
		out = append(out, d)
	}
	return out
}

// UserUsageRange returns per-user totals over the range, biggest spender first.
func (r *Repository) UserUsageRange(ctx context.Context, clientOrgID string, start, end time.Time) []UserUsage {
	if r == nil || r.pool == nil {
		return nil
	}
	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT user_id, SUM(tokens), SUM(requests), SUM(markup_cost_micros)
		FROM client_user_daily_usage
		WHERE client_org_id = $1 AND usage_date BETWEEN $2 AND $3
		GROUP BY user_id
		ORDER BY SUM(markup_cost_micros) DESC`,
		clientOrgID, start, end,
	)
	if err != nil {
		slog.Warn("user usage query failed, returning empty breakdown",
			slog.String("client_org_id", clientOrgID),
			slog.String("error", err.Error()))
		return nil
	}
	defer rows.Close()

	var out []UserUsage
	for rows.Next() {
		var u UserUsage
		var markupMicros int64
		if err := rows.Scan(&u.UserID, &u.Tokens, &u.Requests, &markupMicros); err != nil {
			continue
		}
		u.Cost = microsToUSD(markupMicros)
		out = append(out, u)
	}
	return out
}

// ModelUsageRange returns per-model totals over the range, biggest spender first.
func (r *Repository) ModelUsageRange(ctx context.Context, clientOrgID string, start, end time.Time) []ModelUsage {
	if r == nil || r.pool == nil {
		return nil
	}
	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT model_name, MAX(provider), SUM(tokens), SUM(requests), SUM(markup_cost_micros)
		FROM client_model_daily_usage
		WHERE client_org_id = $1 AND usage_date BETWEEN $2 AND $3
		GROUP BY model_name
		ORDER BY SUM(markup_cost_micros) DESC`,
		clientOrgID, start, end,
	)
	if err != nil {
		slog.Warn("model usage query failed, returning empty breakdown",
			slog.String("client_org_id", clientOrgID),
			slog.String("error", err.Error()))
		return nil
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var m ModelUsage
		var markupMicros int64
		if err := rows.Scan(&m.ModelName, &m.Provider, &m.Tokens, &m.Requests, &markupMicros); err != nil {
			continue
		}
		m.Cost = microsToUSD(markupMicros)
		out = append(out, m)
	}
	return out
}

func microsToUSD(micros int64) float64 {
	if micros == 0 {
		return 0
	}
	f, _ := decimal.NewFromInt(micros).Div(decimal.NewFromInt(1_000_000)).Float64()
	return f
}
