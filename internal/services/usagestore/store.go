package usagestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	decimal "github.com/shopspring/decimal"

	"github.com/open-webui/usage-engine/internal/cache"
	"github.com/open-webui/usage-engine/internal/config"
	"github.com/open-webui/usage-engine/internal/observability"
	"github.com/open-webui/usage-engine/internal/timeutil"
)

var ErrStoreUnavailable = errors.New("usage store unavailable")

// DB is the slice of pgxpool.Pool the store uses; tests substitute fakes.
type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

// Store owns the write path for usage accounting: the per-client live
// counters, the immutable daily summaries, the per-user/per-model daily
// breakdowns, and the processed-generation ledger.
type Store struct {
	pool      DB
	zones     *timeutil.Zones
	metrics   *observability.Provider
	processed *cache.ProcessedCache
	cfg       config.UsageConfig
}

// Event is a single billed request as reported by the ingestion pipeline.
// A zero UsageDate accounts the event on the client's current local date;
// generations fetched late from the upstream API set UsageDate to the day
// they actually happened. OpenRouterUserID attributes the event when the
// upstream record carries no internal user id.
type Event struct {
	ClientOrgID      string
	UserID           string
	OpenRouterUserID string
	ModelName        string
	Provider         string
	UsageDate        time.Time
	InputTokens      int64
	OutputTokens     int64
	RawCostUSD       float64
	MarkupCostUSD    float64
}

func New(pool DB, zones *timeutil.Zones, metrics *observability.Provider, processed *cache.ProcessedCache, cfg config.UsageConfig) *Store {
	return &Store{pool: pool, zones: zones, metrics: metrics, processed: processed, cfg: cfg}
}

type clientMeta struct {
	Timezone   string
	MarkupRate float64
}

func (s *Store) clientMeta(ctx context.Context, tx pgx.Tx, clientOrgID string) clientMeta {
	meta := clientMeta{Timezone: s.cfg.DefaultTimezone, MarkupRate: s.cfg.DefaultMarkupRate}
	var tz string
	var markup float64
	err := tx.QueryRow(ctx,
		`SELECT billing_timezone, markup_rate FROM client_organizations WHERE id = $1`,
		clientOrgID,
	).Scan(&tz, &markup)
	if err != nil {
		return meta
	}
	if strings.TrimSpace(tz) != "" {
		meta.Timezone = tz
	}
	if markup >= 1 {
		meta.MarkupRate = markup
	}
	return meta
}

// retryable serialization/lock failures; anything else fails the attempt immediately.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") || strings.Contains(msg, "lock timeout") ||
		strings.Contains(msg, "could not obtain lock")
}

func usdToMicros(value float64) int64 {
	if value == 0 {
		return 0
	}
	return decimal.NewFromFloat(value).Mul(decimal.NewFromInt(1_000_000)).Round(0).IntPart()
}

func microsToUSD(micros int64) float64 {
	if micros == 0 {
		return 0
	}
	f, _ := decimal.NewFromInt(micros).Div(decimal.NewFromInt(1_000_000)).Float64()
	return f
}

func applyMarkup(rawMicros int64, rate float64) int64 {
	if rawMicros == 0 {
		return 0
	}
	return decimal.NewFromInt(rawMicros).Mul(decimal.NewFromFloat(rate)).Round(0).IntPart()
}
