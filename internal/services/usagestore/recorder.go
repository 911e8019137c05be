package usagestore

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/open-webui/usage-engine/internal/timeutil"
)

// RecordUsage applies one billed event atomically: the client's live counter,
// the per-user daily row, and the per-model daily row move together in a
// single transaction so breakdowns can never drift from the aggregate. A
// stale live counter is rolled into its daily summary before the event is
// added. Transient lock/deadlock conflicts are retried with linear backoff.
//
// Returns false when the event could not be persisted; the caller must
// re-queue or log the event, nothing is raised.
func (s *Store) RecordUsage(ctx context.Context, ev Event) bool {
	if s == nil || s.pool == nil {
		return false
	}
	if strings.TrimSpace(ev.ClientOrgID) == "" || strings.TrimSpace(ev.ModelName) == "" {
		slog.Warn("usage event missing client or model, dropping",
			slog.String("client_org_id", ev.ClientOrgID),
			slog.String("model", ev.ModelName))
		s.metrics.RecordUsageFailure(ev.ClientOrgID, "invalid_event")
		return false
	}

	maxAttempts := s.cfg.RecordMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.recordOnce(ctx, ev)
		if err == nil {
			s.metrics.RecordUsageEvent(ev.ClientOrgID, ev.Provider)
			return true
		}
		lastErr = err
		if !isRetryable(err) {
			slog.Error("record usage failed",
				slog.String("client_org_id", ev.ClientOrgID),
				slog.String("model", ev.ModelName),
				slog.String("error", err.Error()))
			s.metrics.RecordUsageFailure(ev.ClientOrgID, "fatal")
			return false
		}
		if attempt < maxAttempts {
			backoff := s.cfg.RecordBackoff * time.Duration(attempt)
			select {
			case <-ctx.Done():
				s.metrics.RecordUsageFailure(ev.ClientOrgID, "canceled")
				return false
			case <-time.After(backoff):
			}
		}
	}

	slog.Error("record usage retries exhausted",
		slog.String("client_org_id", ev.ClientOrgID),
		slog.Int("attempts", maxAttempts),
		slog.String("error", lastErr.Error()))
	s.metrics.RecordUsageFailure(ev.ClientOrgID, "retry_exhausted")
	return false
}

func (s *Store) recordOnce(ctx context.Context, ev Event) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	meta := s.clientMeta(ctx, tx, ev.ClientOrgID)
	today := s.zones.ClientLocalDate(meta.Timezone)
	eventDate := today
	if !ev.UsageDate.IsZero() {
		eventDate = timeutil.TruncateToDay(ev.UsageDate, s.zones.Location(meta.Timezone))
	}

	rawMicros := usdToMicros(ev.RawCostUSD)
	markupMicros := usdToMicros(ev.MarkupCostUSD)
	if markupMicros == 0 && rawMicros != 0 {
		markupMicros = applyMarkup(rawMicros, meta.MarkupRate)
	}
	tokens := ev.InputTokens + ev.OutputTokens

	userID := strings.TrimSpace(ev.UserID)
	if userID == "" {
		userID = strings.TrimSpace(ev.OpenRouterUserID)
	}

	counter, err := s.lockLiveCounter(ctx, tx, ev.ClientOrgID, today)
	if err != nil {
		return err
	}

	// Rollover-on-write: a counter left over from a previous day is frozen
	// into its daily summary before the event lands. This runs even for
	// backdated events, so a stale counter and a late daily write for the
	// same date always merge into one summary row.
	if !timeutil.SameDate(counter.Date, today) {
		if err := s.rollForward(ctx, tx, ev.ClientOrgID, counter); err != nil {
			return err
		}
		if err := s.resetLiveCounter(ctx, tx, ev.ClientOrgID, today); err != nil {
			return err
		}
		s.metrics.RecordRollover("write", 1)
	}

	if timeutil.SameDate(eventDate, today) {
		_, err = tx.Exec(ctx, `
			UPDATE client_live_counters
			SET tokens = tokens + $2,
			    requests = requests + 1,
			    raw_cost_micros = raw_cost_micros + $3,
			    markup_cost_micros = markup_cost_micros + $4,
			    updated_at = now()
			WHERE client_org_id = $1`,
			ev.ClientOrgID, tokens, rawMicros, markupMicros,
		)
	} else {
		// The live counter only tracks the current day; a backdated event
		// goes straight into the frozen daily summary for its date.
		_, err = tx.Exec(ctx, `
			INSERT INTO client_daily_usage
				(client_org_id, usage_date, total_tokens, total_requests, raw_cost_micros, markup_cost_micros, primary_model, unique_users)
			VALUES ($1, $2, $3, 1, $4, $5, $6, 0)
			ON CONFLICT (client_org_id, usage_date) DO UPDATE SET
				total_tokens = client_daily_usage.total_tokens + EXCLUDED.total_tokens,
				total_requests = client_daily_usage.total_requests + 1,
				raw_cost_micros = client_daily_usage.raw_cost_micros + EXCLUDED.raw_cost_micros,
				markup_cost_micros = client_daily_usage.markup_cost_micros + EXCLUDED.markup_cost_micros`,
			ev.ClientOrgID, eventDate, tokens, rawMicros, markupMicros, ev.ModelName,
		)
	}
	if err != nil {
		return err
	}

	if userID != "" {
		_, err = tx.Exec(ctx, `
			INSERT INTO client_user_daily_usage
				(client_org_id, user_id, usage_date, tokens, requests, raw_cost_micros, markup_cost_micros)
			VALUES ($1, $2, $3, $4, 1, $5, $6)
			ON CONFLICT (client_org_id, user_id, usage_date) DO UPDATE SET
				tokens = client_user_daily_usage.tokens + EXCLUDED.tokens,
				requests = client_user_daily_usage.requests + 1,
				raw_cost_micros = client_user_daily_usage.raw_cost_micros + EXCLUDED.raw_cost_micros,
				markup_cost_micros = client_user_daily_usage.markup_cost_micros + EXCLUDED.markup_cost_micros`,
			ev.ClientOrgID, userID, eventDate, tokens, rawMicros, markupMicros,
		)
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO client_model_daily_usage
			(client_org_id, model_name, provider, usage_date, tokens, requests, raw_cost_micros, markup_cost_micros)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
		ON CONFLICT (client_org_id, model_name, usage_date) DO UPDATE SET
			tokens = client_model_daily_usage.tokens + EXCLUDED.tokens,
			requests = client_model_daily_usage.requests + 1,
			raw_cost_micros = client_model_daily_usage.raw_cost_micros + EXCLUDED.raw_cost_micros,
			markup_cost_micros = client_model_daily_usage.markup_cost_micros + EXCLUDED.markup_cost_micros,
			provider = EXCLUDED.provider`,
		ev.ClientOrgID, ev.ModelName, ev.Provider, eventDate, tokens, rawMicros, markupMicros,
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

type liveCounter struct {
	Date         time.Time
	Tokens       int64
	Requests     int64
	RawMicros    int64
	MarkupMicros int64
}

// lockLiveCounter acquires the per-client exclusive lock; concurrent writers
// for the same tenant serialize here. The row is created on first use.
func (s *Store) lockLiveCounter(ctx context.Context, tx pgx.Tx, clientOrgID string, today time.Time) (liveCounter, error) {
	var c liveCounter
	err := tx.QueryRow(ctx, `
		SELECT counter_date, tokens, requests, raw_cost_micros, markup_cost_micros
		FROM client_live_counters
		WHERE client_org_id = $1
		FOR UPDATE`,
		clientOrgID,
	).Scan(&c.Date, &c.Tokens, &c.Requests, &c.RawMicros, &c.MarkupMicros)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return liveCounter{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO client_live_counters (client_org_id, counter_date, tokens, requests, raw_cost_micros, markup_cost_micros)
		VALUES ($1, $2, 0, 0, 0, 0)
		ON CONFLICT (client_org_id) DO NOTHING`,
		clientOrgID, today,
	)
	if err != nil {
		return liveCounter{}, err
	}
	err = tx.QueryRow(ctx, `
		SELECT counter_date, tokens, requests, raw_cost_micros, markup_cost_micros
		FROM client_live_counters
		WHERE client_org_id = $1
		FOR UPDATE`,
		clientOrgID,
	).Scan(&c.Date, &c.Tokens, &c.Requests, &c.RawMicros, &c.MarkupMicros)
	if err != nil {
		return liveCounter{}, err
	}
	return c, nil
}

// rollForward freezes the counter's accumulated totals into the daily summary
// for the counter's date. Shared by the write path and the batch job so the
// two rollover triggers cannot diverge. Zero counters produce no summary row.
func (s *Store) rollForward(ctx context.Context, tx pgx.Tx, clientOrgID string, c liveCounter) error {
	if c.Tokens == 0 && c.Requests == 0 && c.RawMicros == 0 && c.MarkupMicros == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO client_daily_usage
			(client_org_id, usage_date, total_tokens, total_requests, raw_cost_micros, markup_cost_micros, primary_model, unique_users)
		VALUES ($1, $2, $3, $4, $5, $6,
			COALESCE((SELECT model_name FROM client_model_daily_usage
			          WHERE client_org_id = $1 AND usage_date = $2
			          ORDER BY tokens DESC LIMIT 1), ''),
			COALESCE((SELECT COUNT(DISTINCT user_id) FROM client_user_daily_usage
			          WHERE client_org_id = $1 AND usage_date = $2), 0))
		ON CONFLICT (client_org_id, usage_date) DO UPDATE SET
			total_tokens = client_daily_usage.total_tokens + EXCLUDED.total_tokens,
			total_requests = client_daily_usage.total_requests + EXCLUDED.total_requests,
			raw_cost_micros = client_daily_usage.raw_cost_micros + EXCLUDED.raw_cost_micros,
			markup_cost_micros = client_daily_usage.markup_cost_micros + EXCLUDED.markup_cost_micros,
			primary_model = EXCLUDED.primary_model,
			unique_users = EXCLUDED.unique_users`,
		clientOrgID, c.Date, c.Tokens, c.Requests, c.RawMicros, c.MarkupMicros,
	)
	return err
}

func (s *Store) resetLiveCounter(ctx context.Context, tx pgx.Tx, clientOrgID string, today time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE client_live_counters
		SET counter_date = $2, tokens = 0, requests = 0, raw_cost_micros = 0, markup_cost_micros = 0, updated_at = now()
		WHERE client_org_id = $1`,
		clientOrgID, today,
	)
	return err
}
