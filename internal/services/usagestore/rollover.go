package usagestore

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/open-webui/usage-engine/internal/timeutil"
)

// RolloverSummary reports the outcome of a batch rollover sweep.
type RolloverSummary struct {
	Success            bool      `json:"success"`
	RolloversPerformed int       `json:"rollovers_performed"`
	ClientsFailed      int       `json:"clients_failed"`
	Timestamp          time.Time `json:"timestamp"`
}

// RolloverStale sweeps every live counter whose date is behind the client's
// local today and freezes it into the daily summary. Individual client
// failures are logged and skipped; the sweep keeps going. Safe to race with
// the write-path rollover because both take the same row lock and re-check
// staleness after acquiring it.
func (s *Store) RolloverStale(ctx context.Context) RolloverSummary {
	summary := RolloverSummary{Success: true, Timestamp: time.Now().UTC()}
	if s == nil || s.pool == nil {
		summary.Success = false
		return summary
	}

	rows, err := s.pool.Query(ctx, `
		SELECT c.client_org_id, c.counter_date, COALESCE(o.billing_timezone, '')
		FROM client_live_counters c
		LEFT JOIN client_organizations o ON o.id = c.client_org_id`)
	if err != nil {
		slog.Error("rollover scan failed", slog.String("error", err.Error()))
		summary.Success = false
		return summary
	}

	type candidate struct {
		clientOrgID string
		counterDate time.Time
		timezone    string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.clientOrgID, &c.counterDate, &c.timezone); err != nil {
			continue
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		slog.Error("rollover scan failed", slog.String("error", err.Error()))
		summary.Success = false
		return summary
	}

	for _, c := range candidates {
		tz := c.timezone
		if tz == "" {
			tz = s.cfg.DefaultTimezone
		}
		today := s.zones.ClientLocalDate(tz)
		if !c.counterDate.Before(today) {
			continue
		}
		if err := s.rolloverClient(ctx, c.clientOrgID, today); err != nil {
			slog.Error("rollover client failed",
				slog.String("client_org_id", c.clientOrgID),
				slog.String("error", err.Error()))
			summary.ClientsFailed++
			continue
		}
		summary.RolloversPerformed++
	}

	s.metrics.RecordRollover("batch", summary.RolloversPerformed)
	if summary.ClientsFailed > 0 {
		summary.Success = false
	}
	return summary
}

func (s *Store) rolloverClient(ctx context.Context, clientOrgID string, today time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	counter, err := s.lockLiveCounter(ctx, tx, clientOrgID, today)
	if err != nil {
		return err
	}
	// Re-check under the lock; a concurrent write-path rollover may have
	// already moved the counter to today.
	if timeutil.SameDate(counter.Date, today) || counter.Date.After(today) {
		return tx.Commit(ctx)
	}
	if err := s.rollForward(ctx, tx, clientOrgID, counter); err != nil {
		return err
	}
	if err := s.resetLiveCounter(ctx, tx, clientOrgID, today); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
