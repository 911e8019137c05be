package usagestore

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Approximate on-disk footprint of one ledger row, used only for the audit
// trail's reclaimed-storage estimate.
const ledgerRowBytesEstimate = 160

// IsGenerationProcessed reports whether the external billing event has
// already been applied for this client. Callers check before RecordUsage and
// mark only after it succeeds. Recently marked ids are answered from Redis;
// the ledger row remains the source of truth.
func (s *Store) IsGenerationProcessed(ctx context.Context, generationID, clientOrgID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrStoreUnavailable
	}
	if s.processed.Seen(ctx, clientOrgID, generationID) {
		return true, nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_generations
			WHERE generation_id = $1 AND client_org_id = $2
		)`,
		generationID, clientOrgID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists {
		s.processed.MarkSeen(ctx, clientOrgID, generationID)
	}
	return exists, nil
}

// MarkGenerationProcessed records the event id in the idempotency ledger.
// Re-marking an already-processed generation is a no-op.
func (s *Store) MarkGenerationProcessed(ctx context.Context, generationID, clientOrgID, userID, modelName string, totalTokens int64, rawCostUSD float64) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_generations
			(generation_id, client_org_id, user_id, model_name, total_tokens, raw_cost_micros, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (generation_id, client_org_id) DO NOTHING`,
		generationID, clientOrgID, userID, modelName, totalTokens, usdToMicros(rawCostUSD),
	)
	if err == nil {
		s.processed.MarkSeen(ctx, clientOrgID, generationID)
	}
	return err
}

// CleanupStats summarizes one retention prune of the ledger.
type CleanupStats struct {
	CutoffDate        time.Time `json:"cutoff_date"`
	RecordsDeleted    int64     `json:"records_deleted"`
	RecordsKept       int64     `json:"records_kept"`
	BytesReclaimedEst int64     `json:"bytes_reclaimed_estimate"`
	DurationMS        int64     `json:"duration_ms"`
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
}

type orgLedgerStats struct {
	ClientOrgID string
	Records     int64
	Tokens      int64
	RawMicros   int64
}

// CleanupProcessedGenerations prunes ledger rows older than daysToKeep and
// writes an audit row describing the prune. A failure to write the audit row
// never fails the cleanup itself.
func (s *Store) CleanupProcessedGenerations(ctx context.Context, daysToKeep int) CleanupStats {
	stats := CleanupStats{Success: true}
	if s == nil || s.pool == nil {
		stats.Success = false
		stats.Error = ErrStoreUnavailable.Error()
		return stats
	}
	if daysToKeep <= 0 {
		daysToKeep = s.cfg.RetentionDays
	}

	started := time.Now()
	stats.CutoffDate = started.UTC().AddDate(0, 0, -daysToKeep)

	// Pre-deletion per-organization stats go to the log for audit purposes.
	for _, org := range s.ledgerStatsBefore(ctx, stats.CutoffDate) {
		slog.Info("ledger cleanup: pruning organization rows",
			slog.String("client_org_id", org.ClientOrgID),
			slog.Int64("records", org.Records),
			slog.Int64("tokens", org.Tokens),
			slog.Float64("raw_cost_usd", microsToUSD(org.RawMicros)))
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM processed_generations WHERE processed_at < $1`,
		stats.CutoffDate,
	)
	if err != nil {
		stats.Success = false
		stats.Error = err.Error()
	} else {
		stats.RecordsDeleted = tag.RowsAffected()
		stats.BytesReclaimedEst = stats.RecordsDeleted * ledgerRowBytesEstimate
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM processed_generations`,
	).Scan(&stats.RecordsKept); err != nil {
		slog.Warn("ledger cleanup: count remaining rows", slog.String("error", err.Error()))
	}

	stats.DurationMS = time.Since(started).Milliseconds()
	s.writeCleanupAudit(ctx, stats)
	return stats
}

func (s *Store) ledgerStatsBefore(ctx context.Context, cutoff time.Time) []orgLedgerStats {
	rows, err := s.pool.Query(ctx, `
		SELECT client_org_id, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(raw_cost_micros), 0)
		FROM processed_generations
		WHERE processed_at < $1
		GROUP BY client_org_id`,
		cutoff,
	)
	if err != nil {
		slog.Warn("ledger cleanup: pre-delete stats", slog.String("error", err.Error()))
		return nil
	}
	defer rows.Close()

	var out []orgLedgerStats
	for rows.Next() {
		var o orgLedgerStats
		if err := rows.Scan(&o.ClientOrgID, &o.Records, &o.Tokens, &o.RawMicros); err != nil {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Audit logging must never sink the cleanup, so errors stop here.
func (s *Store) writeCleanupAudit(ctx context.Context, stats CleanupStats) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_cleanup_audit
			(id, cutoff_date, records_deleted, records_kept, bytes_reclaimed_estimate, duration_ms, success, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), stats.CutoffDate, stats.RecordsDeleted, stats.RecordsKept,
		stats.BytesReclaimedEst, stats.DurationMS, stats.Success, stats.Error,
	)
	if err != nil {
		slog.Error("ledger cleanup: write audit row", slog.String("error", err.Error()))
	}
}
