package usagestore

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/open-webui/usage-engine/internal/config"
	"github.com/open-webui/usage-engine/internal/timeutil"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock detected", &pgconn.PgError{Code: "40P01"}, true},
		{"lock not available", &pgconn.PgError{Code: "55P03"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"deadlock in message", errors.New("pq: deadlock detected"), true},
		{"lock timeout in message", errors.New("canceling statement due to lock timeout"), true},
		{"could not obtain lock", errors.New("could not obtain lock on row"), true},
		{"plain failure", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestUSDToMicrosRoundTrip(t *testing.T) {
	tests := []struct {
		usd    float64
		micros int64
	}{
		{0, 0},
		{1, 1_000_000},
		{0.000001, 1},
		{2.5, 2_500_000},
		{0.1, 100_000},
		{1234.567891, 1_234_567_891},
	}
	for _, tt := range tests {
		if got := usdToMicros(tt.usd); got != tt.micros {
			t.Errorf("usdToMicros(%v) = %d, want %d", tt.usd, got, tt.micros)
		}
		if back := microsToUSD(tt.micros); back != tt.usd {
			t.Errorf("microsToUSD(%d) = %v, want %v", tt.micros, back, tt.usd)
		}
	}
}

func TestApplyMarkup(t *testing.T) {
	// 1.30 markup on $1.00 must be exactly $1.30, no float drift.
	if got := applyMarkup(1_000_000, 1.3); got != 1_300_000 {
		t.Errorf("want 1300000, got %d", got)
	}
	if got := applyMarkup(0, 1.3); got != 0 {
		t.Errorf("zero raw cost must stay zero, got %d", got)
	}
	// Sub-micro remainders round half up.
	if got := applyMarkup(1, 1.5); got != 2 {
		t.Errorf("want 2, got %d", got)
	}
}

func TestRecordUsage_NilStoreNeverPanics(t *testing.T) {
	var s *Store
	if s.RecordUsage(context.Background(), Event{ClientOrgID: "acme", ModelName: "openai/gpt-4o"}) {
		t.Error("nil store must report failure")
	}

	unwired := New(nil, timeutil.NewZones(), nil, nil, config.UsageConfig{})
	if unwired.RecordUsage(context.Background(), Event{ClientOrgID: "acme", ModelName: "openai/gpt-4o"}) {
		t.Error("store without a pool must report failure")
	}
}

func TestCleanupProcessedGenerations_NilPoolFailsClosed(t *testing.T) {
	unwired := New(nil, timeutil.NewZones(), nil, nil, config.UsageConfig{RetentionDays: 90})
	stats := unwired.CleanupProcessedGenerations(context.Background(), 0)
	if stats.Success {
		t.Error("cleanup without a pool must not report success")
	}
}
