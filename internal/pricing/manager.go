package pricing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/open-webui/usage-engine/internal/config"
)

// Manager owns the operational lifecycle of the pricing cache: warm-up at
// boot, the periodic refresh loop, and forced invalidation. It does not sit on
// the read path.
type Manager struct {
	catalog *CachedRepository
	client  *Client
	cfg     config.PricingConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(catalog *CachedRepository, client *Client, cfg config.PricingConfig) *Manager {
	return &Manager{catalog: catalog, client: client, cfg: cfg}
}

// WarmCache performs the initial fetch so the first cost calculation does not
// pay upstream latency. A failed warm-up is logged, not fatal: the fallback
// table covers the gap.
func (m *Manager) WarmCache(ctx context.Context) {
	catalog, err := m.catalog.Catalog(ctx, true)
	if err != nil {
		slog.Warn("pricing cache warm-up degraded",
			slog.String("source", catalog.Source),
			slog.String("error", err.Error()))
		return
	}
	slog.Info("pricing cache warmed",
		slog.Int("models", len(catalog.Models)))
	m.logMissingWarmModels(catalog)
}

func (m *Manager) logMissingWarmModels(catalog Catalog) {
	for _, id := range m.cfg.WarmModels {
		if _, ok := catalog.Models[id]; !ok {
			slog.Warn("configured warm model absent from catalog", slog.String("model", id))
		}
	}
}

// StartPeriodicRefresh launches the refresh loop. The loop owns its context:
// Shutdown (or the second call's implicit restart) cancels it.
func (m *Manager) StartPeriodicRefresh(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(loopCtx, m.cfg.RequestTimeout)
				if _, err := m.catalog.Catalog(refreshCtx, true); err != nil {
					slog.Warn("periodic pricing refresh degraded", slog.String("error", err.Error()))
				}
				cancel()
			}
		}
	}()
}

// ForceRefresh drops both cache tiers and fetches fresh prices.
func (m *Manager) ForceRefresh(ctx context.Context) PricingResult {
	m.catalog.Invalidate(ctx)
	catalog, err := m.catalog.Catalog(ctx, true)
	result := PricingResult{Catalog: catalog, Success: err == nil}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// Health reports upstream reachability and cache state for diagnostics.
type Health struct {
	UpstreamHealthy bool       `json:"upstream_healthy"`
	BreakerOpen     bool       `json:"breaker_open"`
	Cache           CacheStats `json:"cache"`
}

func (m *Manager) Health(ctx context.Context) Health {
	return Health{
		UpstreamHealthy: m.client.HealthCheck(ctx),
		BreakerOpen:     m.client.BreakerOpen(),
		Cache:           m.catalog.Stats(),
	}
}

// Stats exposes the cache tier snapshot.
func (m *Manager) Stats() CacheStats {
	return m.catalog.Stats()
}

// Shutdown stops the refresh loop and waits for it to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
