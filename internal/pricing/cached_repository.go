package pricing

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/open-webui/usage-engine/internal/config"
	"github.com/open-webui/usage-engine/internal/observability"
)

const redisCatalogKey = "pricing:catalog"

const (
	sourceL1    = "l1"
	sourceL2    = "l2"
	sourceStale = "stale"
)

// CatalogSource produces a fresh catalog; *Repository is the production
// implementation.
type CatalogSource interface {
	Catalog(ctx context.Context) (Catalog, error)
}

type l1Entry struct {
	catalog  Catalog
	storedAt time.Time
}

// CachedRepository layers a short-lived in-process cache over a Redis-backed
// shared cache over the upstream source. Reads promote upward: an L2 hit
// refills L1, a source fetch refills both. When the catalog approaches its L2
// expiry a background refresh runs so readers keep hitting cache. The last
// good catalog is retained indefinitely and served stale if every fresher
// source fails.
type CachedRepository struct {
	source  CatalogSource
	redis   *redis.Client
	metrics *observability.Provider
	cfg     config.PricingConfig

	mu       sync.RWMutex
	l1       *l1Entry
	lastGood *Catalog

	refreshing atomic.Bool
}

func NewCachedRepository(source CatalogSource, rdb *redis.Client, metrics *observability.Provider, cfg config.PricingConfig) *CachedRepository {
	return &CachedRepository{source: source, redis: rdb, metrics: metrics, cfg: cfg}
}

// Catalog returns the current pricing catalog. force bypasses both cache
// tiers. The error is non-nil only when the returned catalog is degraded
// (stale or fallback).
func (c *CachedRepository) Catalog(ctx context.Context, force bool) (Catalog, error) {
	if !force {
		if catalog, ok := c.fromL1(); ok {
			c.metrics.RecordPricingFetch(sourceL1)
			c.maybeRefresh(catalog)
			return catalog, nil
		}
		if catalog, ok := c.fromL2(ctx); ok {
			c.promote(catalog)
			c.metrics.RecordPricingFetch(sourceL2)
			c.maybeRefresh(catalog)
			return catalog, nil
		}
	}
	return c.refresh(ctx)
}

func (c *CachedRepository) fromL1() (Catalog, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.l1 == nil || time.Since(c.l1.storedAt) > c.cfg.L1TTL {
		return Catalog{}, false
	}
	return c.l1.catalog, true
}

func (c *CachedRepository) fromL2(ctx context.Context) (Catalog, bool) {
	if c.redis == nil {
		return Catalog{}, false
	}
	payload, err := c.redis.Get(ctx, redisCatalogKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("pricing l2 read failed", slog.String("error", err.Error()))
		}
		return Catalog{}, false
	}
	var catalog Catalog
	if err := json.Unmarshal(payload, &catalog); err != nil {
		slog.Warn("pricing l2 payload corrupt, dropping",
			slog.String("error", err.Error()))
		c.redis.Del(ctx, redisCatalogKey)
		return Catalog{}, false
	}
	if len(catalog.Models) == 0 {
		return Catalog{}, false
	}
	return catalog, true
}

// refresh fetches from the source and refills both tiers. On failure the last
// good catalog is served stale; the fallback table is the floor under that.
func (c *CachedRepository) refresh(ctx context.Context) (Catalog, error) {
	catalog, err := c.source.Catalog(ctx)
	if err != nil {
		c.mu.RLock()
		stale := c.lastGood
		c.mu.RUnlock()
		if stale != nil {
			slog.Warn("pricing refresh failed, serving stale catalog",
				slog.String("error", err.Error()),
				slog.Time("fetched_at", stale.FetchedAt))
			c.metrics.RecordPricingFetch(sourceStale)
			return *stale, err
		}
		// Source already substituted the fallback catalog.
		return catalog, err
	}

	c.promote(catalog)
	c.mu.Lock()
	snapshot := catalog
	c.lastGood = &snapshot
	c.mu.Unlock()
	c.storeL2(ctx, catalog)
	return catalog, nil
}

func (c *CachedRepository) promote(catalog Catalog) {
	c.mu.Lock()
	c.l1 = &l1Entry{catalog: catalog, storedAt: time.Now()}
	if catalog.Source == sourceUpstream && c.lastGood == nil {
		snapshot := catalog
		c.lastGood = &snapshot
	}
	c.mu.Unlock()
}

func (c *CachedRepository) storeL2(ctx context.Context, catalog Catalog) {
	if c.redis == nil {
		return
	}
	payload, err := json.Marshal(catalog)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisCatalogKey, payload, c.cfg.L2TTL).Err(); err != nil {
		slog.Warn("pricing l2 write failed", slog.String("error", err.Error()))
	}
}

// maybeRefresh kicks a single background refresh when the served catalog is
// inside the refresh-ahead window of its L2 expiry.
func (c *CachedRepository) maybeRefresh(catalog Catalog) {
	expiry := catalog.FetchedAt.Add(c.cfg.L2TTL)
	if time.Until(expiry) > c.cfg.RefreshAhead {
		return
	}
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if _, err := c.refresh(ctx); err != nil {
			slog.Warn("background pricing refresh failed", slog.String("error", err.Error()))
		}
	}()
}

// Invalidate drops both cache tiers; the next read goes to the source.
func (c *CachedRepository) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.l1 = nil
	c.mu.Unlock()
	if c.redis != nil {
		if err := c.redis.Del(ctx, redisCatalogKey).Err(); err != nil {
			slog.Warn("pricing l2 invalidate failed", slog.String("error", err.Error()))
		}
	}
}

// CacheStats describes the current state of the cache tiers.
type CacheStats struct {
	L1Models    int        `json:"l1_models"`
	L1Age       float64    `json:"l1_age_seconds"`
	LastFetched *time.Time `json:"last_fetched,omitempty"`
	LastSource  string     `json:"last_source,omitempty"`
}

func (c *CachedRepository) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := CacheStats{}
	if c.l1 != nil {
		stats.L1Models = len(c.l1.catalog.Models)
		stats.L1Age = time.Since(c.l1.storedAt).Seconds()
		stats.LastSource = c.l1.catalog.Source
	}
	if c.lastGood != nil {
		t := c.lastGood.FetchedAt
		stats.LastFetched = &t
	}
	return stats
}
