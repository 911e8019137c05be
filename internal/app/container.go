package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/open-webui/usage-engine/internal/cache"
	"github.com/open-webui/usage-engine/internal/config"
	"github.com/open-webui/usage-engine/internal/health"
	"github.com/open-webui/usage-engine/internal/observability"
	"github.com/open-webui/usage-engine/internal/pricing"
	"github.com/open-webui/usage-engine/internal/services/usagecalc"
	"github.com/open-webui/usage-engine/internal/services/usagestore"
	"github.com/open-webui/usage-engine/internal/timeutil"
)

// Container aggregates runtime dependencies. Everything is constructed here,
// explicitly, from the primitives handed in; no package holds process-global
// state.
type Container struct {
	Config        *config.Config
	DBPool        *pgxpool.Pool
	Redis         *redis.Client
	Observability *observability.Provider
	Zones         *timeutil.Zones
	Store         *usagestore.Store
	Repository    *usagecalc.Repository
	Calculator    *usagecalc.Calculator
	Pricing       *pricing.Service
	PricingMgr    *pricing.Manager
	HealthMon     *health.Monitor
}

// NewContainer wires the engine from the provided primitives.
func NewContainer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client, obs *observability.Provider) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("db pool is required")
	}
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	zones := timeutil.NewZones()

	processed := cache.NewProcessedCache(redisClient, 48*time.Hour)
	store := usagestore.New(pool, zones, obs, processed, cfg.Usage)
	repo := usagecalc.NewRepository(pool, cfg.Usage)
	calculator := usagecalc.NewCalculator(repo, zones, obs, cfg.Usage)

	pricingClient := pricing.NewClient(cfg.Pricing, obs)
	pricingRepo := pricing.NewRepository(pricingClient, obs)
	pricingCache := pricing.NewCachedRepository(pricingRepo, redisClient, obs, cfg.Pricing)
	pricingSvc := pricing.NewService(pricingCache)
	pricingMgr := pricing.NewManager(pricingCache, pricingClient, cfg.Pricing)

	monitor := health.NewMonitor(time.Minute, 5*time.Second)
	monitor.Register("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	monitor.Register("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	monitor.Register("openrouter", func(ctx context.Context) error {
		if !pricingClient.HealthCheck(ctx) {
			return fmt.Errorf("pricing upstream unreachable")
		}
		return nil
	})

	return &Container{
		Config:        cfg,
		DBPool:        pool,
		Redis:         redisClient,
		Observability: obs,
		Zones:         zones,
		Store:         store,
		Repository:    repo,
		Calculator:    calculator,
		Pricing:       pricingSvc,
		PricingMgr:    pricingMgr,
		HealthMon:     monitor,
	}, nil
}

// Shutdown stops background work owned by the container. The pool and Redis
// client are closed by their creator.
func (c *Container) Shutdown(ctx context.Context) {
	if c == nil {
		return
	}
	if c.PricingMgr != nil {
		c.PricingMgr.Shutdown()
	}
	if c.Observability != nil {
		_ = c.Observability.Shutdown(ctx)
	}
}
