package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/open-webui/usage-engine/internal/app"
	"github.com/open-webui/usage-engine/internal/config"
	"github.com/open-webui/usage-engine/internal/database"
	"github.com/open-webui/usage-engine/internal/health"
	"github.com/open-webui/usage-engine/internal/observability"
	"github.com/open-webui/usage-engine/internal/redisclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := database.RunMigrations(ctx, cfg.Database); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	dbPool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer dbPool.Close()

	redisClient := redisclient.New(cfg.Redis)
	if err := redisclient.Ping(ctx, redisClient); err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer redisClient.Close()

	obs, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		log.Fatalf("setup observability: %v", err)
	}

	container, err := app.NewContainer(ctx, cfg, dbPool, redisClient, obs)
	if err != nil {
		log.Fatalf("build container: %v", err)
	}
	defer container.Shutdown(context.Background())

	container.PricingMgr.WarmCache(ctx)
	container.PricingMgr.StartPeriodicRefresh(ctx)
	container.HealthMon.Start(ctx)

	scheduler, err := startScheduler(ctx, container, cfg.Rollover)
	if err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	metricsSrv := startMetricsServer(cfg.Metrics, obs, container.HealthMon)

	slog.Info("usage engine started",
		slog.String("metrics_addr", cfg.Metrics.ListenAddr),
		slog.String("rollover_schedule", cfg.Rollover.Schedule))

	<-ctx.Done()
	slog.Info("shutting down")

	schedCtx := scheduler.Stop()
	select {
	case <-schedCtx.Done():
	case <-time.After(30 * time.Second):
		slog.Warn("scheduler jobs did not finish before shutdown deadline")
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

// startScheduler registers the daily rollover, the hourly catch-up sweep, and
// the retention cleanup. The daily job also drops the memoized timezone dates
// so the new server day starts clean.
func startScheduler(ctx context.Context, container *app.Container, cfg config.RolloverConfig) (*cron.Cron, error) {
	scheduler := cron.New()

	_, err := scheduler.AddFunc(cfg.Schedule, func() {
		container.Zones.ClearCaches()
		summary := container.Store.RolloverStale(ctx)
		slog.Info("daily rollover finished",
			slog.Int("rollovers", summary.RolloversPerformed),
			slog.Int("failed", summary.ClientsFailed))
	})
	if err != nil {
		return nil, err
	}

	// Hourly catch-up covers tenants whose midnight falls between daily runs.
	_, err = scheduler.AddFunc(cfg.CatchupSchedule, func() {
		summary := container.Store.RolloverStale(ctx)
		if summary.RolloversPerformed > 0 || summary.ClientsFailed > 0 {
			slog.Info("catch-up rollover finished",
				slog.Int("rollovers", summary.RolloversPerformed),
				slog.Int("failed", summary.ClientsFailed))
		}
	})
	if err != nil {
		return nil, err
	}

	_, err = scheduler.AddFunc("30 2 * * *", func() {
		stats := container.Store.CleanupProcessedGenerations(ctx, container.Config.Usage.RetentionDays)
		slog.Info("ledger cleanup finished",
			slog.Int64("deleted", stats.RecordsDeleted),
			slog.Int64("kept", stats.RecordsKept),
			slog.Bool("success", stats.Success))
	})
	if err != nil {
		return nil, err
	}

	scheduler.Start()
	return scheduler, nil
}

func startMetricsServer(cfg config.MetricsServerConfig, obs *observability.Provider, monitor *health.Monitor) *http.Server {
	mux := http.NewServeMux()
	if handler := obs.PrometheusHandler(); handler != nil {
		mux.Handle("/metrics", handler)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !monitor.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(monitor.Snapshot())
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	return srv
}
