package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/open-webui/usage-engine/internal/config"
)

type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promExporter   *prometheus.Exporter
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	usageEvents     *promreg.CounterVec
	usageFailures   *promreg.CounterVec
	rollovers       *promreg.CounterVec
	calcCacheHits   *promreg.CounterVec
	calcCacheMisses *promreg.CounterVec
	calcDuration    *promreg.HistogramVec
	pricingFetches  *promreg.CounterVec
	breakerState    promreg.Gauge
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("usage-engine"),
		),
	)
	if err != nil {
		return nil, err
	}

	if cfg.EnableOTLP {
		rawEndpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		endpoint := rawEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{}
		switch {
		case strings.HasPrefix(endpoint, "http://"):
			endpoint = strings.TrimPrefix(endpoint, "http://")
			opts = append(opts, otlptracegrpc.WithInsecure())
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = strings.TrimPrefix(endpoint, "https://")
		default:
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))

		client := otlptracegrpc.NewClient(opts...)
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
		provider.promExporter = promExporter
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
		provider.shutdownFuncs = append(provider.shutdownFuncs, mp.Shutdown)

		usageEvents := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_engine",
				Name:      "events_recorded_total",
				Help:      "Usage events successfully persisted.",
			},
			[]string{"client", "provider"},
		)
		usageFailures := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_engine",
				Name:      "record_failures_total",
				Help:      "Usage events dropped after exhausted retries or fatal errors.",
			},
			[]string{"client", "reason"},
		)
		rollovers := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_engine",
				Name:      "rollovers_total",
				Help:      "Live counter rollovers into daily summaries.",
			},
			[]string{"trigger"},
		)
		calcHits := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_engine",
				Name:      "calc_cache_hits_total",
				Help:      "Calculation results served from the strategy cache.",
			},
			[]string{"aggregation"},
		)
		calcMisses := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_engine",
				Name:      "calc_cache_misses_total",
				Help:      "Calculation cache misses that hit the database.",
			},
			[]string{"aggregation"},
		)
		calcDuration := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "usage_engine",
				Name:      "calc_duration_seconds",
				Help:      "Duration of usage calculations.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"aggregation"},
		)
		pricingFetches := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_engine",
				Name:      "pricing_fetches_total",
				Help:      "Pricing lookups by serving source.",
			},
			[]string{"source"},
		)
		breakerState := promreg.NewGauge(
			promreg.GaugeOpts{
				Namespace: "usage_engine",
				Name:      "pricing_breaker_open",
				Help:      "1 when the pricing circuit breaker is open.",
			},
		)

		collectors := []promreg.Collector{
			usageEvents, usageFailures, rollovers,
			calcHits, calcMisses, calcDuration,
			pricingFetches, breakerState,
		}
		for _, c := range collectors {
			if err := registry.Register(c); err != nil {
				return nil, err
			}
		}
		provider.usageEvents = usageEvents
		provider.usageFailures = usageFailures
		provider.rollovers = rollovers
		provider.calcCacheHits = calcHits
		provider.calcCacheMisses = calcMisses
		provider.calcDuration = calcDuration
		provider.pricingFetches = pricingFetches
		provider.breakerState = breakerState
	}

	return provider, nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

func (p *Provider) RecordUsageEvent(client, provider string) {
	if p == nil || p.usageEvents == nil {
		return
	}
	p.usageEvents.WithLabelValues(client, provider).Inc()
}

func (p *Provider) RecordUsageFailure(client, reason string) {
	if p == nil || p.usageFailures == nil {
		return
	}
	p.usageFailures.WithLabelValues(client, reason).Inc()
}

func (p *Provider) RecordRollover(trigger string, count int) {
	if p == nil || p.rollovers == nil || count <= 0 {
		return
	}
	p.rollovers.WithLabelValues(trigger).Add(float64(count))
}

func (p *Provider) RecordCalculation(aggregation string, cacheHit bool, duration time.Duration) {
	if p == nil {
		return
	}
	if cacheHit {
		if p.calcCacheHits != nil {
			p.calcCacheHits.WithLabelValues(aggregation).Inc()
		}
	} else if p.calcCacheMisses != nil {
		p.calcCacheMisses.WithLabelValues(aggregation).Inc()
	}
	if p.calcDuration != nil {
		p.calcDuration.WithLabelValues(aggregation).Observe(duration.Seconds())
	}
}

func (p *Provider) RecordPricingFetch(source string) {
	if p == nil || p.pricingFetches == nil {
		return
	}
	p.pricingFetches.WithLabelValues(source).Inc()
}

func (p *Provider) SetBreakerOpen(open bool) {
	if p == nil || p.breakerState == nil {
		return
	}
	if open {
		p.breakerState.Set(1)
	} else {
		p.breakerState.Set(0)
	}
}
