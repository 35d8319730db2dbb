package embedding

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("codegraph.embedding")

var (
	cacheHits        metric.Int64Counter
	cacheMisses      metric.Int64Counter
	providerCalls    metric.Int64Counter
	providerFailures metric.Int64Counter
	breakerChanges   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"embedding_cache_hits_total",
			metric.WithDescription("Embedding cache hits by tier"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"embedding_cache_misses_total",
			metric.WithDescription("Embedding lookups that reached the provider"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		providerCalls, err = meter.Int64Counter(
			"embedding_provider_calls_total",
			metric.WithDescription("Embedding provider requests including retries"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		providerFailures, err = meter.Int64Counter(
			"embedding_provider_failures_total",
			metric.WithDescription("Embedding provider requests that failed"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		breakerChanges, err = meter.Int64Counter(
			"embedding_breaker_transitions_total",
			metric.WithDescription("Circuit breaker state transitions"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordCacheHit(ctx context.Context, tier string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func recordCacheMiss(ctx context.Context, n int) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(ctx, int64(n))
}

func recordProviderCall(ctx context.Context, model string, err error) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	providerCalls.Add(ctx, 1, attrs)
	if err != nil {
		providerFailures.Add(ctx, 1, attrs)
	}
}

func recordBreakerChange(to BreakerState) {
	if initMetrics() != nil {
		return
	}
	breakerChanges.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", to.String())))
}
