package search

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dpolishuk/codegraph/internal/models"
)

var (
	meter = otel.Meter("codegraph.search")

	queryLatency     metric.Float64Histogram
	queriesTotal     metric.Int64Counter
	degradedTotal    metric.Int64Counter
	subQueryFailures metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		queryLatency, err = meter.Float64Histogram(
			"search_query_duration_seconds",
			metric.WithDescription("Search latency by strategy"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		queriesTotal, err = meter.Int64Counter(
			"search_queries_total",
			metric.WithDescription("Searches served by strategy"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		degradedTotal, err = meter.Int64Counter(
			"search_degraded_total",
			metric.WithDescription("Searches answered from a single store"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		subQueryFailures, err = meter.Int64Counter(
			"search_subquery_failures_total",
			metric.WithDescription("Failed or timed out store sub-queries"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordQuery(ctx context.Context, strategy models.Strategy, degraded bool, elapsed time.Duration) {
	if err := initMetrics(); err != nil {
		slog.Debug("search metrics unavailable", "error", err)
		return
	}
	attrs := metric.WithAttributes(attribute.String("strategy", string(strategy)))
	queryLatency.Record(ctx, elapsed.Seconds(), attrs)
	queriesTotal.Add(ctx, 1, attrs)
	if degraded {
		degradedTotal.Add(ctx, 1, attrs)
	}
}

func recordSubQueryFailure(ctx context.Context, storeName string) {
	if initMetrics() != nil {
		return
	}
	subQueryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("store", storeName)))
}
