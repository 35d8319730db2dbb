package indexer

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("codegraph.indexer")

var (
	filesIndexed  metric.Int64Counter
	filesFailed   metric.Int64Counter
	filesRemoved  metric.Int64Counter
	batchDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		filesIndexed, err = meter.Int64Counter(
			"indexer_files_indexed_total",
			metric.WithDescription("Files chunked and persisted"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesFailed, err = meter.Int64Counter(
			"indexer_files_failed_total",
			metric.WithDescription("Files that failed to index or delete"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesRemoved, err = meter.Int64Counter(
			"indexer_files_removed_total",
			metric.WithDescription("Files removed from both stores"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		batchDuration, err = meter.Float64Histogram(
			"indexer_batch_duration_seconds",
			metric.WithDescription("Duration of plan execution"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordBatch(ctx context.Context, r *BatchReport) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("context", r.Context))
	filesIndexed.Add(ctx, int64(r.Indexed), attrs)
	filesFailed.Add(ctx, int64(len(r.Failures)), attrs)
	filesRemoved.Add(ctx, int64(r.Removed), attrs)
	batchDuration.Record(ctx, r.Duration.Seconds(), attrs)
}
