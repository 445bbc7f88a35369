package migration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments for volume migrations.
type Metrics struct {
	duration  metric.Float64Histogram
	volumes   metric.Int64Counter
	rollbacks metric.Int64Counter
}

func newMigrationMetrics(meter metric.Meter) (*Metrics, error) {
	duration, err := meter.Float64Histogram(
		"sharedblock_migration_duration_seconds",
		metric.WithDescription("Time to migrate a batch of volumes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	volumes, err := meter.Int64Counter(
		"sharedblock_migration_volumes_total",
		metric.WithDescription("Volumes processed by migrations"),
	)
	if err != nil {
		return nil, err
	}

	rollbacks, err := meter.Int64Counter(
		"sharedblock_migration_rollbacks_total",
		metric.WithDescription("Migration batches rolled back"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{duration: duration, volumes: volumes, rollbacks: rollbacks}, nil
}

func (c *Coordinator) recordMigration(ctx context.Context, start time.Time, n int, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	c.metrics.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	c.metrics.volumes.Add(ctx, int64(n), attrs)
}

func (c *Coordinator) recordRollback(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	c.metrics.rollbacks.Add(ctx, 1)
}
