package volumes

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metrics instruments for volume operations.
type Metrics struct {
	opDuration metric.Float64Histogram
	rollbacks  metric.Int64Counter
}

// newVolumeMetrics creates and registers all volume metrics.
func newVolumeMetrics(meter metric.Meter) (*Metrics, error) {
	opDuration, err := meter.Float64Histogram(
		"sharedblock_volume_operation_duration_seconds",
		metric.WithDescription("Time to run a volume operation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	rollbacks, err := meter.Int64Counter(
		"sharedblock_volume_rollbacks_total",
		metric.WithDescription("Target volumes deleted after a failed operation"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		opDuration: opDuration,
		rollbacks:  rollbacks,
	}, nil
}

// recordDuration records how long op took.
func (m *manager) recordDuration(ctx context.Context, op string, start time.Time, err error) {
	if m.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
	}
	m.metrics.opDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("operation", op), attribute.String("status", status)))
}

func (m *manager) recordRollback(ctx context.Context, op string) {
	if m.metrics == nil {
		return
	}
	m.metrics.rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}
