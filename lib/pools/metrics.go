package pools

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments for pool operations.
type Metrics struct {
	opDuration metric.Float64Histogram
	heartbeats metric.Int64Counter
	capacity   metric.Int64ObservableGauge
}

// newPoolMetrics creates the instruments and reports the capacity of every
// pool this host is connected to.
func newPoolMetrics(meter metric.Meter, m *manager) (*Metrics, error) {
	opDuration, err := meter.Float64Histogram(
		"sharedblock_pool_operation_duration_seconds",
		metric.WithDescription("Duration of pool connect, disconnect and add-disk operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	heartbeats, err := meter.Int64Counter(
		"sharedblock_pool_heartbeats_total",
		metric.WithDescription("Heartbeat tags written on connect"),
	)
	if err != nil {
		return nil, err
	}

	capacity, err := meter.Int64ObservableGauge(
		"sharedblock_pool_capacity_bytes",
		metric.WithDescription("Total and available bytes of connected pools"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			for _, vg := range m.connectedPools() {
				c, err := m.vgs.VGSize(ctx, vg)
				if err != nil {
					continue
				}
				o.ObserveInt64(capacity, c.Total, metric.WithAttributes(
					attribute.String("vg_uuid", vg), attribute.String("kind", "total")))
				o.ObserveInt64(capacity, c.Available, metric.WithAttributes(
					attribute.String("vg_uuid", vg), attribute.String("kind", "available")))
			}
			return nil
		},
		capacity,
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		opDuration: opDuration,
		heartbeats: heartbeats,
		capacity:   capacity,
	}, nil
}

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

func (m *manager) recordHeartbeat(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	m.metrics.heartbeats.Add(ctx, 1)
}
