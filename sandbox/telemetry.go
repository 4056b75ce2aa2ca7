package sandbox

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/caffeineduck/moonguard/sandbox"

// telemetry holds the manager's instruments. With no meter provider
// installed by the host, the global no-op provider is used.
type telemetry struct {
	invocations metric.Int64Counter
	quarantines metric.Int64Counter
	duration    metric.Float64Histogram
	contexts    metric.Int64UpDownCounter
	memory      metric.Int64ObservableGauge
}

func newTelemetry(mp metric.MeterProvider, memoryInUse func() int64) (*telemetry, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var (
		t   telemetry
		err error
	)
	t.invocations, err = meter.Int64Counter("moonguard.invocations",
		metric.WithDescription("Script invocations by outcome"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, err
	}
	t.quarantines, err = meter.Int64Counter("moonguard.quarantines",
		metric.WithDescription("Script contexts quarantined"),
		metric.WithUnit("{context}"),
	)
	if err != nil {
		return nil, err
	}
	t.duration, err = meter.Float64Histogram("moonguard.invocation.duration",
		metric.WithDescription("Invocation wall time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}
	t.contexts, err = meter.Int64UpDownCounter("moonguard.contexts",
		metric.WithDescription("Live script contexts"),
		metric.WithUnit("{context}"),
	)
	if err != nil {
		return nil, err
	}
	t.memory, err = meter.Int64ObservableGauge("moonguard.memory.in_use",
		metric.WithDescription("Governed script memory across all contexts"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(memoryInUse())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *telemetry) recordInvocation(ctx context.Context, c *Context, r Result) {
	attrs := []attribute.KeyValue{
		attribute.String("entry", r.Entry),
		attribute.String("outcome", r.Outcome.String()),
		attribute.String("trust", c.trust.String()),
		attribute.String("language", c.lang.Name()),
	}
	if r.Outcome == Aborted {
		attrs = append(attrs, attribute.String("reason", r.Reason.String()))
	}
	t.invocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.duration.Record(ctx, r.Duration.Seconds(), metric.WithAttributes(attrs[:2]...))
}

func (t *telemetry) recordQuarantine(ctx context.Context, c *Context, q *Quarantine) {
	t.quarantines.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", q.Reason.String()),
		attribute.String("trust", c.trust.String()),
	))
}

func (t *telemetry) contextOpened(ctx context.Context) {
	t.contexts.Add(ctx, 1)
}

func (t *telemetry) contextClosed(ctx context.Context) {
	t.contexts.Add(ctx, -1)
}
