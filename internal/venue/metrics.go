package venue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Jboner-Corvus/hypergate/errs"
	"github.com/Jboner-Corvus/hypergate/internal/telemetry"
)

// clientMetrics records per-endpoint request counts, failures, and latency.
type clientMetrics struct {
	environment string

	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	orders   metric.Int64Counter
	trips    metric.Int64Counter
	retries  metric.Int64Counter
}

func newClientMetrics(meter metric.Meter, environment string) (*clientMetrics, error) {
	requests, err := meter.Int64Counter("hypergate.requests",
		metric.WithDescription("Venue requests issued, by endpoint"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("hypergate.request.failures",
		metric.WithDescription("Venue requests that ended in an error, by endpoint and code"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("hypergate.request.duration",
		metric.WithDescription("Venue request duration including retries"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	orders, err := meter.Int64Counter("hypergate.orders.submitted",
		metric.WithDescription("Orders accepted by the venue, by disposition"))
	if err != nil {
		return nil, err
	}
	trips, err := meter.Int64Counter("hypergate.breaker.trips",
		metric.WithDescription("Circuit breaker transitions into the open state, by breaker"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("hypergate.retry.attempts",
		metric.WithDescription("Failed attempts that scheduled a retry"))
	if err != nil {
		return nil, err
	}
	return &clientMetrics{
		environment: environment,
		requests:    requests,
		failures:    failures,
		latency:     latency,
		orders:      orders,
		trips:       trips,
		retries:     retries,
	}, nil
}

func (m *clientMetrics) breakerTripped(name string) {
	if m == nil {
		return
	}
	m.trips.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("venue", venueName),
		attribute.String("breaker", name),
	))
}

func (m *clientMetrics) retryScheduled() {
	if m == nil {
		return
	}
	m.retries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("venue", venueName),
	))
}

func (m *clientMetrics) observe(ctx context.Context, endpoint string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := telemetry.EndpointAttributes(m.environment, venueName, endpoint)
	m.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	if err != nil {
		failAttrs := append(attrs, attribute.String("code", string(errs.CodeOf(err))))
		m.failures.Add(ctx, 1, metric.WithAttributes(failAttrs...))
	}
}

func (m *clientMetrics) orderSubmitted(ctx context.Context, disposition string) {
	if m == nil {
		return
	}
	m.orders.Add(ctx, 1, metric.WithAttributes(
		attribute.String("venue", venueName),
		attribute.String("disposition", disposition),
	))
}
