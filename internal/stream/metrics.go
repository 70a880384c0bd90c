package stream

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// connMetrics records connection health: reconnect attempts, heartbeat
// timeouts, and events shed by drop-oldest subscribers. Nil-safe so a Conn
// without telemetry costs nothing.
type connMetrics struct {
	reconnects        metric.Int64Counter
	heartbeatFailures metric.Int64Counter
	droppedEvents     metric.Int64Counter
}

func newConnMetrics(meter metric.Meter) (*connMetrics, error) {
	reconnects, err := meter.Int64Counter("hypergate.stream.reconnects",
		metric.WithDescription("Websocket reconnect attempts"))
	if err != nil {
		return nil, err
	}
	heartbeatFailures, err := meter.Int64Counter("hypergate.stream.heartbeat.failures",
		metric.WithDescription("Connections force-closed after a missed heartbeat deadline"))
	if err != nil {
		return nil, err
	}
	droppedEvents, err := meter.Int64Counter("hypergate.stream.events.dropped",
		metric.WithDescription("Events shed by drop-oldest subscribers, by channel"))
	if err != nil {
		return nil, err
	}
	return &connMetrics{
		reconnects:        reconnects,
		heartbeatFailures: heartbeatFailures,
		droppedEvents:     droppedEvents,
	}, nil
}

func (m *connMetrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("venue", venueName),
	))
}

func (m *connMetrics) heartbeatTimeout() {
	if m == nil {
		return
	}
	m.heartbeatFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("venue", venueName),
	))
}

func (m *connMetrics) eventDropped(channel string) {
	if m == nil {
		return
	}
	m.droppedEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("venue", venueName),
		attribute.String("channel", channel),
	))
}
