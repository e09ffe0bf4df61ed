package bus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kestrelworks/embus/internal/telemetry"
)

// busMetrics bundles the dispatcher's OpenTelemetry instruments.
type busMetrics struct {
	publishedCounter metric.Int64Counter
	fanoutHistogram  metric.Int64Histogram
	dispatchDuration metric.Float64Histogram
	droppedCounter   metric.Int64Counter
	inboxDepthGauge  metric.Int64Gauge
	listenerGauge    metric.Int64UpDownCounter
}

func newBusMetrics() *busMetrics {
	meter := otel.Meter("embus")
	m := new(busMetrics)
	m.publishedCounter, _ = meter.Int64Counter("bus.events.published",
		metric.WithDescription("Number of publications fanned out"),
		metric.WithUnit("{event}"))
	m.fanoutHistogram, _ = meter.Int64Histogram("bus.fanout.size",
		metric.WithDescription("Listeners delivered per publication"),
		metric.WithUnit("{listener}"))
	m.dispatchDuration, _ = meter.Float64Histogram("bus.dispatch.duration",
		metric.WithDescription("Dispatcher command processing duration"),
		metric.WithUnit("ms"))
	m.droppedCounter, _ = meter.Int64Counter("bus.delivery.dropped",
		metric.WithDescription("Deliveries dropped due to full listener queues"),
		metric.WithUnit("{event}"))
	m.inboxDepthGauge, _ = meter.Int64Gauge("bus.inbox.depth",
		metric.WithDescription("Commands waiting in the dispatcher inbox"),
		metric.WithUnit("{command}"))
	m.listenerGauge, _ = meter.Int64UpDownCounter("bus.listeners",
		metric.WithDescription("Listeners currently attached"),
		metric.WithUnit("{listener}"))
	return m
}

func (m *busMetrics) observeCommand(kind commandKind, elapsed time.Duration, depth int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(telemetry.AttrCommand.String(kind.String()))
	if m.dispatchDuration != nil {
		m.dispatchDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
	}
	if m.inboxDepthGauge != nil {
		m.inboxDepthGauge.Record(ctx, int64(depth))
	}
}

func (m *busMetrics) observePublish(topic uint32, fanout int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(telemetry.TopicAttributes(topic)...)
	if m.publishedCounter != nil {
		m.publishedCounter.Add(ctx, 1, attrs)
	}
	if m.fanoutHistogram != nil {
		m.fanoutHistogram.Record(ctx, int64(fanout), attrs)
	}
}

func (m *busMetrics) deliveryDropped(topic uint32, listener string) {
	if m.droppedCounter == nil {
		return
	}
	m.droppedCounter.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrTopic.Int64(int64(topic)),
		telemetry.AttrListener.String(listener),
		attribute.String("reason", "queue_full"),
	))
}

func (m *busMetrics) listenerDelta(delta int64) {
	if m.listenerGauge == nil {
		return
	}
	m.listenerGauge.Add(context.Background(), delta)
}
