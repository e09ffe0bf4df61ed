// Package telemetry provides OpenTelemetry initialization and semantic
// conventions for bus observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for bus telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrTopic annotates counters/histograms with the topic id of a publication.
	AttrTopic = attribute.Key("bus.topic")
	// AttrListener labels delivery metrics with the receiving listener name.
	AttrListener = attribute.Key("bus.listener")
	// AttrSink differentiates callback, queue, and wake delivery paths.
	AttrSink = attribute.Key("bus.sink")
	// AttrCommand indicates which dispatcher command was processed.
	AttrCommand = attribute.Key("bus.command")
	// AttrPoolName labels pool metrics by block class (small, medium, large).
	AttrPoolName = attribute.Key("pool.name")
	// AttrResult records the outcome of an operation (success, dropped, full, ...).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for drops and rejections.
	AttrReason = attribute.Key("reason")
)

// Sink values for AttrSink.
const (
	SinkCallback = "callback"
	SinkQueue    = "queue"
	SinkWake     = "wake"
)

// TopicAttributes returns the common attribute set for per-topic metrics.
func TopicAttributes(topic uint32) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTopic.Int64(int64(topic)),
	}
}

// DeliveryAttributes returns the attribute set for per-delivery metrics.
func DeliveryAttributes(topic uint32, listener, sink, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTopic.Int64(int64(topic)),
		AttrListener.String(listener),
		AttrSink.String(sink),
		AttrResult.String(result),
	}
}

// PoolAttributes returns the attribute set for pool gauges.
func PoolAttributes(name string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPoolName.String(name),
	}
}
