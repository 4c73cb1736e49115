package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "inkwell"

// Event outcome labels.
const (
	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeDropped  = "dropped"
	outcomeFailed   = "failed"
)

// Metrics groups the realtime collectors. A nil registerer yields unregistered
// collectors, which keeps tests independent of the default registry.
type Metrics struct {
	Connections   prometheus.Gauge
	Rooms         prometheus.Gauge
	Events        *prometheus.CounterVec
	DroppedFrames prometheus.Counter
	RelayMessages *prometheus.CounterVec
	SaveDuration  prometheus.Histogram
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Authenticated realtime connections on this instance",
		}),
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "rooms",
			Help:      "Document rooms with at least one member on this instance",
		}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Inbound realtime events by name and outcome",
		}, []string{"event", "outcome"}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "dropped_frames_total",
			Help:      "Outbound frames dropped because a recipient buffer was full",
		}),
		RelayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Cross-instance relay traffic by direction",
		}, []string{"direction"}),
		SaveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "save_duration_seconds",
			Help:      "Latency of document saves issued over realtime connections",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func eventLabel(event string) string {
	switch event {
	case EventJoinDocument, EventLeaveDocument, EventSendChanges, EventSaveDocument,
		EventCursorUpdate, EventTextSelection, EventTyping, EventStopTyping, EventSendMessage:
		return event
	default:
		return "unknown"
	}
}
