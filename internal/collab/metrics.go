package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the collaboration layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessions       prometheus.Gauge
	rooms          prometheus.Gauge
	framesReceived *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	broadcasts     *prometheus.CounterVec
	deliveries     prometheus.Counter
	failures       prometheus.Counter
}

// NewMetrics registers the collectors with reg. Pass prometheus.NewRegistry()
// in tests to keep instances independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "eduspace",
			Subsystem: "collab",
			Name:      "sessions",
			Help:      "Number of registered collaboration sessions",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "eduspace",
			Subsystem: "collab",
			Name:      "rooms",
			Help:      "Number of project rooms with at least one session",
		}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eduspace",
			Subsystem: "collab",
			Name:      "frames_received_total",
			Help:      "Inbound frames by event kind",
		}, []string{"kind"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eduspace",
			Subsystem: "collab",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped without dispatch",
		}, []string{"reason"}),
		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eduspace",
			Subsystem: "collab",
			Name:      "broadcasts_total",
			Help:      "Broadcasts by event kind",
		}, []string{"kind"}),
		deliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "eduspace",
			Subsystem: "collab",
			Name:      "deliveries_total",
			Help:      "Frames written to recipients by broadcasts",
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "eduspace",
			Subsystem: "collab",
			Name:      "delivery_failures_total",
			Help:      "Broadcast writes that failed and purged the recipient",
		}),
	}
}

func (m *Metrics) observeRegistry(r *Registry) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(r.Len()))
	m.rooms.Set(float64(r.RoomCount()))
}

func (m *Metrics) frameReceived(kind Kind) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) frameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) broadcast(kind Kind, d Delivery) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(string(kind)).Inc()
	m.deliveries.Add(float64(d.Sent))
	m.failures.Add(float64(d.Failed))
}
