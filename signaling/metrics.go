package signaling

import "github.com/prometheus/client_golang/prometheus"

// Drop reasons.
const (
	DropAlreadyJoined  = "already_joined"
	DropNotMember      = "not_member"
	DropUnknownPeer    = "unknown_peer"
	DropMalformed      = "malformed"
	DropInvalidPayload = "invalid_payload"
	DropRateLimited    = "rate_limited"
	DropQueueFull      = "queue_full"
)

type Metrics struct {
	Connections prometheus.Gauge
	Channels    prometheus.Gauge
	Inbound     *prometheus.CounterVec
	Outbound    *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
}

// NewMetrics builds the relay collectors and registers them with reg.
// A nil reg leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicerelay",
			Name:      "connections",
			Help:      "Live signaling connections.",
		}),
		Channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicerelay",
			Name:      "channels",
			Help:      "Channels with at least one member.",
		}),
		Inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicerelay",
			Name:      "inbound_messages_total",
			Help:      "Inbound signaling messages handled, by event.",
		}, []string{"event"}),
		Outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicerelay",
			Name:      "outbound_messages_total",
			Help:      "Outbound signaling messages sent, by event.",
		}, []string{"event"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicerelay",
			Name:      "dropped_messages_total",
			Help:      "Signaling messages dropped, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Channels, m.Inbound, m.Outbound, m.Dropped)
	}
	return m
}

func (m *Metrics) drop(reason string) {
	m.Dropped.WithLabelValues(reason).Inc()
}
