package socket

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures client metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "sockio").
	Namespace string

	// Subsystem is the metrics subsystem (default: "client").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures client metrics.
type MetricsOption func(*MetricsConfig)

func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "sockio",
		Subsystem: "client",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the Prometheus collectors of a Client. A nil *Metrics
// records nothing.
type Metrics struct {
	packetsSent      *prometheus.CounterVec
	packetsReceived  *prometheus.CounterVec
	malformedPackets prometheus.Counter
	handshakes       *prometheus.CounterVec
	reconnects       prometheus.Counter
	heartbeats       prometheus.Counter
	state            prometheus.Gauge
}

// NewMetrics registers the client collectors.
//
// Metrics collected:
//   - sockio_client_packets_sent_total: packets written, by type
//   - sockio_client_packets_received_total: packets decoded, by type
//   - sockio_client_malformed_packets_total: inbound frames dropped
//   - sockio_client_handshakes_total: handshakes by result
//   - sockio_client_reconnect_attempts_total: heartbeat driven reconnects
//   - sockio_client_heartbeats_sent_total: keepalive packets written
//   - sockio_client_connection_state: current ConnectionState value
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "packets_sent_total",
			Help:        "Total number of packets written to the transport",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "packets_received_total",
			Help:        "Total number of packets decoded from the transport",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		malformedPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "malformed_packets_total",
			Help:        "Total number of inbound frames that failed to decode",
			ConstLabels: config.ConstLabels,
		}),

		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "handshakes_total",
			Help:        "Total number of handshakes by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnect_attempts_total",
			Help:        "Total number of reconnection attempts",
			ConstLabels: config.ConstLabels,
		}),

		heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "heartbeats_sent_total",
			Help:        "Total number of heartbeat packets sent",
			ConstLabels: config.ConstLabels,
		}),

		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connection_state",
			Help:        "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 online)",
			ConstLabels: config.ConstLabels,
		}),
	}
}

func (m *Metrics) packetSent(t PacketType) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(t.String()).Inc()
	if t == PacketHeartbeat {
		m.heartbeats.Inc()
	}
}

func (m *Metrics) packetReceived(t PacketType) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) malformed() {
	if m == nil {
		return
	}
	m.malformedPackets.Inc()
}

func (m *Metrics) handshake(err error) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(handshakeResult(err)).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

// handshakeResult keeps the result label to a fixed set of values.
func handshakeResult(err error) string {
	var (
		rejected *HandshakeRejectedError
		invalid  *InvalidHandshakeResponseError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.As(err, &invalid):
		return "invalid"
	case errors.Is(err, ErrWebSocketNotSupported):
		return "unsupported"
	default:
		return "error"
	}
}
