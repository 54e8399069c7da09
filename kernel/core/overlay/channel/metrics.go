package channel

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors the channel manager updates,
// mirroring dht.Metrics's shape for the same external-interface surface
// (spec.md §6: bytes_in, bytes_out).
type Metrics struct {
	BytesIn            prometheus.Counter
	BytesOut           prometheus.Counter
	PacketsDropped     prometheus.Counter
	HandshakesFailed   prometheus.Counter
	ChannelsEstablished prometheus.Counter
	ChannelsActive     prometheus.Gauge
}

// NewMetrics registers and returns the manager's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovlnet_channel_bytes_in_total",
			Help: "Total bytes received over secure channels.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovlnet_channel_bytes_out_total",
			Help: "Total bytes sent over secure channels.",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovlnet_channel_packets_dropped_total",
			Help: "Datagrams dropped as malformed or for an unknown cookie.",
		}),
		HandshakesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovlnet_channel_handshakes_failed_total",
			Help: "Handshake replies rejected for a bad signature or failed key agreement.",
		}),
		ChannelsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovlnet_channel_established_total",
			Help: "Channels that completed their handshake and were accepted.",
		}),
		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ovlnet_channel_active",
			Help: "Channels currently open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.BytesIn, m.BytesOut, m.PacketsDropped,
			m.HandshakesFailed, m.ChannelsEstablished, m.ChannelsActive)
	}
	return m
}
