package dht

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors the engine updates as it runs.
// A nil *Metrics (see NewMetrics with a nil registerer) is never produced;
// callers that don't want metrics exported should pass
// prometheus.NewRegistry() and simply not scrape it.
type Metrics struct {
	BytesIn          prometheus.Counter
	BytesOut         prometheus.Counter
	PacketsDropped   prometheus.Counter
	LookupsStarted   prometheus.Counter
	LookupsSucceeded prometheus.Counter
	LookupsFailed    prometheus.Counter
	PendingRequests  prometheus.Gauge
	NodesKnown       prometheus.Gauge
}

// NewMetrics registers and returns the engine's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovlnet_dht_bytes_in_total",
			Help: "Total bytes received by the DHT engine.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovlnet_dht_bytes_out_total",
			Help: "Total bytes sent by the DHT engine.",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovlnet_dht_packets_dropped_total",
			Help: "Datagrams dropped as malformed, rate-limited, or unknown-type.",
		}),
		LookupsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovlnet_dht_lookups_started_total",
			Help: "Iterative lookups started.",
		}),
		LookupsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovlnet_dht_lookups_succeeded_total",
			Help: "Iterative lookups that located their target.",
		}),
		LookupsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovlnet_dht_lookups_failed_total",
			Help: "Iterative lookups that exhausted their candidates.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ovlnet_dht_pending_requests",
			Help: "Outstanding requests awaiting a response or timeout.",
		}),
		NodesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ovlnet_dht_nodes_known",
			Help: "Nodes currently held in the routing table.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.BytesIn, m.BytesOut, m.PacketsDropped,
			m.LookupsStarted, m.LookupsSucceeded, m.LookupsFailed,
			m.PendingRequests, m.NodesKnown)
	}
	return m
}
