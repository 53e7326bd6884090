// Package metrics exposes the control plane's Prometheus registry, the
// same library used by wisbric-nightowl and luxfi-consensus for process
// metrics, plus the exponential-moving-average helper the Peer Store and
// PeerScore math are built on (adapted from the teacher's ticked EWMA
// into a direct-update form, since every EMA in this spec updates on
// the triggering event rather than on a fixed tick — see DESIGN.md).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a dedicated prometheus.Registry so the core's metrics
// don't collide with whatever the embedding process also registers.
type Registry struct {
	reg *prometheus.Registry

	PeerCount           prometheus.Gauge
	GossipMeshSize      *prometheus.GaugeVec
	ScalingDecisions    *prometheus.CounterVec
	PoCVerifications    *prometheus.CounterVec
	IngressRequestsTotal *prometheus.CounterVec
	DHTRecords          prometheus.Gauge
}

// NewRegistry builds and registers every metric the core subsystems emit.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dws",
			Subsystem: "peerstore",
			Name:      "peers",
			Help:      "Number of peers currently known to the peer store.",
		}),
		GossipMeshSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dws",
			Subsystem: "gossip",
			Name:      "mesh_size",
			Help:      "Current mesh width per topic.",
		}, []string{"topic"}),
		ScalingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dws",
			Subsystem: "autoscaler",
			Name:      "decisions_total",
			Help:      "Scaling decisions made, partitioned by target and direction.",
		}, []string{"target_type", "direction"}),
		PoCVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dws",
			Subsystem: "poc",
			Name:      "verifications_total",
			Help:      "Proof-of-Cloud verification outcomes.",
		}, []string{"outcome"}),
		IngressRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dws",
			Subsystem: "ingress",
			Name:      "requests_total",
			Help:      "Ingress requests partitioned by outcome status code.",
		}, []string{"status"}),
		DHTRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dws",
			Subsystem: "discovery",
			Name:      "dht_records",
			Help:      "Number of DHT records currently stored locally.",
		}),
	}

	reg.MustRegister(
		r.PeerCount,
		r.GossipMeshSize,
		r.ScalingDecisions,
		r.PoCVerifications,
		r.IngressRequestsTotal,
		r.DHTRecords,
	)
	return r
}

// Handler returns the http.Handler that serves this registry at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
