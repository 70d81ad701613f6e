// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sollol_requests_total",
		Help: "Inference requests handled, by endpoint and status code.",
	}, []string{"endpoint", "status"})

	RoutingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sollol_routing_decisions_total",
		Help: "Routing decisions, by backend (pool or sharded).",
	}, []string{"backend"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sollol_request_duration_seconds",
		Help:    "End to end request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	NodeLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sollol_node_latency_ms",
		Help: "Smoothed per node latency from probes and requests.",
	}, []string{"node"})

	NodesAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sollol_nodes_available",
		Help: "Pool nodes currently accepting traffic.",
	})

	CoordinatorUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sollol_coordinator_up",
		Help: "1 while the sharding coordinator is ready.",
	})
)
