// Package pool holds the registry of Ollama backend nodes and the
// adaptive loop that keeps their telemetry fresh.
package pool

import (
	"net"
	"strconv"
	"time"
)

// Node is one Ollama backend with its last known telemetry. Values are
// updated by the adaptive loop and by per-request outcomes; readers get
// copies from the registry, never shared pointers.
type Node struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	HasGPU      bool    `json:"has_gpu"`
	FreeVRAMMiB float64 `json:"free_vram_mib"`
	CPULoad     float64 `json:"cpu_load"`
	LatencyMs   float64 `json:"latency_ms"`
	SuccessRate float64 `json:"success_rate"`
	Available   bool    `json:"available"`

	// Priority is an operator-assigned weight, 1.0 by default.
	Priority float64 `json:"priority"`

	LastUpdated time.Time `json:"last_updated"`
}

// Key returns the canonical "host:port" identity used across the
// health monitor, learning store, and metrics.
func (n Node) Key() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// NewNode returns a node with optimistic defaults; the first probe
// replaces them with measured values.
func NewNode(host string, port int) Node {
	return Node{
		Host:        host,
		Port:        port,
		SuccessRate: 1.0,
		Available:   true,
		Priority:    1.0,
		LastUpdated: time.Now(),
	}
}
