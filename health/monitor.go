// Package health tracks per-node latency baselines and detects runtime
// VRAM exhaustion: a GPU node that silently falls back to CPU shows up as
// a sudden latency spike far above its baseline.
package health

import (
	"log/slog"
	"sync"
)

const (
	// emaWeight is the weight of the existing baseline in the moving
	// average; the newest sample contributes 1-emaWeight.
	emaWeight = 0.9

	// windowSize caps the ring of recent samples kept per node.
	windowSize = 10

	// exhaustionFloorMs is the minimum latency that can ever count as a
	// spike. Healthy GPU nodes answer well under this.
	exhaustionFloorMs = 2000.0

	// spikeFactor: a sample above baseline*spikeFactor flags exhaustion.
	spikeFactor = 4.0

	// recoveryFactor: a sample below baseline*recoveryFactor clears it.
	recoveryFactor = 1.5

	// exhaustionPenalty is returned by Penalty for flagged nodes.
	exhaustionPenalty = 100.0
)

type baseline struct {
	latencyMs float64
	recent    []float64
	isGPU     bool
	samples   int
	exhausted bool
}

// Monitor keeps one baseline per node key ("host:port"). All methods are
// safe for concurrent use; critical sections are per-map, sized by node
// count rather than request count.
type Monitor struct {
	mu        sync.Mutex
	baselines map[string]*baseline
}

func NewMonitor() *Monitor {
	return &Monitor{baselines: make(map[string]*baseline)}
}

// Observe feeds one successful request latency into the node's baseline.
// Detection runs against the established baseline before the sample is
// folded in, so a single spike cannot hide itself.
func (m *Monitor) Observe(node string, latencyMs float64, isGPU bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.baselines[node]
	if !ok {
		m.baselines[node] = &baseline{
			latencyMs: latencyMs,
			recent:    []float64{latencyMs},
			isGPU:     isGPU,
			samples:   1,
		}
		return
	}

	b.isGPU = isGPU

	if b.isGPU {
		threshold := b.latencyMs * spikeFactor
		if threshold < exhaustionFloorMs {
			threshold = exhaustionFloorMs
		}

		switch {
		case latencyMs > threshold:
			if !b.exhausted {
				b.exhausted = true
				slog.Warn("vram exhaustion detected, likely gpu to cpu fallback",
					"node", node, "baseline_ms", b.latencyMs, "latency_ms", latencyMs)
			}
		case b.exhausted && latencyMs < b.latencyMs*recoveryFactor:
			b.exhausted = false
			slog.Info("node recovered from vram exhaustion", "node", node, "latency_ms", latencyMs)
		}
	}

	b.recent = append(b.recent, latencyMs)
	if len(b.recent) > windowSize {
		b.recent = b.recent[1:]
	}

	b.latencyMs = b.latencyMs*emaWeight + latencyMs*(1-emaWeight)
	b.samples++
}

// Penalty returns the scoring penalty for node, in [0, 100].
func (m *Monitor) Penalty(node string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.baselines[node]; ok && b.exhausted {
		return exhaustionPenalty
	}
	return 0
}

// IsDegraded reports whether node is currently flagged as exhausted.
func (m *Monitor) IsDegraded(node string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.baselines[node]
	return ok && b.exhausted
}

// Forget drops the baseline for a removed node.
func (m *Monitor) Forget(node string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.baselines, node)
}

// BaselineStats is a read-only snapshot of one node's baseline for the
// stats endpoint.
type BaselineStats struct {
	BaselineLatencyMs float64 `json:"baseline_latency_ms"`
	IsGPU             bool    `json:"is_gpu"`
	Samples           int     `json:"samples"`
	Degraded          bool    `json:"degraded"`
}

// Stats returns a snapshot of all baselines keyed by node.
func (m *Monitor) Stats() map[string]BaselineStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]BaselineStats, len(m.baselines))
	for node, b := range m.baselines {
		out[node] = BaselineStats{
			BaselineLatencyMs: b.latencyMs,
			IsGPU:             b.isGPU,
			Samples:           b.samples,
			Degraded:          b.exhausted,
		}
	}
	return out
}
