package pool

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// latencyEMAWeight is the weight of the existing latency value when a
// new measurement is folded in.
const latencyEMAWeight = 0.8

// successEMAWeight smooths the success rate the same way.
const successEMAWeight = 0.9

// Registry is the authoritative set of pool nodes. All accessors copy;
// mutation happens only through the Mark*/Update methods so the lock is
// never held across I/O.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*Node)}
}

// Add registers a node if its key is not already present.
func (r *Registry) Add(n Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := n.Key()
	if _, ok := r.nodes[key]; ok {
		return
	}
	c := n
	r.nodes[key] = &c
	slog.Info("node added to pool", "node", key, "gpu", n.HasGPU)
}

// Remove drops a node by key.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[key]; ok {
		delete(r.nodes, key)
		slog.Info("node removed from pool", "node", key)
	}
}

// Get returns a copy of the node for key.
func (r *Registry) Get(key string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[key]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// All returns copies of every node, ordered by key for stable output.
func (r *Registry) All() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(false)
}

// Available returns copies of the nodes currently accepting traffic.
func (r *Registry) Available() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(true)
}

func (r *Registry) snapshot(onlyAvailable bool) []Node {
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if onlyAvailable && !n.Available {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Update applies fn to the node under the lock. fn must not block.
func (r *Registry) Update(key string, fn func(*Node)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[key]
	if !ok {
		return false
	}
	fn(n)
	n.LastUpdated = time.Now()
	return true
}

// ObserveSuccess folds one successful request into the node's latency
// and success telemetry and restores availability.
func (r *Registry) ObserveSuccess(key string, latencyMs float64) {
	r.Update(key, func(n *Node) {
		if n.LatencyMs == 0 {
			n.LatencyMs = latencyMs
		} else {
			n.LatencyMs = n.LatencyMs*latencyEMAWeight + latencyMs*(1-latencyEMAWeight)
		}
		n.SuccessRate = n.SuccessRate*successEMAWeight + 1*(1-successEMAWeight)
		n.Available = true
	})
}

// ObserveFailure decays the node's success rate without touching
// latency; a failed request measures nothing about speed.
func (r *Registry) ObserveFailure(key string) {
	r.Update(key, func(n *Node) {
		n.SuccessRate = n.SuccessRate * successEMAWeight
	})
}

// MarkUnavailable removes a node from selection until a probe or a
// successful request brings it back.
func (r *Registry) MarkUnavailable(key string) {
	if r.Update(key, func(n *Node) { n.Available = false }) {
		slog.Warn("node marked unavailable", "node", key)
	}
}

// MarkAvailable restores a node to selection.
func (r *Registry) MarkAvailable(key string) {
	r.Update(key, func(n *Node) { n.Available = true })
}

// Len returns the total node count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
