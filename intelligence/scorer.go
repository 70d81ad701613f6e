package intelligence

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sollol/sollol/health"
	"github.com/sollol/sollol/pool"
)

// Scoring term weights. A perfect node with default operator weight
// scores 1.0 once the affinity bonus lands.
const (
	weightLatency  = 0.30
	weightSuccess  = 0.25
	weightLoad     = 0.15
	weightVRAM     = 0.15
	weightPriority = 0.10

	affinityBonus = 0.05

	// highPriorityThreshold: requests at or above this only run on
	// reliable nodes and amplify the node's score.
	highPriorityThreshold = 8
	reliableSuccessRate   = 0.9
)

// ErrNoCandidates is returned when no available node qualifies.
var ErrNoCandidates = errors.New("no eligible nodes in pool")

// Decision records why a node was chosen. It is surfaced to callers in
// the _routing metadata block.
type Decision struct {
	Node      string  `json:"node"`
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`

	Context *TaskContext `json:"-"`
}

// Scorer ranks pool nodes for a task using live telemetry, the health
// monitor's exhaustion penalties, and learned durations.
type Scorer struct {
	health   *health.Monitor
	learning *LearningStore
}

func NewScorer(h *health.Monitor, l *LearningStore) *Scorer {
	return &Scorer{health: h, learning: l}
}

type term struct {
	name  string
	value float64
}

type scored struct {
	node  pool.Node
	score float64
	terms []term
}

// Select scores the candidates and returns the winner. Ties resolve by
// lower latency, then by host and port, so equal inputs always pick the
// same node.
func (s *Scorer) Select(ctx *TaskContext, candidates []pool.Node) (pool.Node, *Decision, error) {
	ranked := make([]scored, 0, len(candidates))

	for _, n := range candidates {
		if !n.Available {
			continue
		}
		if ctx.Priority >= highPriorityThreshold && n.SuccessRate < reliableSuccessRate {
			continue
		}
		ranked = append(ranked, s.score(ctx, n))
	}

	if len(ranked) == 0 {
		return pool.Node{}, nil, ErrNoCandidates
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.node.LatencyMs != b.node.LatencyMs {
			return a.node.LatencyMs < b.node.LatencyMs
		}
		if a.node.Host != b.node.Host {
			return a.node.Host < b.node.Host
		}
		return a.node.Port < b.node.Port
	})

	best := ranked[0]
	return best.node, &Decision{
		Node:      best.node.Key(),
		Score:     best.score,
		Reasoning: reasoning(best),
		Context:   ctx,
	}, nil
}

func (s *Scorer) score(ctx *TaskContext, n pool.Node) scored {
	key := n.Key()

	terms := []term{
		{"latency", 1 / (1 + n.LatencyMs/1000) * weightLatency},
		{"success rate", n.SuccessRate * weightSuccess},
		{"low load", (1 - n.CPULoad) * weightLoad},
		{"vram headroom", s.vramTerm(ctx, n)},
		{"operator weight", n.Priority * weightPriority},
	}

	total := 0.0
	for _, t := range terms {
		total += t.value
	}

	if s.hasAffinity(ctx, key) {
		terms = append(terms, term{"task affinity", affinityBonus})
		total += affinityBonus
	}

	total -= s.health.Penalty(key) / 100

	if ctx.Priority >= highPriorityThreshold {
		total *= 1 + float64(ctx.Priority-highPriorityThreshold+1)*0.05
	}

	return scored{node: n, score: total, terms: terms}
}

// vramTerm scales with headroom against the model's working set when the
// task wants a GPU; otherwise every node gets the full term so CPU-fine
// workloads do not punish CPU nodes.
func (s *Scorer) vramTerm(ctx *TaskContext, n pool.Node) float64 {
	if !ctx.RequiresGPU {
		return weightVRAM
	}

	requiredMiB := ctx.Profile.EstMemoryGiB * 1024
	if requiredMiB <= 0 {
		return weightVRAM
	}

	ratio := n.FreeVRAMMiB / requiredMiB
	if ratio > 1 {
		ratio = 1
	} else if ratio < 0 {
		ratio = 0
	}
	return ratio * weightVRAM
}

// hasAffinity reports whether the node historically beats the global
// mean for this (task, model), with enough samples to trust.
func (s *Scorer) hasAffinity(ctx *TaskContext, node string) bool {
	if s.learning == nil {
		return false
	}

	global := s.learning.Stats(ctx.TaskType, ctx.Model)
	if global.Count == 0 {
		return false
	}

	mean, count := s.learning.NodeMeanMs(ctx.TaskType, ctx.Model, node)
	return count >= minNodeSamples && mean < global.MeanMs
}

// reasoning names the two strongest terms so operators can see why a
// node won without reading scores.
func reasoning(sc scored) string {
	terms := make([]term, len(sc.terms))
	copy(terms, sc.terms)
	sort.SliceStable(terms, func(i, j int) bool { return terms[i].value > terms[j].value })

	if len(terms) < 2 {
		return fmt.Sprintf("%s leads on %s (%.2f)", sc.node.Key(), terms[0].name, terms[0].value)
	}
	return fmt.Sprintf("%s leads on %s (%.2f) and %s (%.2f)",
		sc.node.Key(), terms[0].name, terms[0].value, terms[1].name, terms[1].value)
}
