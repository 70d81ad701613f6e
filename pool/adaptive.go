package pool

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sollol/sollol/api"
)

// maxConcurrentProbes bounds the health-check fan-out per cycle.
const maxConcurrentProbes = 16

// ProbeResult is what one health probe learned about a node. The Known
// flags gate which fields overwrite registry state; Ollama does not
// report free VRAM, so only injected probes can set it.
type ProbeResult struct {
	LatencyMs   float64
	HasGPU      bool
	GPUKnown    bool
	FreeVRAMMiB float64
	VRAMKnown   bool
}

// ProbeFunc checks one node. Tests inject fakes here.
type ProbeFunc func(ctx context.Context, n Node) (ProbeResult, error)

// ager lets the loop expire learned history without depending on the
// package that owns it.
type ager interface {
	AgeOut(time.Duration) int
}

// AdaptiveLoop periodically probes every registered node, refreshing
// telemetry and availability, and ages out learned durations older than
// horizon.
type AdaptiveLoop struct {
	registry *Registry
	interval time.Duration
	horizon  time.Duration
	probe    ProbeFunc
	learning ager
}

func NewAdaptiveLoop(registry *Registry, interval, horizon time.Duration, learning ager) *AdaptiveLoop {
	return &AdaptiveLoop{
		registry: registry,
		interval: interval,
		horizon:  horizon,
		probe:    defaultProbe,
		learning: learning,
	}
}

// Run blocks until ctx is cancelled, probing on every tick. The first
// cycle runs immediately so startup does not wait a full interval.
func (l *AdaptiveLoop) Run(ctx context.Context) {
	slog.Info("adaptive loop started", "interval", l.interval)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("adaptive loop stopped")
			return
		case <-ticker.C:
			l.cycle(ctx)
		}
	}
}

// cycle probes all nodes concurrently. Each probe gets its own timeout
// so one hung node cannot stall the sweep.
func (l *AdaptiveLoop) cycle(ctx context.Context) {
	nodes := l.registry.All()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)

	for _, n := range nodes {
		n := n
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, l.interval/2)
			defer cancel()

			res, err := l.probe(pctx, n)
			key := n.Key()
			if err != nil {
				slog.Debug("probe failed", "node", key, "error", err)
				l.registry.ObserveFailure(key)
				l.registry.MarkUnavailable(key)
				return nil
			}

			l.registry.Update(key, func(n *Node) {
				n.Available = true
				if n.LatencyMs == 0 {
					n.LatencyMs = res.LatencyMs
				} else {
					n.LatencyMs = n.LatencyMs*latencyEMAWeight + res.LatencyMs*(1-latencyEMAWeight)
				}
				n.SuccessRate = n.SuccessRate*successEMAWeight + 1*(1-successEMAWeight)
				if res.GPUKnown {
					n.HasGPU = res.HasGPU
				}
				if res.VRAMKnown {
					n.FreeVRAMMiB = res.FreeVRAMMiB
				}
			})
			return nil
		})
	}
	g.Wait()

	if l.learning != nil {
		if removed := l.learning.AgeOut(l.horizon); removed > 0 {
			slog.Debug("aged out learned durations", "removed", removed)
		}
	}
}

// defaultProbe asks the node for its version to measure liveness and
// latency, then inspects loaded models for a GPU signal. A node serving
// any model from VRAM is treated as a GPU node.
func defaultProbe(ctx context.Context, n Node) (ProbeResult, error) {
	client := api.NewNodeClient(n.Key())

	start := time.Now()
	if _, err := client.Version(ctx); err != nil {
		return ProbeResult{}, err
	}
	res := ProbeResult{LatencyMs: float64(time.Since(start).Milliseconds())}

	ps, err := client.Ps(ctx)
	if err != nil {
		// Version answered, so the node is up; GPU state is just unknown.
		return res, nil
	}

	res.GPUKnown = true
	for _, m := range ps.Models {
		if m.SizeVRAM > 0 {
			res.HasGPU = true
			break
		}
	}
	return res, nil
}
