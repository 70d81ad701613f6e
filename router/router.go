// Package router decides where each inference request runs: a scored
// pool node for models that fit on one machine, or the llama.cpp
// coordinator for models that must be sharded across rpc workers.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sollol/sollol/api"
	"github.com/sollol/sollol/catalog"
	"github.com/sollol/sollol/coordinator"
	"github.com/sollol/sollol/health"
	"github.com/sollol/sollol/intelligence"
	"github.com/sollol/sollol/metrics"
	"github.com/sollol/sollol/pool"
)

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond

	// deadlineGuard is shaved off the inbound deadline for upstream
	// calls so the gateway still has time to answer the timeout itself.
	deadlineGuard = 100 * time.Millisecond
)

// nodeClient is the slice of api.Client the pool path needs.
type nodeClient interface {
	Forward(ctx context.Context, path string, body []byte) (map[string]any, error)
}

// shardClient runs requests through the coordinator.
type shardClient interface {
	Chat(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error)
	Generate(ctx context.Context, req *api.GenerateRequest) (*api.GenerateResponse, error)
	Embed(ctx context.Context, req *api.EmbedRequest) (*api.EmbedResponse, error)
}

// shardManager owns the coordinator lifecycle.
type shardManager interface {
	Ensure(ctx context.Context, model string) error
	Status() coordinator.Status
	Addr() string
}

// Router is the gateway's routing core. It never re-serializes pool
// traffic: payloads travel to the chosen node byte for byte, and only
// the response gains a _routing block.
type Router struct {
	registry *pool.Registry
	scorer   *intelligence.Scorer
	monitor  *health.Monitor
	learning *intelligence.LearningStore

	// shards is nil when no rpc backends are configured; large models
	// are then refused rather than silently mis-routed.
	shards   shardManager
	shardCli shardClient

	client func(node pool.Node) nodeClient

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(registry *pool.Registry, monitor *health.Monitor, learning *intelligence.LearningStore, shards shardManager, shardCli shardClient) *Router {
	return &Router{
		registry: registry,
		scorer:   intelligence.NewScorer(monitor, learning),
		monitor:  monitor,
		learning: learning,
		shards:   shards,
		shardCli: shardCli,
		client: func(node pool.Node) nodeClient {
			return api.NewNodeClient(node.Key())
		},
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hangupError classifies a dead inbound context. An expired deadline is
// an upstream timeout the caller never asked for; only an explicit
// cancel counts as the caller hanging up.
func hangupError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindUpstreamTimeout, "request deadline exceeded", err)
	}
	return newError(KindCancelled, "request abandoned", err)
}

// outboundContext derives the context for one upstream call, tightening
// the inbound deadline by deadlineGuard when there is room to spare.
func outboundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	if time.Until(deadline) > 2*deadlineGuard {
		deadline = deadline.Add(-deadlineGuard)
	}
	return context.WithDeadline(ctx, deadline)
}

// Route analyzes payload and runs it on the right backend. endpoint is
// the Ollama API path the caller hit, e.g. "/api/chat".
func (r *Router) Route(ctx context.Context, endpoint string, payload []byte) (map[string]any, error) {
	tctx, err := intelligence.Analyze(payload)
	if err != nil {
		return nil, newError(KindBadRequest, "cannot analyze request", err)
	}

	if catalog.RequiresSharding(tctx.Model, r.shards != nil) {
		return r.routeSharded(ctx, endpoint, payload, tctx)
	}
	return r.routePool(ctx, endpoint, payload, tctx)
}

// routePool picks the best node and forwards the raw payload, retrying
// on a different node after each failure. Telemetry only moves on
// definitive outcomes: success updates everything, failure and a blown
// deadline mark the node, and a caller hanging up updates nothing.
func (r *Router) routePool(ctx context.Context, endpoint string, payload []byte, tctx *intelligence.TaskContext) (map[string]any, error) {
	tried := make(map[string]bool, maxAttempts)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return nil, hangupError(cerr)
		}

		node, decision, err := r.scorer.Select(tctx, r.untried(tried))
		if err != nil {
			if lastErr != nil {
				break
			}
			return nil, newError(KindNoCapacity, "no nodes can serve this request", err)
		}

		key := node.Key()
		tried[key] = true

		callCtx, cancel := outboundContext(ctx)
		start := time.Now()
		resp, err := r.client(node).Forward(callCtx, endpoint, payload)
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				if errors.Is(cerr, context.DeadlineExceeded) {
					// The node ran out the caller's clock; that counts
					// against it like any other failure.
					r.registry.ObserveFailure(key)
					r.registry.MarkUnavailable(key)
				}
				return nil, hangupError(cerr)
			}

			lastErr = err
			r.registry.ObserveFailure(key)
			r.registry.MarkUnavailable(key)
			slog.Warn("node request failed", "node", key, "endpoint", endpoint, "attempt", attempt, "error", err)

			if attempt < maxAttempts {
				if err := r.sleep(ctx, time.Duration(attempt)*retryBackoff); err != nil {
					return nil, hangupError(err)
				}
			}
			continue
		}

		ms := float64(elapsed.Milliseconds())
		r.registry.ObserveSuccess(key, ms)
		r.monitor.Observe(key, ms, node.HasGPU)
		r.learning.Record(tctx.TaskType, tctx.Model, key, ms)

		metrics.RoutingDecisions.WithLabelValues("pool").Inc()
		metrics.NodeLatency.WithLabelValues(key).Set(ms)

		slog.Debug("routed to pool node", "node", key, "endpoint", endpoint, "score", decision.Score, "duration_ms", elapsed.Milliseconds())

		if resp == nil {
			resp = map[string]any{}
		}
		resp["_routing"] = &api.RoutingInfo{
			Backend:    "pool",
			Host:       node.Host,
			Port:       node.Port,
			Score:      decision.Score,
			Reasoning:  decision.Reasoning,
			DurationMs: elapsed.Milliseconds(),
		}
		return resp, nil
	}

	if isTimeout(lastErr) {
		return nil, newError(KindUpstreamTimeout, "upstream timed out", lastErr)
	}
	return nil, newError(KindUpstreamFailure, fmt.Sprintf("all %d attempts failed", maxAttempts), lastErr)
}

func (r *Router) untried(tried map[string]bool) []pool.Node {
	avail := r.registry.Available()
	out := avail[:0]
	for _, n := range avail {
		if !tried[n.Key()] {
			out = append(out, n)
		}
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// routeSharded brings up the coordinator for the model, then translates
// the request through its OpenAI-dialect endpoint.
func (r *Router) routeSharded(ctx context.Context, endpoint string, payload []byte, tctx *intelligence.TaskContext) (map[string]any, error) {
	if err := r.shards.Ensure(ctx, tctx.Model); err != nil {
		metrics.CoordinatorUp.Set(0)
		switch {
		case errors.Is(err, coordinator.ErrModelNotFound):
			return nil, newError(KindModelNotFound, fmt.Sprintf("model %s not in local store", tctx.Model), err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, newError(KindUpstreamTimeout, "coordinator not ready before deadline", err)
		case errors.Is(err, context.Canceled):
			return nil, newError(KindCancelled, "request abandoned", err)
		default:
			return nil, newError(KindCoordinatorUnavailable, "coordinator failed to start", err)
		}
	}
	metrics.CoordinatorUp.Set(1)

	callCtx, cancel := outboundContext(ctx)
	start := time.Now()
	result, err := r.shardRequest(callCtx, endpoint, payload)
	cancel()
	if err != nil {
		var routeErr *Error
		if errors.As(err, &routeErr) {
			return nil, err
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, hangupError(cerr)
		}
		if isTimeout(err) {
			return nil, newError(KindUpstreamTimeout, "coordinator timed out", err)
		}
		return nil, newError(KindUpstreamFailure, "coordinator request failed", err)
	}

	metrics.RoutingDecisions.WithLabelValues("sharded").Inc()

	status := r.shards.Status()
	result["_routing"] = &api.RoutingInfo{
		Backend:         "sharded",
		Coordinator:     r.shards.Addr(),
		RPCBackendCount: status.RPCBackends,
		DurationMs:      time.Since(start).Milliseconds(),
	}
	return result, nil
}

func (r *Router) shardRequest(ctx context.Context, endpoint string, payload []byte) (map[string]any, error) {
	switch endpoint {
	case "/api/chat":
		var req api.ChatRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, newError(KindBadRequest, "invalid chat request", err)
		}
		resp, err := r.shardCli.Chat(ctx, &req)
		if err != nil {
			return nil, err
		}
		return toMap(resp)

	case "/api/generate":
		var req api.GenerateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, newError(KindBadRequest, "invalid generate request", err)
		}
		resp, err := r.shardCli.Generate(ctx, &req)
		if err != nil {
			return nil, err
		}
		return toMap(resp)

	case "/api/embed":
		var req api.EmbedRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, newError(KindBadRequest, "invalid embed request", err)
		}
		resp, err := r.shardCli.Embed(ctx, &req)
		if err != nil {
			return nil, err
		}
		return toMap(resp)

	default:
		return nil, newError(KindBadRequest, fmt.Sprintf("endpoint %s does not support sharded models", endpoint), nil)
	}
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health summarizes gateway readiness for /api/health.
func (r *Router) Health() map[string]any {
	all := r.registry.All()
	avail := r.registry.Available()
	metrics.NodesAvailable.Set(float64(len(avail)))

	status := "healthy"
	if len(avail) == 0 {
		status = "unhealthy"
	} else if len(avail) < len(all) {
		status = "degraded"
	}

	sharding := map[string]any{"enabled": false}
	if r.shards != nil {
		st := r.shards.Status()
		sharding["enabled"] = true
		sharding["coordinator_running"] = st.State == coordinator.StateReady
		sharding["rpc_backends"] = st.RPCBackends
		if st.Model != "" {
			sharding["model_loaded"] = st.Model
		}
	}

	return map[string]any{
		"service": "SOLLOL",
		"status":  status,
		"task_distribution": map[string]any{
			"enabled": len(all) > 0,
			"nodes":   len(avail),
		},
		"model_sharding": sharding,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
}

// Stats exposes the full telemetry snapshot for /api/stats.
func (r *Router) Stats() map[string]any {
	s := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"hosts":     r.registry.All(),
		"routing_intelligence": map[string]any{
			"baselines": r.monitor.Stats(),
			"learning":  r.learning.AllStats(),
		},
	}

	hybrid := map[string]any{"enabled": r.shards != nil}
	if r.shards != nil {
		hybrid["coordinator"] = r.shards.Status()
	}
	s["hybrid_routing"] = hybrid
	return s
}
