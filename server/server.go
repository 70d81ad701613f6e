package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sollol/sollol/coordinator"
	"github.com/sollol/sollol/discover"
	"github.com/sollol/sollol/envconfig"
	"github.com/sollol/sollol/health"
	"github.com/sollol/sollol/intelligence"
	"github.com/sollol/sollol/pool"
	"github.com/sollol/sollol/router"
)

const shutdownGrace = 10 * time.Second

// Run assembles the gateway from environment configuration and serves
// until ctx is cancelled.
func Run(ctx context.Context) error {
	registry := pool.NewRegistry()
	for _, addr := range discover.Nodes(ctx) {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			slog.Warn("skipping malformed node address", "addr", addr)
			continue
		}
		port, err := net.LookupPort("tcp", portStr)
		if err != nil {
			slog.Warn("skipping node with bad port", "addr", addr)
			continue
		}
		registry.Add(pool.NewNode(host, port))
	}
	if registry.Len() == 0 {
		slog.Warn("starting with an empty pool; nodes can still appear via discovery restarts")
	}

	monitor := health.NewMonitor()
	learning := intelligence.NewLearningStore()

	var core *router.Router
	var shards *coordinator.Manager
	if backends := discover.RPCBackends(); len(backends) > 0 {
		host, port := envconfig.CoordinatorHost()
		shards = coordinator.NewManager(coordinator.Options{
			Host:        host,
			Port:        port,
			Binary:      envconfig.CoordinatorBinary(),
			RPCBackends: backends,
			ModelsDir:   envconfig.Models(),
			LoadTimeout: envconfig.LoadTimeout(),
		})
		core = router.New(registry, monitor, learning, shards, coordinator.NewClient(shards.Addr()))
		slog.Info("model sharding enabled", "rpc_backends", backends, "coordinator", shards.Addr())
	} else {
		core = router.New(registry, monitor, learning, nil, nil)
		slog.Info("model sharding disabled, no rpc backends configured")
	}

	if envconfig.EnableRay() || envconfig.EnableDask() {
		slog.Warn("ray/dask integration flags are accepted but not active in this build")
	}

	loop := pool.NewAdaptiveLoop(registry, envconfig.AdaptiveInterval(), envconfig.LearningHorizon(), learning)
	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	go loop.Run(loopCtx)

	addr := envconfig.Host().Host
	srv := &http.Server{
		Addr:    addr,
		Handler: NewServer(core).GenerateRoutes(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("SOLLOL gateway listening", "addr", addr, "nodes", registry.Len())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if shards != nil {
			shards.Stop()
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if shards != nil {
		shards.Stop()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// Surface the cancellation so the CLI maps an interrupt to exit 130.
	return ctx.Err()
}
