package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// State is the coordinator lifecycle phase.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateReady     State = "ready"
	StateSwitching State = "switching"
	StateFailed    State = "failed"
)

const (
	probeInterval    = 500 * time.Millisecond
	terminateGrace   = 10 * time.Second
	defaultGPULayers = 99
	defaultCtxSize   = 8192
)

// ErrUnavailable wraps launch and readiness failures surfaced to routing.
var ErrUnavailable = errors.New("coordinator unavailable")

// managedProc is the slice of Process the manager needs; tests inject
// fakes through launchFunc.
type managedProc interface {
	Done() <-chan error
	Terminate(time.Duration) error
}

type launchFunc func(model, ggufPath string) (managedProc, error)

type probeFunc func(ctx context.Context) error

// Options configures the manager.
type Options struct {
	Host        string
	Port        int
	Binary      string
	RPCBackends []string
	ModelsDir   string
	LoadTimeout time.Duration
}

// Manager owns at most one llama-server at a time and serializes model
// switches. Concurrent Ensure calls for the model being started share
// one launch; a call for a different model waits its turn.
type Manager struct {
	mu      sync.Mutex
	opts    Options
	resolve func(model string) (string, error)
	launch  launchFunc
	probe   probeFunc

	state   State
	model   string
	proc    managedProc
	ready   chan struct{}
	lastErr error
	closed  bool
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		opts:    opts,
		resolve: NewGGUFResolver(opts.ModelsDir).Resolve,
		state:   StateIdle,
	}
	m.launch = m.launchProcess
	m.probe = m.probeHealth
	return m
}

// Addr returns the coordinator's "host:port".
func (m *Manager) Addr() string {
	return net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
}

// Ensure blocks until a coordinator serving model is ready, starting or
// switching one as needed. Launches run in the background so every
// caller, the initiating one included, can give up on its own context.
func (m *Manager) Ensure(ctx context.Context, model string) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return fmt.Errorf("%w: manager stopped", ErrUnavailable)
		}
		switch m.state {
		case StateReady:
			if m.model == model {
				m.mu.Unlock()
				return nil
			}
			// Another model is loaded; tear it down and start over.
			old := m.proc
			m.state = StateSwitching
			m.model = model
			m.ready = make(chan struct{})
			m.proc = nil
			ch := m.ready
			m.mu.Unlock()

			slog.Info("switching coordinator model", "model", model)
			go func() {
				if old != nil {
					old.Terminate(terminateGrace)
				}
				m.start(model)
			}()

			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}

		case StateStarting, StateSwitching:
			// Wait for the in-flight launch to settle, then re-examine.
			ch := m.ready
			m.mu.Unlock()

			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}

		case StateIdle, StateFailed:
			m.state = StateStarting
			m.model = model
			m.ready = make(chan struct{})
			m.lastErr = nil
			ch := m.ready
			m.mu.Unlock()

			go m.start(model)

			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}

		default:
			m.mu.Unlock()
			return fmt.Errorf("%w: unexpected state", ErrUnavailable)
		}

		// Re-examine the settled state for our model.
		m.mu.Lock()
		if m.state == StateReady && m.model == model {
			m.mu.Unlock()
			return nil
		}
		if m.state == StateFailed && m.model == model {
			err := m.lastErr
			m.mu.Unlock()
			// Both sentinels stay matchable so routing can tell a missing
			// model apart from a dead coordinator.
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// start launches the coordinator for model and polls its health endpoint
// until it answers or the load timeout passes. It settles the state and
// closes the ready channel exactly once.
func (m *Manager) start(model string) {
	ggufPath, err := m.resolve(model)
	if err != nil {
		m.fail(fmt.Errorf("resolving model: %w", err))
		return
	}

	proc, err := m.launch(model, ggufPath)
	if err != nil {
		m.fail(fmt.Errorf("launching coordinator: %w", err))
		return
	}

	// Register the process before probing so Stop can reap a launch
	// that is still loading.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		proc.Terminate(terminateGrace)
		m.fail(errors.New("manager stopped during startup"))
		return
	}
	m.proc = proc
	m.mu.Unlock()

	deadline := time.Now().Add(m.opts.LoadTimeout)
	for {
		pctx, cancel := context.WithTimeout(context.Background(), probeInterval)
		err := m.probe(pctx)
		cancel()
		if err == nil {
			break
		}

		if time.Now().After(deadline) {
			proc.Terminate(terminateGrace)
			m.fail(fmt.Errorf("coordinator not ready after %s", m.opts.LoadTimeout))
			return
		}

		select {
		case err := <-proc.Done():
			m.fail(fmt.Errorf("coordinator exited during startup: %v", err))
			return
		case <-time.After(probeInterval):
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		proc.Terminate(terminateGrace)
		m.fail(errors.New("manager stopped during startup"))
		return
	}
	m.state = StateReady
	close(m.ready)
	m.mu.Unlock()

	slog.Info("coordinator ready", "model", model, "addr", m.Addr(), "rpc_backends", len(m.opts.RPCBackends))
	go m.watch(proc, model)
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.state = StateFailed
	m.lastErr = err
	m.proc = nil
	close(m.ready)
	m.mu.Unlock()

	slog.Error("coordinator launch failed", "error", err)
}

// watch notices a coordinator dying out from under us so the next
// request relaunches instead of timing out against a dead port.
func (m *Manager) watch(proc managedProc, model string) {
	err := <-proc.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc != proc {
		// Already replaced or stopped.
		return
	}
	m.state = StateFailed
	m.lastErr = fmt.Errorf("coordinator exited: %v", err)
	m.proc = nil
	slog.Warn("coordinator process exited", "model", model, "error", err)
}

// Stop terminates any coordinator, one still loading included, and
// refuses further launches. A launch in flight settles through its own
// failure path so waiters are released.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	proc := m.proc
	launching := m.state == StateStarting || m.state == StateSwitching
	if !launching {
		m.proc = nil
		m.state = StateIdle
		m.model = ""
	}
	m.mu.Unlock()

	if proc != nil {
		proc.Terminate(terminateGrace)
		slog.Info("coordinator stopped")
	}
}

// Status is a point-in-time snapshot for the health and stats endpoints.
type Status struct {
	State       State  `json:"state"`
	Model       string `json:"model,omitempty"`
	Coordinator string `json:"coordinator"`
	RPCBackends int    `json:"rpc_backends"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:       m.state,
		Model:       m.model,
		Coordinator: m.Addr(),
		RPCBackends: len(m.opts.RPCBackends),
	}
}

// launchProcess builds the llama-server argument list and starts it.
// GPU layer offload is set high so llama-server distributes everything
// across the rpc backends.
func (m *Manager) launchProcess(model, ggufPath string) (managedProc, error) {
	args := []string{
		"--model", ggufPath,
		"--host", m.opts.Host,
		"--port", strconv.Itoa(m.opts.Port),
		"--gpu-layers", strconv.Itoa(defaultGPULayers),
		"--ctx-size", strconv.Itoa(defaultCtxSize),
	}
	if len(m.opts.RPCBackends) > 0 {
		args = append(args, "--rpc", strings.Join(m.opts.RPCBackends, ","))
	}

	slog.Info("launching coordinator", "model", model, "gguf", ggufPath, "addr", m.Addr())
	return StartProcess(m.opts.Binary, args, os.Stderr)
}

// probeHealth asks llama-server's /health endpoint whether the model is
// loaded.
func (m *Manager) probeHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+m.Addr()+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %s", resp.Status)
	}
	return nil
}
