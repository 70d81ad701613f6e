package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProc struct {
	done chan error
	once sync.Once

	terminated atomic.Bool
}

func newFakeProc() *fakeProc {
	return &fakeProc{done: make(chan error, 1)}
}

func (p *fakeProc) Done() <-chan error { return p.done }

func (p *fakeProc) Terminate(time.Duration) error {
	p.terminated.Store(true)
	p.exit(nil)
	return nil
}

func (p *fakeProc) exit(err error) {
	p.once.Do(func() {
		p.done <- err
		close(p.done)
	})
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Options{
		Host:        "127.0.0.1",
		Port:        8080,
		Binary:      "llama-server",
		RPCBackends: []string{"10.0.0.5:50052", "10.0.0.6:50052"},
		LoadTimeout: 5 * time.Second,
	})
	m.resolve = func(string) (string, error) { return "/models/blobs/sha256-abc", nil }
	return m
}

func TestEnsureStartsCoordinator(t *testing.T) {
	m := testManager(t)

	var launches atomic.Int32
	m.launch = func(model, gguf string) (managedProc, error) {
		launches.Add(1)
		return newFakeProc(), nil
	}
	m.probe = func(context.Context) error { return nil }

	if err := m.Ensure(context.Background(), "llama3.1:405b"); err != nil {
		t.Fatal(err)
	}

	st := m.Status()
	if st.State != StateReady || st.Model != "llama3.1:405b" {
		t.Errorf("Status = %+v, want ready llama3.1:405b", st)
	}
	if st.RPCBackends != 2 {
		t.Errorf("RPCBackends = %d, want 2", st.RPCBackends)
	}
	if got := launches.Load(); got != 1 {
		t.Errorf("launches = %d, want 1", got)
	}
}

func TestEnsureSameModelIsIdempotent(t *testing.T) {
	m := testManager(t)

	var launches atomic.Int32
	m.launch = func(string, string) (managedProc, error) {
		launches.Add(1)
		return newFakeProc(), nil
	}
	m.probe = func(context.Context) error { return nil }

	for i := 0; i < 3; i++ {
		if err := m.Ensure(context.Background(), "llama3.1:405b"); err != nil {
			t.Fatal(err)
		}
	}
	if got := launches.Load(); got != 1 {
		t.Errorf("launches = %d, want 1", got)
	}
}

func TestConcurrentEnsureSharesOneLaunch(t *testing.T) {
	m := testManager(t)

	var launches atomic.Int32
	m.launch = func(string, string) (managedProc, error) {
		launches.Add(1)
		return newFakeProc(), nil
	}
	m.probe = func(context.Context) error { return nil }

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Ensure(context.Background(), "llama3.1:405b")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Ensure[%d] = %v", i, err)
		}
	}
	if got := launches.Load(); got != 1 {
		t.Errorf("launches = %d, want 1", got)
	}
}

func TestEnsureSwitchesModels(t *testing.T) {
	m := testManager(t)

	var procs []*fakeProc
	m.launch = func(string, string) (managedProc, error) {
		p := newFakeProc()
		procs = append(procs, p)
		return p, nil
	}
	m.probe = func(context.Context) error { return nil }

	if err := m.Ensure(context.Background(), "llama3.1:405b"); err != nil {
		t.Fatal(err)
	}
	if err := m.Ensure(context.Background(), "mixtral:8x22b"); err != nil {
		t.Fatal(err)
	}

	if len(procs) != 2 {
		t.Fatalf("launches = %d, want 2", len(procs))
	}
	if !procs[0].terminated.Load() {
		t.Error("old coordinator should be terminated on switch")
	}
	if st := m.Status(); st.Model != "mixtral:8x22b" {
		t.Errorf("Status.Model = %q, want mixtral:8x22b", st.Model)
	}
}

func TestEnsureLaunchFailure(t *testing.T) {
	m := testManager(t)

	boom := errors.New("no such binary")
	m.launch = func(string, string) (managedProc, error) { return nil, boom }

	err := m.Ensure(context.Background(), "llama3.1:405b")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if st := m.Status(); st.State != StateFailed {
		t.Errorf("State = %v, want failed", st.State)
	}

	// A later request retries from the failed state.
	m.launch = func(string, string) (managedProc, error) { return newFakeProc(), nil }
	m.probe = func(context.Context) error { return nil }
	if err := m.Ensure(context.Background(), "llama3.1:405b"); err != nil {
		t.Fatal(err)
	}
}

func TestEnsureMissingModel(t *testing.T) {
	m := testManager(t)
	m.resolve = func(string) (string, error) { return "", ErrModelNotFound }

	err := m.Ensure(context.Background(), "nonexistent:999b")
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound in chain", err)
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable in chain", err)
	}
}

func TestWatchNoticesExit(t *testing.T) {
	m := testManager(t)

	proc := newFakeProc()
	m.launch = func(string, string) (managedProc, error) { return proc, nil }
	m.probe = func(context.Context) error { return nil }

	if err := m.Ensure(context.Background(), "llama3.1:405b"); err != nil {
		t.Fatal(err)
	}

	proc.exit(errors.New("killed by oom"))

	deadline := time.Now().Add(time.Second)
	for m.Status().State != StateFailed {
		if time.Now().After(deadline) {
			t.Fatal("manager never noticed the coordinator exit")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopDuringStartupReapsProcess(t *testing.T) {
	m := testManager(t)

	proc := newFakeProc()
	launched := make(chan struct{})
	m.launch = func(string, string) (managedProc, error) {
		close(launched)
		return proc, nil
	}
	m.probe = func(context.Context) error { return errors.New("still loading") }

	errCh := make(chan error, 1)
	go func() { errCh <- m.Ensure(context.Background(), "llama3.1:405b") }()

	<-launched
	m.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("Ensure = %v, want ErrUnavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Ensure still blocked after Stop")
	}

	if !proc.terminated.Load() {
		t.Error("Stop should terminate a coordinator that is still loading")
	}
}

func TestEnsureAfterStopRefuses(t *testing.T) {
	m := testManager(t)
	m.launch = func(string, string) (managedProc, error) { return newFakeProc(), nil }
	m.probe = func(context.Context) error { return nil }

	if err := m.Ensure(context.Background(), "llama3.1:405b"); err != nil {
		t.Fatal(err)
	}
	m.Stop()

	if err := m.Ensure(context.Background(), "llama3.1:405b"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ensure after Stop = %v, want ErrUnavailable", err)
	}
}

func TestEnsureReturnsWhenCallerGivesUp(t *testing.T) {
	m := testManager(t)

	launched := make(chan struct{})
	m.launch = func(string, string) (managedProc, error) {
		close(launched)
		return newFakeProc(), nil
	}
	m.probe = func(context.Context) error { return errors.New("still loading") }

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Ensure(ctx, "llama3.1:405b") }()

	<-launched
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Ensure = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Ensure should not outlive its caller's context")
	}

	m.Stop()
}

func TestStop(t *testing.T) {
	m := testManager(t)

	proc := newFakeProc()
	m.launch = func(string, string) (managedProc, error) { return proc, nil }
	m.probe = func(context.Context) error { return nil }

	if err := m.Ensure(context.Background(), "llama3.1:405b"); err != nil {
		t.Fatal(err)
	}

	m.Stop()
	if !proc.terminated.Load() {
		t.Error("Stop should terminate the process")
	}
	if st := m.Status(); st.State != StateIdle {
		t.Errorf("State = %v, want idle", st.State)
	}
}
