// Package coordinator manages the on-demand llama-server process that
// shards a model across rpc-server workers, and the client that speaks
// to it over its OpenAI-compatible endpoint.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

// Process wraps one launched llama-server. Done delivers the exit error
// exactly once; after that the channel stays closed.
type Process struct {
	cmd  *exec.Cmd
	done chan error
}

// StartProcess launches binary with args, piping both output streams to
// logw. The process is not tied to ctx: a finished request must not kill
// a coordinator other requests are waiting on.
func StartProcess(binary string, args []string, logw io.Writer) (*Process, error) {
	cmd := exec.Command(binary, args...)
	cmd.Stdout = logw
	cmd.Stderr = logw

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}
	slog.Info("coordinator process started", "binary", binary, "pid", cmd.Process.Pid)

	p := &Process{
		cmd:  cmd,
		done: make(chan error, 1),
	}
	go func() {
		p.done <- cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Done delivers the process exit error.
func (p *Process) Done() <-chan error {
	return p.done
}

// Terminate asks the process to exit with SIGTERM, escalating to SIGKILL
// after timeout. It waits for the process to actually go away so ports
// are free for the next launch.
func (p *Process) Terminate(timeout time.Duration) error {
	if p.cmd.Process == nil {
		return nil
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		slog.Warn("coordinator ignored SIGTERM, killing", "pid", p.cmd.Process.Pid)
		return p.Kill()
	}
}

// Kill forcibly ends the process and waits for it to be reaped.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	<-p.done
	return nil
}

// WaitContext blocks until the process exits or ctx is done.
func (p *Process) WaitContext(ctx context.Context) error {
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
