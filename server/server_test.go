package server

import (
	"context"
	"errors"
	"testing"
)

func TestRunReturnsCanceledOnShutdown(t *testing.T) {
	t.Setenv("SOLLOL_HOST", "127.0.0.1:0")
	t.Setenv("OLLAMA_NODES", "127.0.0.1:11434")
	t.Setenv("RPC_BACKENDS", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The cancellation must come back out so main can exit 130.
	if err := Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}
