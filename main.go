package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sollol/sollol/cmd"
)

func main() {
	err := cmd.NewCLI().ExecuteContext(context.Background())
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		os.Exit(130)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
