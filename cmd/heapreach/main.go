// ABOUTME: Entry point for the heapreach CLI
// ABOUTME: Runs the cobra command tree with a context canceled on interrupt

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "heapreach:", err)
		os.Exit(1)
	}
}
