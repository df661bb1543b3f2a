// Package main is the archibald entrypoint. All real work happens in cmd;
// this only wires OS signals into a context so a Ctrl-C lands as a graceful
// engine shutdown instead of a killed browser.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/H4tholdir/archibaldblackant-sub014/cmd"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/observability"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
		// A second signal skips the graceful path.
		<-sigChan
		os.Exit(1)
	}()

	err := cmd.Execute(ctx)
	cancel()
	observability.Sync()
	if err != nil {
		os.Exit(1)
	}
}
