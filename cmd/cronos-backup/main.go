package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/cronos-project/cronos-backup/pkg/buildinfo"
	"github.com/cronos-project/cronos-backup/pkg/clog"
)

func main() {
	// Set up a context that is canceled when an interrupt signal is received.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for interrupt signals (like Ctrl+C) in a separate goroutine.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// The failing command may not have gotten far enough to build its
		// logger, so the exit line uses a fresh one.
		log, flush, logErr := clog.New("info")
		if logErr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		} else {
			log.Error(buildinfo.Name+" exited with error", "error", err)
			flush()
		}
		os.Exit(1)
	}
}
