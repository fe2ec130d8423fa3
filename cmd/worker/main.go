package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/eventcore/internal/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "eventcore-worker", "eventcore")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	app.Logger.Info().
		Str("worker_id", app.Dispatcher.Config().WorkerID).
		Strs("event_types", app.Dispatcher.EventTypes()).
		Strs("checks", app.Reconciliation.CheckTypes()).
		Msg("Worker started")

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
		app.Close()
		os.Exit(1)
	}
	app.Logger.Info().Msg("Worker exited")
}
