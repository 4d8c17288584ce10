package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nanoncore/nano-reconciler/events"
	"github.com/nanoncore/nano-reconciler/internal/server"
	"github.com/nanoncore/nano-reconciler/scheduler"
	"github.com/nanoncore/nano-reconciler/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, workers and HTTP API until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	runCtx, stopRun := context.WithCancel(ctx)
	a.queue.Start(runCtx)
	defer a.queue.Stop()

	sched := scheduler.New(a.store, a.queue, cfg.Schedule, log)
	sched.Start(runCtx)
	defer sched.Wait()
	defer stopRun()

	hub := events.NewHub(a.bus, cfg.HTTP.Origins, log)
	srv := server.New(a.queue, a.cache, hub, log).HTTPServer(cfg.HTTP.Addr)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
