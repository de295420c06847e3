package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"flowrunner/internal/config"
	"flowrunner/internal/httpapi"
	"flowrunner/internal/wsgateway"
)

const maxUploadBytes = 64 << 20 // 64MiB flow file cap

func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "server",
		Aliases: []string{"serve"},
		Short:   "Run the HTTP+WS endpoint and N workers in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(parentCtx context.Context) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger()
	ctx, cancel := installSignalCancel(parentCtx, logger)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	wsRegistry := wsgateway.NewRegistry(ctx, rt.bus, cfg.MaxActiveWSTasks, cfg.MaxClientsPerTask, 64, logger)
	gateway := wsgateway.New(wsRegistry, rt.bus, rt.store, rt.sched.Mediators(), rt.verifier, logger)
	api := httpapi.New(rt.store, rt.sched, rt.sched.Mediators(), rt.verifier, maxUploadBytes)

	mux := chi.NewRouter()
	mux.Mount("/", api.Router())
	mux.Get("/ws/{id}", func(w http.ResponseWriter, r *http.Request) {
		gateway.Serve(w, r, chi.URLParam(r, "id"))
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	wsSweepStop := make(chan struct{})
	go wsRegistry.SweepLoop(wsSweepStop, time.Minute, 10*time.Minute)
	defer close(wsSweepStop)

	go rt.sched.SweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.sched.Run(ctx)
	}()

	go func() {
		logger.Info("http api listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return err
		}
	case <-time.After(time.Second):
	}
	return nil
}
