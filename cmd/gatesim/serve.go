package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	httpadapter "github.com/oidovnamnan/gatesim/internal/orders/adapters/http"
	"github.com/oidovnamnan/gatesim/internal/orders/app"
	"github.com/oidovnamnan/gatesim/internal/telemetry"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var sweepEvery time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root, sweepEvery)
		},
	}
	cmd.Flags().DurationVar(&sweepEvery, "sweep-every", 0, "run the pending-order sweep in-process at this interval (0 disables)")
	return cmd
}

func serve(ctx context.Context, root *rootOptions, sweepEvery time.Duration) error {
	rt, err := newRuntime(ctx, root)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	cfg, logger := rt.cfg, rt.logger
	if cfg.Auth.OperatorToken == "" {
		logger.Warn("OPERATOR_TOKEN not set, operator endpoints will reject every request")
	}

	httpMetrics, err := httpadapter.NewMetrics(telemetry.Meter())
	if err != nil {
		return fmt.Errorf("create http metrics: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(httpadapter.WithLogging(logger))
	r.Use(httpadapter.WithMetrics(httpMetrics))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.ready(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	httpadapter.NewHandler(rt.service, rt.limiter, httpadapter.Auth{
		WebhookSecret: cfg.Auth.WebhookSecret,
		OperatorToken: cfg.Auth.OperatorToken,
		CronSecret:    cfg.Auth.CronSecret,
	}, logger).Register(r)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Reconcile.ProvisionTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if sweepEvery > 0 {
		go runSweeps(ctx, rt, sweepEvery)
	}

	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return err
	}
	logger.Info("http server stopped")
	return nil
}

func runSweeps(ctx context.Context, rt *runtime, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rt.service.ProcessPending(ctx); err != nil && !errors.Is(err, app.ErrSweepInProgress) {
				rt.logger.ErrorContext(ctx, "scheduled sweep failed", "error", err)
			}
			rt.purgeIdempotency(ctx)
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
