package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/orquesta/settlement/internal/app"
	"github.com/orquesta/settlement/internal/config"
	"github.com/orquesta/settlement/internal/metrics"
)

// drainTimeout bounds how long shutdown waits for running jobs.
const drainTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	sched, err := a.Scheduler()
	if err != nil {
		slog.Error("job registration failed", "err", err)
		os.Exit(1)
	}
	sched.Start(ctx)
	slog.Info("settlement worker started", "holder", a.Runner.Holder())

	// --- Metrics and health ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-worker"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.MetricsPort),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("worker metrics listening", "port", cfg.MetricsPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down settlement worker...")
	select {
	case <-sched.Stop().Done():
	case <-time.After(drainTimeout):
		slog.Warn("jobs still running at shutdown, cancelling")
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("settlement worker stopped")
}
