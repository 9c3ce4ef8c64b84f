package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workflowd/workflowd/internal/api"
	"github.com/workflowd/workflowd/internal/config"
	"github.com/workflowd/workflowd/internal/handler"
	"github.com/workflowd/workflowd/internal/job"
	"github.com/workflowd/workflowd/internal/lock"
	"github.com/workflowd/workflowd/internal/queue"
	"github.com/workflowd/workflowd/internal/runner"
	"github.com/workflowd/workflowd/internal/webhook"
	"github.com/workflowd/workflowd/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := handler.NewRegistry()
	registry.Register(job.TypeEcho, handler.Echo) //nolint:errcheck
	claude := &runner.Claude{Path: cfg.ClaudePath}
	registry.Register(job.TypeClaudeCode, claude.Handle) //nolint:errcheck
	git := &runner.Git{Path: cfg.GitPath}
	registry.Register(job.TypeGitPush, git.Handle) //nolint:errcheck

	// The lock file lives in the data dir even with the sqlite store.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("data dir", "error", err)
		os.Exit(1)
	}
	lk := lock.New(
		filepath.Join(cfg.DataDir, "processing.lock"),
		time.Duration(cfg.LockStaleMinutes)*time.Minute,
		logger,
	)
	notifier := webhook.New(logger)
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	q := queue.New(store, lk, registry, notifier, retention, logger)

	w := worker.New(q, time.Duration(cfg.WorkerIntervalSeconds)*time.Second, cfg.CleanupEveryTicks, logger)
	w.Start()
	defer w.Stop()

	mux := http.NewServeMux()
	h := api.NewHandler(q, w)
	h.RegisterRoutes(mux)

	root := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.Auth(cfg.APIKeys),
		api.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      root,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("workflowd listening", "addr", cfg.ListenAddr, "store", cfg.Store)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config, logger *slog.Logger) (job.Store, error) {
	if cfg.Store == config.StoreSQLite {
		return job.NewSQLiteStore(cfg.DBPath)
	}
	return job.NewFSStore(cfg.DataDir, logger)
}
