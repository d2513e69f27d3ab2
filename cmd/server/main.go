package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crm-agent/handler"
	"crm-agent/internal/app"
	"crm-agent/internal/config"
	"crm-agent/internal/integrations/paramstore"
	"crm-agent/internal/repository"
)

const defaultParamPrefix = "/crm-agent"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if cfg.ParamPrefix == "" {
		cfg.ParamPrefix = defaultParamPrefix
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// --- Storage ---
	store, err := repository.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		logger.Error("failed to open sqlite store", "path", cfg.SQLitePath, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	// --- Secrets from the environment ---
	secrets := paramstore.NewEnv(map[string]string{
		"open-ai-token": "OPENAI_API_KEY",
		"tavily-token":  "TAVILY_API_KEY",
	})

	h, err := app.Build(cfg, store, secrets, logger)
	if err != nil {
		logger.Error("failed to build handler", "err", err)
		os.Exit(1)
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/", handler.Router(h))

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", srv.Addr, "sqlite", cfg.SQLitePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}
