package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/switchyardhq/switchyard/internal/api"
	"github.com/switchyardhq/switchyard/internal/config"
	"github.com/switchyardhq/switchyard/internal/directory"
	"github.com/switchyardhq/switchyard/internal/dispatch"
	"github.com/switchyardhq/switchyard/internal/evaluation"
	"github.com/switchyardhq/switchyard/internal/events"
	"github.com/switchyardhq/switchyard/internal/experiment"
	"github.com/switchyardhq/switchyard/internal/flow"
	"github.com/switchyardhq/switchyard/internal/health"
	"github.com/switchyardhq/switchyard/internal/routing"
	"github.com/switchyardhq/switchyard/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database, or in-memory when no URL is configured (local development)
	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		st = pg
		logger.Info("connected to database")
	} else {
		st = store.NewMemoryStore()
		logger.Warn("no database configured, state is in-memory only")
	}
	defer st.Close()

	// Events (optional)
	var eventsClient events.Client
	if cfg.Events.URL != "" {
		ec, err := events.NewNATSClient(ctx, cfg.Events.URL, logger)
		if err != nil {
			logger.Warn("failed to connect to nats, running without events", "error", err)
		} else {
			eventsClient = ec
			defer ec.Close()
			logger.Info("connected to nats")
		}
	}

	// Agent directory, cached
	dirClient := directory.NewCachedClient(
		directory.NewHTTPClient(cfg.Directory.URL, cfg.Directory.Token),
		cfg.DirectoryCacheTTL(),
	)

	// Health tracker
	tracker := health.NewTracker(health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		CoolDown:         cfg.BreakerCoolDown(),
	})

	// Routing
	router := routing.NewEngine(dirClient, tracker, logger)

	// Experiments
	experiments := experiment.NewEngine(st, experiment.Config{
		AutoComplete: cfg.Experiments.AutoComplete,
	}, eventsClient, logger)

	// Dispatch
	coordinator := dispatch.New(st, router, tracker, experiments, dirClient,
		dispatch.NewHTTPInvoker(), eventsClient, dispatch.Options{
			DefaultTimeout: cfg.DefaultTimeout(),
			MaxRetries:     cfg.Dispatch.MaxRetries,
		}, logger)
	coordinator.Start()
	defer coordinator.Stop()
	logger.Info("dispatch coordinator started",
		"default_timeout", cfg.DefaultTimeout(), "max_retries", cfg.Dispatch.MaxRetries)

	// Evaluation and flow checking
	evaluations := evaluation.NewEngine(st, experiments, eventsClient, logger)
	flows := flow.NewChecker(st, logger)

	// API server
	handler := api.NewRouter(api.Deps{
		Store:       st,
		Coordinator: coordinator,
		Evaluations: evaluations,
		Experiments: experiments,
		Flows:       flows,
		Directory:   dirClient,
		Health:      tracker,
		Router:      router,
		AdminToken:  cfg.Server.AdminToken,
		Logger:      logger,
	})
	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler,
	}

	// Metrics server
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: api.NewMetricsRouter(),
	}

	go func() {
		logger.Info("API server starting", "port", cfg.Server.Port)
		if err := apiServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("API server error", "error", err)
		}
	}()

	go func() {
		logger.Info("metrics server starting", "port", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
}
