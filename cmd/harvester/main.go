package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"harvester/internal/api"
	"harvester/internal/config"
	"harvester/internal/fetch"
	"harvester/internal/harvest"
	"harvester/internal/monitoring"
	"harvester/internal/session"
	"harvester/internal/site"
)

func main() {
	// Initialize structured logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("could not load config", zap.Error(err))
	}

	metrics := monitoring.NewMetrics()

	// Session provider attaches to (or launches) the debug browser lazily,
	// on the first request that needs a session.
	sessions := session.NewProvider(cfg, metrics, logger)
	defer sessions.Close()

	// Transports
	requestTimeout := time.Duration(cfg.RequestTimeout) * time.Second
	browser := fetch.NewBrowserTransport(sessions, requestTimeout, logger)
	direct := fetch.NewDirectTransport(requestTimeout)
	executor := fetch.NewExecutor(sessions, browser, direct, metrics, logger)

	// Site adapters
	sites := site.Registry{
		"trendyol":    site.NewTrendyol(cfg, executor, sessions, browser, logger),
		"hepsiburada": site.NewHepsiburada(cfg, executor, sessions, browser, logger),
	}

	orchestrator := harvest.NewOrchestrator(cfg, metrics, logger)

	// Initialize API Server
	server := api.NewServer(cfg, orchestrator, sites, sessions, metrics, logger)

	// Graceful Shutdown
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("could not start server", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("port", cfg.ServerPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exiting")
}
