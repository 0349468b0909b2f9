package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"greenreserve/offchain/internal/api"
	"greenreserve/offchain/internal/blockchain/evm"
	"greenreserve/offchain/internal/config"
	"greenreserve/offchain/internal/database"
	"greenreserve/offchain/internal/reserve"
	"greenreserve/offchain/internal/service"
	"greenreserve/offchain/internal/worker"

	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting GreenReserve Offchain Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("source_chain", cfg.Source.Name),
		zap.String("dest_chain", cfg.Dest.Name),
		zap.String("reserve_api", cfg.Reserve.BaseURL))

	// Connect to the sighting history database, unless disabled. The
	// service runs fully without it.
	var db *database.DB
	if cfg.Database.Disabled {
		logger.Info("Deposit history disabled")
	} else {
		db, err = database.Connect(cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		migrationPath := "internal/database/migrations/001_schema.sql"
		if err := database.RunMigrations(db, migrationPath); err != nil {
			logger.Warn("Failed to run migrations (may already be applied)", zap.Error(err))
		} else {
			logger.Info("Database migrations applied")
		}
	}

	// Chain clients: one long-lived client per chain, passed explicitly into
	// both the deriver and the orchestrator.
	sourceClient, err := evm.NewClient(&cfg.Source, cfg.Operator.PrivateKey, logger)
	if err != nil {
		logger.Fatal("Failed to create source chain client", zap.Error(err))
	}
	defer sourceClient.Close()

	destClient, err := evm.NewClient(&cfg.Dest, cfg.Operator.PrivateKey, logger)
	if err != nil {
		logger.Fatal("Failed to create destination chain client", zap.Error(err))
	}
	defer destClient.Close()

	logger.Info("Chain clients initialized",
		zap.String("source", cfg.Source.RPCEndpoint),
		zap.String("dest", cfg.Dest.RPCEndpoint))

	// Risk/reserve service client
	riskClient := reserve.NewClient(cfg.Reserve, logger)

	// Core services
	deriver := service.NewDeriver(riskClient, sourceClient, destClient, cfg, logger)
	orchestrator := service.NewOrchestrator(riskClient, sourceClient, destClient, cfg, logger)
	poller := worker.NewPoller(deriver, cfg.Poller, logger)
	defer poller.Stop()

	logger.Info("Services initialized")

	// HTTP API
	metrics := api.NewMetrics()
	var store api.SightingStore
	if db != nil {
		store = db
	}
	apiHandler := api.NewHandler(deriver, orchestrator, poller, store, metrics, logger)
	router := api.SetupRouter(apiHandler, metrics, logger)

	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	logger.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal("HTTP server error", zap.Error(err))
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	poller.Stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	logger.Info("Service stopped successfully")
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
