// Package main is the entry point for the agora gateway: the HTTP and
// WebSocket bridge between browsers and the agent bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agorahq/agora/internal/activitylog"
	"github.com/agorahq/agora/internal/bus"
	"github.com/agorahq/agora/internal/common/config"
	"github.com/agorahq/agora/internal/common/logger"
	"github.com/agorahq/agora/internal/common/tracing"
	"github.com/agorahq/agora/internal/gateway"
)

const shutdownGrace = 30 * time.Second

func main() {
	// 1. Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateGateway(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting gateway service...")

	// 3. Initialize tracing
	tracing.Init("agora-gateway")

	// 4. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Open the activity log store
	store, err := activitylog.New(ctx, cfg.Store, log)
	if err != nil {
		log.Fatal("Failed to open activity log store", zap.Error(err))
	}
	defer store.Close()
	log.Info("Activity log store ready", zap.String("driver", cfg.Store.Driver))

	// 6. Connect to the bus
	b, err := bus.New(cfg.Bus, "gateway", log)
	if err != nil {
		log.Fatal("Failed to connect to the bus", zap.Error(err))
	}
	defer b.Close()
	log.Info("Connected to the bus", zap.String("driver", cfg.Bus.Driver))

	// 7. Start the gateway service
	svc := gateway.NewService(cfg.Gateway, b, store, log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start gateway service", zap.Error(err))
	}
	log.Info("Gateway service started", zap.String("addr", svc.Addr()))

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gateway service...")

	// 9. Graceful shutdown
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error("Gateway shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Gateway service stopped")
}
