// Package main is the entry point for the agora worker: the local
// supervisor that executes coding tasks in a repository on behalf of one
// agent identity.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agorahq/agora/internal/bus"
	"github.com/agorahq/agora/internal/common/config"
	"github.com/agorahq/agora/internal/common/logger"
	"github.com/agorahq/agora/internal/common/tracing"
	"github.com/agorahq/agora/internal/worker"
)

// shutdownSlack is added on top of the worker's own task grace so the
// supervisor, not the main context, decides when to terminate the child.
const shutdownSlack = 10 * time.Second

func main() {
	// 1. Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateWorker(); err != nil {
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

	log.Info("Starting worker supervisor...",
		zap.String("agent", cfg.Worker.AgentName),
		zap.String("repo_path", cfg.Worker.RepoPath))

	// 3. Initialize tracing
	tracing.Init("agora-worker")

	// 4. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Connect to the bus
	b, err := bus.New(cfg.Bus, cfg.Worker.AgentName, log)
	if err != nil {
		log.Fatal("Failed to connect to the bus", zap.Error(err))
	}
	defer b.Close()
	log.Info("Connected to the bus", zap.String("driver", cfg.Bus.Driver))

	// 6. Start the supervisor
	sup := worker.NewSupervisor(cfg.Worker, b, log)
	if err := sup.Start(ctx); err != nil {
		log.Fatal("Failed to start worker supervisor", zap.Error(err))
	}

	// 7. Wait for a termination signal or a bus shutdown command
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Signal received", zap.String("signal", sig.String()))
	case <-sup.Done():
		log.Info("Shutdown command received over the bus")
	}

	log.Info("Shutting down worker supervisor...")

	// 8. Graceful shutdown
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.Worker.ShutdownGrace()+shutdownSlack)
	defer shutdownCancel()

	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Error("Worker shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Worker supervisor stopped")
}
