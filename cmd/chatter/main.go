// Package main is the entry point for the agora chatter: the conversational
// orchestrator that turns human input into model turns and agent work.
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
	"github.com/agorahq/agora/internal/chatter"
	"github.com/agorahq/agora/internal/chatter/llm"
	"github.com/agorahq/agora/internal/common/config"
	"github.com/agorahq/agora/internal/common/logger"
	"github.com/agorahq/agora/internal/common/tracing"
)

const shutdownGrace = 30 * time.Second

func main() {
	// 1. Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateChatter(); err != nil {
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

	log.Info("Starting chatter service...")

	// 3. Initialize tracing
	tracing.Init("agora-chatter")

	// 4. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Load the agent roster
	roster, err := chatter.LoadRoster(cfg.Chatter.RosterPath)
	if err != nil {
		log.Fatal("Failed to load agent roster", zap.Error(err))
	}
	log.Info("Agent roster loaded", zap.Strings("agents", roster.Names()))

	// 6. Build the model client
	client, err := llm.NewAnthropic(cfg.LLM)
	if err != nil {
		log.Fatal("Failed to build model client", zap.Error(err))
	}
	log.Info("Model client ready", zap.String("model", cfg.LLM.Model))

	// 7. Connect to the bus
	b, err := bus.New(cfg.Bus, cfg.Chatter.AgentName, log)
	if err != nil {
		log.Fatal("Failed to connect to the bus", zap.Error(err))
	}
	defer b.Close()
	log.Info("Connected to the bus", zap.String("driver", cfg.Bus.Driver))

	// 8. Start the chatter service
	svc := chatter.NewService(cfg.Chatter, cfg.LLM, b, client, roster, log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start chatter service", zap.Error(err))
	}
	log.Info("Chatter service started")

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down chatter service...")

	// 10. Graceful shutdown
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error("Chatter shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Chatter service stopped")
}
