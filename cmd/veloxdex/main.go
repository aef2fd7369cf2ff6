package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/veloxdex/veloxdex/internal/config"
	"github.com/veloxdex/veloxdex/internal/orchestrator"
	"github.com/veloxdex/veloxdex/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	zapLogger, err := logger.New(logger.Options{
		Level:   os.Getenv("LOG_LEVEL"),
		Console: os.Getenv("LOG_CONSOLE") == "true",
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	orch, err := orchestrator.New(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to build matching core", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start matching core", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	orch.Stop(shutdownTimeout)
}
