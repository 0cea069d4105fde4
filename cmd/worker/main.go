// Package main is the entry point for the AI response worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/app"
	"github.com/martechdevs/livechat/internal/config"
	"github.com/martechdevs/livechat/pkg/logger"
	"github.com/martechdevs/livechat/pkg/tracing"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	log, err := logger.FromEnv(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "livechat-worker", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	a, err := app.New(ctx, cfg, app.Options{Name: "livechat-worker", RunWorker: true}, log)
	if err != nil {
		log.Fatal("failed to start worker", zap.Error(err))
	}
	defer a.Close()

	if err := a.RunWorker(ctx); err != nil {
		log.Error("worker failed", zap.Error(err))
	}
}
