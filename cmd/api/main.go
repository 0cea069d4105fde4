// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/martechdevs/livechat/internal/app"
	"github.com/martechdevs/livechat/internal/config"
	"github.com/martechdevs/livechat/internal/handler"
	"github.com/martechdevs/livechat/internal/quote"
	"github.com/martechdevs/livechat/internal/slackbridge"
	"github.com/martechdevs/livechat/pkg/logger"
	"github.com/martechdevs/livechat/pkg/tracing"
)

func main() {
	// A missing .env is fine; the environment may already be set.
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

	if err := run(cfg, log); err != nil {
		log.Fatal("API server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting API server", zap.Bool("worker_inline", cfg.WorkerInline))

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "livechat-api", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	a, err := app.New(ctx, cfg, app.Options{Name: "livechat-api", RunWorker: cfg.WorkerInline}, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Hub.Start(); err != nil {
		return fmt.Errorf("failed to start realtime hub: %w", err)
	}

	handlers := handler.Handlers{
		Health:        handler.NewHealthHandler(a.DB, a.NATS, a.Hub),
		Conversations: handler.NewConversationHandler(a.DB, a.Notifier, a.Orchestrator, log),
		Streams:       handler.NewStreamHandler(a.DB, a.Hub, log),
		Quotes:        handler.NewQuoteHandler(a.DB, quote.NewFlow(a.DB, a.Notifier, nil, log), log),
		Admin:         handler.NewAdminHandler(a.DB, a.Lifecycle, log),
	}
	if cfg.SlackSigningSecret != "" {
		handlers.Slack = handler.NewSlackHandler(cfg.SlackSigningSecret,
			slackbridge.NewEventProcessor(a.DB, a.Notifier, a.Hub, log),
			slackbridge.NewInteractionProcessor(a.Lifecycle, a.Notifier, log),
			log)
	} else {
		log.Warn("SLACK_SIGNING_SECRET not set, Slack webhooks disabled")
	}

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(handlers, handler.RouterConfig{
			JWTSecret:         cfg.JWTSecret,
			AllowedOrigins:    cfg.CORSAllowedOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
		}, log),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
		// Open streams end when the request context is cancelled.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.WorkerInline {
		g.Go(func() error {
			return a.RunWorker(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		if handlers.Slack != nil {
			handlers.Slack.Wait()
		}
		return err
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}
