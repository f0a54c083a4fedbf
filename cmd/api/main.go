// Package main is the entry point for the FirmDesk billing API server.
//
// It loads configuration, connects the process-wide dependencies (Postgres,
// Redis, SQS, Stripe), builds the HTTP server with the core chassis
// (middleware, routing, health checks), and starts listening for requests.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"firmdesk/internal/api/handlers"
	"firmdesk/internal/auth"
	"firmdesk/internal/billing"
	"firmdesk/internal/config"
	"firmdesk/internal/core"
	"firmdesk/internal/db"
	"firmdesk/internal/external"
	"firmdesk/internal/kv"
	"firmdesk/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("firmdesk API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Postgres pool. Repositories borrow it through the DBTX interface.
	pool, err := db.NewPool(startupCtx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	// Redis backs the Idempotency-Key middleware.
	redisStore, err := kv.Connect(startupCtx, cfg.Redis.URL.Unmask(), cfg.Redis.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("connecting redis: %w", err)
	}

	// SQS carries invitation messages to the invite worker.
	awsCfg, err := awsconfig.LoadDefaultConfig(startupCtx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		// LocalStack support for local development.
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = &cfg.AWS.EndpointURL
		}
	})

	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: cfg.Billing.StripeTimeout},
		external.StripeClientConfig{
			SecretKey:  cfg.Billing.StripeSecretKey.Unmask(),
			MaxRetries: cfg.Billing.StripeMaxRetries,
			Logger:     logger,
		},
	)

	// Build the server chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Authenticator = auth.NewGatewayAuthenticator(cfg.Auth.GatewaySecret.Unmask())
	srv.IdempotencyStore = redisStore
	srv.HealthProbes = []core.HealthProbe{
		core.ProbeFunc{ProbeName: "database", Fn: pool.Ping},
		core.ProbeFunc{ProbeName: "redis", Fn: redisStore.Ping},
	}

	// Repositories and the outbound invite dispatcher.
	subRepo := db.NewSubscriptionRepo(pool, logger)
	seatRepo := db.NewSeatRepo(pool, logger)
	activityRepo := db.NewActivityRepo(pool, logger)
	inviteDispatcher := queue.NewInviteDispatcher(sqsClient, cfg.AWS, logger)

	// Transactional writes run against repositories bound to one pgx
	// transaction, so a lost optimistic-lock race rolls seat writes back too.
	txRunner := handlers.TxRunner(func(ctx context.Context, fn func(handlers.SubscriptionStore, handlers.SeatStore) error) error {
		return db.WithTx(ctx, pool, logger, func(subs *db.SubscriptionRepo, seats *db.SeatRepo) error {
			return fn(subs, seats)
		})
	})

	// Domain handlers.
	billingHandler := handlers.NewBillingHandler(
		subRepo,
		seatRepo,
		activityRepo,
		stripeClient,
		billing.NewStaticPriceBook(),
		txRunner,
		srv.Validator,
		logger,
	)
	seatHandler := handlers.NewSeatHandler(
		subRepo,
		seatRepo,
		activityRepo,
		inviteDispatcher,
		txRunner,
		srv.Validator,
		logger,
	)
	webhookHandler := handlers.NewProviderWebhookHandler(
		&external.StripeVerifier{},
		subRepo,
		activityRepo,
		cfg.Billing.StripeWebhookSecret.Unmask(),
		logger,
	)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		billingHandler.RegisterRoutes,
		seatHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
	)

	// Mount all routes (middleware chain + versioned endpoints + health).
	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// runHTTPServer starts the server in standard HTTP mode with graceful
// shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Shutdown server resources (idempotency store).
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log
// level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
