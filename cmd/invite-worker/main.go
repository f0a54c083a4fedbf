// Package main is the entry point for the FirmDesk invite worker.
//
// The worker long-polls the invitation queue, renders the invitation email
// for each reserved seat, and delivers it through SES. Retryable failures
// are left on the queue for redelivery; the queue's redrive policy moves
// repeat offenders to the dead-letter queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"firmdesk/internal/config"
	"firmdesk/internal/external"
	"firmdesk/internal/notifications"
	"firmdesk/internal/queue"
	"firmdesk/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("firmdesk invite worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"queue_url", cfg.AWS.InviteQueueURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		// LocalStack support for local development.
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = &cfg.AWS.EndpointURL
		}
	})

	sesClient := external.NewSESClient(awsCfg, external.SESClientConfig{
		ConfigSetName: cfg.Email.ConfigSetName,
		Logger:        logger,
	})

	mailer := notifications.NewInviteMailer(sesClient, notifications.InviteMailerConfig{
		From: types.EmailAddress{
			Name:    cfg.Email.FromName,
			Address: cfg.Email.FromAddress,
		},
		DashboardURL: cfg.Server.DashboardURL,
		Logger:       logger,
	})

	consumer := queue.NewInviteConsumer(sqsClient, cfg.AWS, mailer, logger)
	if err := consumer.Run(ctx); err != nil {
		return fmt.Errorf("consumer: %w", err)
	}

	logger.Info("invite worker stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log
// level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
