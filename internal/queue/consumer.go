package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"firmdesk/internal/config"
	"firmdesk/internal/types"
)

const (
	// Long-poll settings. One receive call blocks up to receiveWaitTime
	// before returning empty, keeping the request rate low on idle queues.
	receiveMaxMessages = 10
	receiveWaitTime    = 20 * time.Second

	// Pause after a failed receive so a broken queue does not spin the
	// worker into a tight error loop.
	receiveErrorBackoff = 5 * time.Second
)

// SQSReceiver abstracts the SQS consume operations for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// InviteHandler processes one decoded invitation message. Satisfied by
// notifications.InviteMailer.
type InviteHandler interface {
	SendInvite(ctx context.Context, msg types.InviteMessage) error
}

// InviteConsumer long-polls the invitation queue and hands each message to
// an InviteHandler. Messages are deleted on success; retryable failures are
// left for SQS to redeliver after the visibility timeout, and the queue's
// redrive policy moves repeat offenders to the dead-letter queue.
type InviteConsumer struct {
	client   SQSReceiver
	queueURL string
	handler  InviteHandler
	logger   *slog.Logger
}

// NewInviteConsumer creates an InviteConsumer reading the queue URL from
// AWSConfig.
func NewInviteConsumer(client SQSReceiver, awsCfg config.AWSConfig, handler InviteHandler, logger *slog.Logger) *InviteConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &InviteConsumer{
		client:   client,
		queueURL: awsCfg.InviteQueueURL,
		handler:  handler,
		logger:   logger,
	}
}

// Run polls the queue until the context is cancelled. It always returns nil
// on cancellation so it composes cleanly with errgroup shutdown.
func (c *InviteConsumer) Run(ctx context.Context) error {
	c.logger.Info("invite consumer started", "queue_url", c.queueURL)

	for {
		if err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("invite consumer stopped")
				return nil
			}
			c.logger.Error("receive failed", "error", err)
			select {
			case <-time.After(receiveErrorBackoff):
			case <-ctx.Done():
				c.logger.Info("invite consumer stopped")
				return nil
			}
		}
	}
}

// Poll performs one receive call and processes every returned message.
func (c *InviteConsumer) Poll(ctx context.Context) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: receiveMaxMessages,
		WaitTimeSeconds:     int32(receiveWaitTime / time.Second),
	})
	if err != nil {
		return err
	}

	for _, raw := range out.Messages {
		c.handleMessage(ctx, aws.ToString(raw.Body), aws.ToString(raw.ReceiptHandle))
	}
	return nil
}

// handleMessage decodes and processes one message, deciding its fate:
//   - success: delete
//   - malformed JSON: delete, it will never parse on redelivery
//   - terminal send failure (recipient rejected): delete
//   - anything else: leave for redelivery
func (c *InviteConsumer) handleMessage(ctx context.Context, body, receiptHandle string) {
	var msg types.InviteMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		c.logger.Error("dropping malformed invite message", "error", err)
		c.delete(ctx, receiptHandle)
		return
	}

	msgCtx := ctx
	if msg.TraceID != "" {
		msgCtx = types.WithRequestID(ctx, msg.TraceID)
	}

	if err := c.handler.SendInvite(msgCtx, msg); err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeUpstreamEmailBlocked {
			c.logger.ErrorContext(msgCtx, "invite rejected by provider, dropping",
				"message_id", msg.MessageID,
				"seat_id", msg.SeatID,
				"error", err,
			)
			c.delete(msgCtx, receiptHandle)
			return
		}

		c.logger.WarnContext(msgCtx, "invite delivery failed, leaving for redelivery",
			"message_id", msg.MessageID,
			"seat_id", msg.SeatID,
			"error", err,
		)
		return
	}

	c.delete(msgCtx, receiptHandle)
}

// delete acknowledges a message. A failed delete just means one redundant
// redelivery of an idempotent send, so it is logged and not retried.
func (c *InviteConsumer) delete(ctx context.Context, receiptHandle string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to delete message", "error", err)
	}
}
