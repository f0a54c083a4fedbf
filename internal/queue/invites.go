// Package queue moves seat invitation payloads between the API and the
// invite worker over SQS: the API dispatches, the worker consumes.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"firmdesk/internal/config"
	"firmdesk/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// InviteDispatcher enqueues invitation messages when a seat is reserved for
// a prospective team member. Delivery is handled asynchronously by the email
// worker; a reservation succeeds even if the invitation email lags.
type InviteDispatcher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewInviteDispatcher creates an InviteDispatcher reading the queue URL from
// AWSConfig.
func NewInviteDispatcher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *InviteDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &InviteDispatcher{
		client:   client,
		queueURL: awsCfg.InviteQueueURL,
		logger:   logger,
	}
}

// DispatchInvite sends an InviteMessage for the reserved seat. MessageID and
// ReservedAt are filled in when absent; TraceID is taken from the request
// context for cross-service correlation.
func (d *InviteDispatcher) DispatchInvite(ctx context.Context, msg types.InviteMessage) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.TraceID == "" {
		msg.TraceID = types.GetRequestID(ctx)
	}
	if msg.ReservedAt.IsZero() {
		msg.ReservedAt = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal InviteMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"firm_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.FirmID),
			},
		},
	}

	if _, err := d.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to enqueue invitation for seat %s", msg.SeatID),
			err,
		)
	}

	d.logger.InfoContext(ctx, "invitation message sent",
		"queue_url", d.queueURL,
		"message_id", msg.MessageID,
		"trace_id", msg.TraceID,
		"firm_id", msg.FirmID,
		"seat_id", msg.SeatID,
	)

	return nil
}
