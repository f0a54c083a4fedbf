// Package handlers contains the HTTP handler implementations for the FirmDesk
// billing API.
//
// This file implements the payment provider webhook. The route is NOT behind
// auth middleware; it is called directly by Stripe and secured by verifying
// the Stripe-Signature header.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"firmdesk/internal/core"
	"firmdesk/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a webhook payload (64 KB).
// Stripe webhook payloads are small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// Stripe event types the handler acts on. Everything else is acknowledged
// and ignored.
const (
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventInvoicePaid         = "invoice.paid"
	eventPaymentFailed       = "invoice.payment_failed"
)

// WebhookVerifier checks a webhook payload against its signature header.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// SubscriptionEventApplier writes provider-driven subscription state
// transitions. Updates are guarded by event-timestamp locking so duplicate
// or out-of-order deliveries are idempotent no-ops.
type SubscriptionEventApplier interface {
	ApplyProviderEvent(
		ctx context.Context,
		firmID string,
		status types.SubscriptionStatus,
		periodStart, periodEnd time.Time,
		eventTimestamp time.Time,
	) error
}

// ProviderWebhookHandler handles asynchronous billing events from Stripe.
type ProviderWebhookHandler struct {
	verifier WebhookVerifier
	subs     SubscriptionEventApplier
	activity ActivityStore
	secret   string
	logger   *slog.Logger
}

// NewProviderWebhookHandler creates a ProviderWebhookHandler with the
// provided dependencies.
func NewProviderWebhookHandler(
	verifier WebhookVerifier,
	subs SubscriptionEventApplier,
	activity ActivityStore,
	secret string,
	logger *slog.Logger,
) *ProviderWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderWebhookHandler{
		verifier: verifier,
		subs:     subs,
		activity: activity,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. The path is exempted from auth
// middleware; the signature check below is the authentication.
func (h *ProviderWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/webhook", h.Handle)
}

// Handle processes an incoming provider webhook event.
//
//  1. Read the body (size-capped) and the Stripe-Signature header.
//  2. Verify the signature against the webhook signing secret.
//  3. Parse the event and extract the firm ID from metadata.
//  4. Apply the status transition through the repository.
//  5. Return 200. Processing failures are logged but still acknowledged so
//     the provider does not retry forever; the event-timestamp lock makes a
//     replayed delivery safe.
func (h *ProviderWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var event providerEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing provider webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusOK)
}

// routeEvent dispatches the event to the transition it implies.
func (h *ProviderWebhookHandler) routeEvent(ctx context.Context, event *providerEvent) error {
	switch event.Type {
	case eventSubscriptionUpdated:
		return h.applyFromSubscription(ctx, event)

	case eventSubscriptionDeleted:
		return h.applyStatus(ctx, event, types.SubStatusCanceled)

	case eventInvoicePaid:
		// A successful payment clears any past_due state.
		return h.applyStatus(ctx, event, types.SubStatusActive)

	case eventPaymentFailed:
		return h.applyStatus(ctx, event, types.SubStatusPastDue)

	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
		)
		return nil
	}
}

// applyFromSubscription handles customer.subscription.updated, taking the
// status and period bounds from the subscription object itself.
func (h *ProviderWebhookHandler) applyFromSubscription(ctx context.Context, event *providerEvent) error {
	firmID := event.extractFirmID()
	if firmID == "" {
		return fmt.Errorf("%s: missing firm_id in event %s", event.Type, event.ID)
	}

	sub, err := event.subscriptionObject()
	if err != nil {
		return fmt.Errorf("%s: %w", event.Type, err)
	}

	status := mapProviderStatus(sub.Status)
	start := time.Unix(sub.CurrentPeriodStart, 0).UTC()
	end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()

	if err := h.subs.ApplyProviderEvent(ctx, firmID, status, start, end, event.eventTimestamp()); err != nil {
		return err
	}

	h.recordStatusChange(ctx, firmID, event, status)
	return nil
}

// applyStatus handles events whose meaning is a single status transition.
// Period bounds are carried over unchanged by passing the zero time; the
// repository keeps existing bounds when they are zero.
func (h *ProviderWebhookHandler) applyStatus(ctx context.Context, event *providerEvent, status types.SubscriptionStatus) error {
	firmID := event.extractFirmID()
	if firmID == "" {
		return fmt.Errorf("%s: missing firm_id in event %s", event.Type, event.ID)
	}

	start, end := event.periodBounds()

	if err := h.subs.ApplyProviderEvent(ctx, firmID, status, start, end, event.eventTimestamp()); err != nil {
		return err
	}

	h.recordStatusChange(ctx, firmID, event, status)
	return nil
}

// recordStatusChange appends the status transition to the activity log.
func (h *ProviderWebhookHandler) recordStatusChange(ctx context.Context, firmID string, event *providerEvent, status types.SubscriptionStatus) {
	appendActivity(ctx, h.activity, h.logger, event.eventTimestamp(), firmID, types.ActivityStatusChanged, map[string]any{
		"event_id":   event.ID,
		"event_type": event.Type,
		"status":     string(status),
	})
}

// ---------------------------------------------------------------------------
// Provider Event Parsing
// ---------------------------------------------------------------------------

// providerEvent is a minimal representation of a Stripe webhook event
// tailored to extract the fields needed for routing and processing. The full
// stripe.Event type is deliberately not imported here; the narrow shape
// keeps the handler decoupled and straightforward to test.
type providerEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

type providerEventData struct {
	Object json.RawMessage `json:"object"`
}

// providerSubscriptionObj holds the minimal fields from a subscription
// event's data object.
type providerSubscriptionObj struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
}

// providerInvoiceObj holds the minimal fields from an invoice event's data
// object.
type providerInvoiceObj struct {
	Subscription        string                  `json:"subscription"`
	Metadata            map[string]string       `json:"metadata"`
	PeriodStart         int64                   `json:"period_start"`
	PeriodEnd           int64                   `json:"period_end"`
	SubscriptionDetails *providerInvoiceSubInfo `json:"subscription_details"`
}

type providerInvoiceSubInfo struct {
	Metadata map[string]string `json:"metadata"`
}

// eventTimestamp returns the event's created timestamp as a time.Time.
func (e *providerEvent) eventTimestamp() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// subscriptionObject decodes the event data as a subscription object.
func (e *providerEvent) subscriptionObject() (*providerSubscriptionObj, error) {
	var data providerEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("decode event data: %w", err)
	}
	var sub providerSubscriptionObj
	if err := json.Unmarshal(data.Object, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription object: %w", err)
	}
	return &sub, nil
}

// invoiceObject decodes the event data as an invoice object.
func (e *providerEvent) invoiceObject() (*providerInvoiceObj, error) {
	var data providerEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("decode event data: %w", err)
	}
	var inv providerInvoiceObj
	if err := json.Unmarshal(data.Object, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice object: %w", err)
	}
	return &inv, nil
}

// extractFirmID extracts the firm ID from the event payload. The firm_id is
// stored in metadata on the subscription (set by EnsureCustomer /
// subscription creation) and echoed into invoice subscription_details by
// Stripe.
func (e *providerEvent) extractFirmID() string {
	switch e.Type {
	case eventSubscriptionUpdated, eventSubscriptionDeleted:
		sub, err := e.subscriptionObject()
		if err != nil {
			return ""
		}
		return sub.Metadata["firm_id"]

	case eventInvoicePaid, eventPaymentFailed:
		inv, err := e.invoiceObject()
		if err != nil {
			return ""
		}
		if inv.SubscriptionDetails != nil {
			if firmID := inv.SubscriptionDetails.Metadata["firm_id"]; firmID != "" {
				return firmID
			}
		}
		return inv.Metadata["firm_id"]

	default:
		return ""
	}
}

// periodBounds returns the billing period carried by an invoice event, or
// zero times when the event does not carry one.
func (e *providerEvent) periodBounds() (start, end time.Time) {
	if e.Type != eventInvoicePaid && e.Type != eventPaymentFailed {
		return time.Time{}, time.Time{}
	}
	inv, err := e.invoiceObject()
	if err != nil {
		return time.Time{}, time.Time{}
	}
	if inv.PeriodStart == 0 || inv.PeriodEnd == 0 {
		return time.Time{}, time.Time{}
	}
	return time.Unix(inv.PeriodStart, 0).UTC(), time.Unix(inv.PeriodEnd, 0).UTC()
}

// mapProviderStatus maps a provider subscription status string onto the
// local enum. Unknown states pass through verbatim.
func mapProviderStatus(s string) types.SubscriptionStatus {
	switch s {
	case "active":
		return types.SubStatusActive
	case "trialing":
		return types.SubStatusTrialing
	case "past_due", "unpaid":
		return types.SubStatusPastDue
	case "canceled", "incomplete_expired":
		return types.SubStatusCanceled
	default:
		return types.SubscriptionStatus(s)
	}
}
