// Package handlers contains the HTTP handler implementations for the FirmDesk
// billing API.
//
// This file implements the billing endpoints: seat quotes, seat purchases and
// the current subscription view. Service contracts are defined locally and
// injected via the constructor so handlers stay decoupled from concrete
// repositories and the Stripe client.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"firmdesk/internal/billing"
	"firmdesk/internal/core"
	"firmdesk/internal/types"
)

// --- Service Interfaces ---

// SubscriptionStore is the subset of the subscription repository the billing
// handlers need. Save applies a mutated record under optimistic locking and
// returns conflict_concurrent_modification on a lost race; Create inserts the
// record provisioned on a firm's first purchase.
type SubscriptionStore interface {
	GetByFirmID(ctx context.Context, firmID string) (*types.FirmSubscription, error)
	Create(ctx context.Context, sub *types.FirmSubscription) error
	Save(ctx context.Context, sub *types.FirmSubscription) error
}

// SeatStore persists the discrete seat records backing a firm's roster.
type SeatStore interface {
	InsertBatch(ctx context.Context, seats []types.Seat) error
	GetByID(ctx context.Context, seatID string) (*types.Seat, error)
	ListByFirm(ctx context.Context, firmID string) ([]types.Seat, error)
	Update(ctx context.Context, seat *types.Seat, expectedStatus types.SeatStatus) error
	CountsByFirm(ctx context.Context, firmID string) (total, used, available, reserved int, err error)
}

// ActivityStore is the append-only billing activity log.
type ActivityStore interface {
	Append(ctx context.Context, event types.ActivityEvent) error
	ListByFirm(ctx context.Context, firmID string, limit int) ([]types.ActivityEvent, error)
}

// TxRunner executes fn inside one database transaction. The stores handed to
// fn are bound to that transaction, so an error from fn rolls back every
// write made through them. Handlers use it to keep the subscription counters
// and the seat records consistent under concurrent mutation.
type TxRunner func(ctx context.Context, fn func(subs SubscriptionStore, seats SeatStore) error) error

// SeatBiller abstracts the payment provider operations the purchase flow
// needs: a self-healing customer id and quantity sync on the provider-side
// subscription. The provider computes the authoritative proration on its own
// invoice; PreviewProration fetches that figure when a provider subscription
// exists.
type SeatBiller interface {
	EnsureCustomer(ctx context.Context, firmID, email string) (string, error)
	UpdateSeatQuantity(ctx context.Context, stripeSubscriptionID string, quantity int) error
	PreviewProration(ctx context.Context, customerID, stripeSubscriptionID string, quantity int) (int64, error)
}

// --- Request/Response Models ---

// QuoteRequest is the request body for POST /v1/billing/seats/quote.
type QuoteRequest struct {
	Quantity     int                `json:"quantity" validate:"required,min=1"`
	BillingCycle types.BillingCycle `json:"billingCycle" validate:"required,billing_cycle"`
}

// PurchaseRequest is the request body for POST /v1/billing/seats/purchase.
// Prorated requests a mid-cycle charge for the remainder of the current
// period; otherwise the seats land on the next invoice.
type PurchaseRequest struct {
	Quantity     int                `json:"quantity" validate:"required,min=1"`
	BillingCycle types.BillingCycle `json:"billingCycle" validate:"required,billing_cycle"`
	Prorated     bool               `json:"prorated"`
}

// --- Billing Handler ---

// BillingHandler handles seat pricing and purchase actions initiated by firm
// admins.
type BillingHandler struct {
	subs      SubscriptionStore
	seats     SeatStore
	activity  ActivityStore
	biller    SeatBiller
	prices    billing.PriceBook
	tx        TxRunner
	validator *core.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewBillingHandler creates a BillingHandler with the provided dependencies.
func NewBillingHandler(
	subs SubscriptionStore,
	seats SeatStore,
	activity ActivityStore,
	biller SeatBiller,
	prices billing.PriceBook,
	tx TxRunner,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		subs:      subs,
		seats:     seats,
		activity:  activity,
		biller:    biller,
		prices:    prices,
		tx:        tx,
		validator: v,
		logger:    l,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes mounts the billing endpoints. Purchases are restricted to
// admins and owners; quotes and the subscription view are open to any
// authenticated member of the firm.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Post("/billing/seats/quote", h.QuoteSeats)
		r.With(requireMinRole(types.RoleAdmin)).Post("/billing/seats/purchase", h.PurchaseSeats)
		r.Get("/billing/subscription", h.GetSubscription)
		r.Get("/billing/activity", h.ListActivity)
	})
}

// requireMinRole returns middleware that checks if the authenticated Actor
// has at least the specified role level. The role hierarchy is
// Owner > Admin > Member; system actors bypass role checks.
func requireMinRole(minRole types.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := types.GetActor(r.Context())
			if !ok {
				core.Error(w, r, types.NewAppError(
					types.ErrCodeAuthTokenMissing,
					"Authentication required",
					nil,
				))
				return
			}

			if actor.Type == types.ActorTypeSystem {
				next.ServeHTTP(w, r)
				return
			}

			if !actor.RoleHasAtLeast(minRole) {
				core.Error(w, r, types.NewAppError(
					types.ErrCodePermissionRole,
					"Insufficient role for this operation",
					nil,
				))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// firmFromContext extracts the authenticated firm ID, or writes the error
// response and reports false.
func firmFromContext(w http.ResponseWriter, r *http.Request) (string, bool) {
	firmID, ok := types.GetFirmID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"Firm context is required",
			nil,
		))
		return "", false
	}
	return firmID, true
}

// --- Billing Handler Methods ---

// QuoteSeats handles POST /v1/billing/seats/quote.
//
// Pricing is a pure computation over the quantity and cycle; nothing is
// persisted and no provider call is made, so the endpoint is safe to call
// repeatedly while the admin adjusts the purchase form.
func (h *BillingHandler) QuoteSeats(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	quote, err := billing.NewQuote(req.Quantity, req.BillingCycle)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: quote})
}

// PurchaseSeats handles POST /v1/billing/seats/purchase.
//
// The flow:
//  1. Decode and validate the PurchaseRequest.
//  2. Load the firm subscription. A firm buying for the first time gets a
//     fresh record provisioned from the tier price book, bundled seats
//     included.
//  3. Apply the ledger purchase. Rejections (past_due, canceled) surface as
//     billing_not_purchasable.
//  4. Compute the advisory prorated charge for the checkout summary.
//  5. Persist the subscription and the minted seat records in one
//     transaction, the optimistic-lock save first. A lost race rolls the
//     whole write back and returns conflict_concurrent_modification; the
//     route is behind the Idempotency-Key middleware so payment retries
//     dedupe.
//  6. Sync the new quantity to the provider subscription after commit. The
//     provider invoices the authoritative proration itself. A failed sync
//     surfaces as a response warning; the sync writes the absolute seat
//     total, so the next one heals the drift.
//  7. Append the activity log entry.
func (h *BillingHandler) PurchaseSeats(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	firmID, ok := firmFromContext(w, r)
	if !ok {
		return
	}

	sub, created, err := h.loadOrProvision(r.Context(), firmID, req.BillingCycle)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	updated, quote, err := billing.Purchase(*sub, req.Quantity, req.BillingCycle)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	// Self-healing customer id: a firm that has never been billed gets its
	// provider customer created on first purchase.
	if updated.StripeCustomerID == "" {
		actor, _ := types.GetActor(r.Context())
		customerID, err := h.biller.EnsureCustomer(r.Context(), firmID, actor.Email)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "failed to ensure provider customer",
				"firm_id", firmID,
				"error", err,
			)
			core.Error(w, r, err)
			return
		}
		updated.StripeCustomerID = customerID
	}

	prorated := h.proratedAmount(r.Context(), sub, req)

	roster := billing.NewRoster(firmID)
	mintCount := req.Quantity
	if created {
		// Bundled tier seats are minted together with the purchased ones.
		mintCount = updated.TotalSeats
	}
	minted := roster.Mint(mintCount, req.BillingCycle)

	err = h.tx(r.Context(), func(subs SubscriptionStore, seats SeatStore) error {
		if created {
			if err := subs.Create(r.Context(), &updated); err != nil {
				return err
			}
		} else if err := subs.Save(r.Context(), &updated); err != nil {
			return err
		}
		return seats.InsertBatch(r.Context(), minted)
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	// Quantity sync keeps the provider-side subscription item in step with
	// the ledger. Skipped for firms without a provider subscription yet
	// (trialing firms pay on conversion).
	var meta *types.ResponseMeta
	if updated.StripeSubscriptionID != "" {
		if err := h.biller.UpdateSeatQuantity(r.Context(), updated.StripeSubscriptionID, updated.TotalSeats); err != nil {
			h.logger.WarnContext(r.Context(), "provider quantity sync failed after commit",
				"firm_id", firmID,
				"quantity", updated.TotalSeats,
				"error", err,
			)
			meta = &types.ResponseMeta{
				Warnings: []string{"provider seat quantity could not be synced; it will be corrected on the next quantity change"},
			}
		}
	}

	appendActivity(r.Context(), h.activity, h.logger, h.now(), firmID, types.ActivitySeatsPurchased, map[string]any{
		"quantity":      req.Quantity,
		"billing_cycle": string(req.BillingCycle),
		"period_total":  quote.PeriodTotal,
		"total_seats":   updated.TotalSeats,
	})

	resp := types.SeatPurchaseResponse{
		Success:         true,
		NewTotalSeats:   updated.TotalSeats,
		AddedSeats:      req.Quantity,
		ProratedAmount:  prorated,
		NewMonthlyTotal: updated.TotalMonthlyCost,
		Message:         "seats added to subscription",
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp, Meta: meta})
}

// loadOrProvision returns the firm's subscription. A firm with no record yet
// gets a fresh one built from the tier price book; new firms start on the
// Starter tier and move tiers out of band.
func (h *BillingHandler) loadOrProvision(ctx context.Context, firmID string, cycle types.BillingCycle) (*types.FirmSubscription, bool, error) {
	sub, err := h.subs.GetByFirmID(ctx, firmID)
	if err == nil {
		return sub, false, nil
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundSubscription {
		return nil, false, err
	}

	fresh := billing.ProvisionSubscription(firmID, types.TierStarter, cycle,
		h.prices.GetTierPricing(types.TierStarter), h.now())
	return &fresh, true, nil
}

// proratedAmount returns the mid-cycle charge shown in the purchase
// response. When the firm has a provider subscription the provider's
// upcoming-invoice preview is authoritative; otherwise, or when the preview
// fails, the local period-fraction estimate stands in.
func (h *BillingHandler) proratedAmount(ctx context.Context, sub *types.FirmSubscription, req PurchaseRequest) int64 {
	if !req.Prorated {
		return 0
	}

	if sub.StripeCustomerID != "" && sub.StripeSubscriptionID != "" {
		amount, err := h.biller.PreviewProration(ctx, sub.StripeCustomerID, sub.StripeSubscriptionID, sub.TotalSeats+req.Quantity)
		if err == nil {
			return amount
		}
		h.logger.WarnContext(ctx, "proration preview failed, using local estimate",
			"firm_id", sub.FirmID,
			"error", err,
		)
	}

	return billing.ProratedCharge(*sub, req.Quantity, req.BillingCycle, h.now())
}

// GetSubscription handles GET /v1/billing/subscription.
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	firmID, ok := firmFromContext(w, r)
	if !ok {
		return
	}

	sub, err := h.subs.GetByFirmID(r.Context(), firmID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// defaultActivityLimit caps the billing activity listing.
const defaultActivityLimit = 50

// ListActivity handles GET /v1/billing/activity. Returns the most recent
// billing events for the firm, newest first.
func (h *BillingHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	firmID, ok := firmFromContext(w, r)
	if !ok {
		return
	}

	events, err := h.activity.ListByFirm(r.Context(), firmID, defaultActivityLimit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: events})
}

// appendActivity records a billing activity event. Failures are logged but
// do not fail the request; the mutation already committed.
func appendActivity(
	ctx context.Context,
	store ActivityStore,
	logger *slog.Logger,
	at time.Time,
	firmID string,
	action types.ActivityAction,
	details map[string]any,
) {
	actor, _ := types.GetActor(ctx)
	event := types.ActivityEvent{
		FirmID:    firmID,
		Actor:     actor,
		Action:    action,
		Details:   details,
		Timestamp: at,
	}
	if err := store.Append(ctx, event); err != nil {
		logger.WarnContext(ctx, "failed to append activity event",
			"firm_id", firmID,
			"action", string(action),
			"error", err,
		)
	}
}
