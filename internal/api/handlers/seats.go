// Package handlers contains the HTTP handler implementations for the FirmDesk
// billing API.
//
// This file implements the seat lifecycle endpoints: allocation (reserve for
// an invitation or activate directly), activation on invitation accept,
// release when a team member is removed, and the usage summary.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"firmdesk/internal/billing"
	"firmdesk/internal/core"
	"firmdesk/internal/types"
)

// InviteSender dispatches an invitation message for a reserved seat. Delivery
// is asynchronous; a reservation succeeds even when the dispatch fails.
type InviteSender interface {
	DispatchInvite(ctx context.Context, msg types.InviteMessage) error
}

// --- Request Models ---

// AllocateSeatRequest is the request body for POST /v1/seats/allocate.
// With ReserveOnly the seat is held for a pending invitation and an invite
// message is dispatched; otherwise the seat is activated directly for an
// existing user (UserID required in that case).
type AllocateSeatRequest struct {
	UserEmail        string             `json:"userEmail" validate:"required,email"`
	UserID           string             `json:"userId"`
	SubscriptionType types.BillingCycle `json:"subscriptionType" validate:"omitempty,billing_cycle"`
	ReserveOnly      bool               `json:"reserveOnly"`
}

// ActivateSeatRequest is the request body for POST /v1/seats/{seatID}/activate.
type ActivateSeatRequest struct {
	UserID string `json:"userId" validate:"required"`
}

// --- Seat Handler ---

// SeatHandler handles the seat lifecycle for a firm's roster.
type SeatHandler struct {
	subs      SubscriptionStore
	seats     SeatStore
	activity  ActivityStore
	invites   InviteSender
	tx        TxRunner
	validator *core.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewSeatHandler creates a SeatHandler with the provided dependencies.
func NewSeatHandler(
	subs SubscriptionStore,
	seats SeatStore,
	activity ActivityStore,
	invites InviteSender,
	tx TxRunner,
	v *core.Validator,
	l *slog.Logger,
) *SeatHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SeatHandler{
		subs:      subs,
		seats:     seats,
		activity:  activity,
		invites:   invites,
		tx:        tx,
		validator: v,
		logger:    l,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes mounts the seat endpoints. Mutations require admin or
// owner; the summary is open to any member.
func (h *SeatHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.With(requireMinRole(types.RoleAdmin)).Post("/seats/allocate", h.Allocate)
		r.With(requireMinRole(types.RoleAdmin)).Post("/seats/{seatID}/activate", h.Activate)
		r.With(requireMinRole(types.RoleAdmin)).Post("/seats/{seatID}/release", h.Release)
		r.Get("/seats/summary", h.Summary)
	})
}

// Allocate handles POST /v1/seats/allocate.
//
// The flow:
//  1. Decode and validate the request; the cycle defaults to the
//     subscription's current cycle when omitted.
//  2. Load the subscription and take one available seat off the ledger.
//     No capacity left returns limit_no_available_seats.
//  3. Reserve a concrete seat record for the invitee.
//  4. Direct allocation (reserveOnly=false) immediately activates the seat
//     for the given user.
//  5. Persist the subscription and the seat transitions in one transaction,
//     the optimistic-lock save first: a lost race rolls the seat writes back
//     with it.
//  6. Reservations dispatch an invitation message; a dispatch failure does
//     not undo the reservation, it surfaces as a response warning.
func (h *SeatHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateSeatRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if !req.ReserveOnly && req.UserID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"userId is required for direct activation",
			nil,
		))
		return
	}

	firmID, ok := firmFromContext(w, r)
	if !ok {
		return
	}

	sub, err := h.subs.GetByFirmID(r.Context(), firmID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	updated, err := billing.ReserveSeat(*sub)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	records, err := h.seats.ListByFirm(r.Context(), firmID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	roster := &billing.Roster{FirmID: firmID, Seats: records}
	seat, err := roster.Reserve(req.UserEmail, h.now())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	// reservedSeat keeps the available -> reserved transition; seat ends up
	// holding the final state returned to the client.
	reservedSeat := seat
	action := types.ActivitySeatReserved
	if !req.ReserveOnly {
		updated, err = billing.ActivateSeat(updated)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		seat, err = roster.Activate(seat.ID, req.UserID, h.now())
		if err != nil {
			core.Error(w, r, err)
			return
		}
		action = types.ActivitySeatActivated
	}

	err = h.tx(r.Context(), func(subs SubscriptionStore, seats SeatStore) error {
		if err := subs.Save(r.Context(), &updated); err != nil {
			return err
		}
		if err := seats.Update(r.Context(), &reservedSeat, types.SeatAvailable); err != nil {
			return err
		}
		if req.ReserveOnly {
			return nil
		}
		return seats.Update(r.Context(), &seat, types.SeatReserved)
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var meta *types.ResponseMeta
	if req.ReserveOnly {
		cycle := seat.SubscriptionType
		if req.SubscriptionType != "" {
			cycle = req.SubscriptionType
		}
		msg := types.InviteMessage{
			FirmID:       firmID,
			FirmName:     updated.FirmName,
			SeatID:       seat.ID,
			InviteeEmail: req.UserEmail,
			Cycle:        cycle,
			ReservedAt:   h.now(),
		}
		if err := h.invites.DispatchInvite(r.Context(), msg); err != nil {
			h.logger.WarnContext(r.Context(), "invite dispatch failed, seat stays reserved",
				"firm_id", firmID,
				"seat_id", seat.ID,
				"error", err,
			)
			meta = &types.ResponseMeta{
				Warnings: []string{"invitation email could not be queued and will be retried"},
			}
		}
	}

	appendActivity(r.Context(), h.activity, h.logger, h.now(), firmID, action, map[string]any{
		"seat_id":    seat.ID,
		"user_email": req.UserEmail,
	})

	resp := types.SeatAllocationResponse{
		Success: true,
		SeatID:  seat.ID,
		Status:  seat.Status,
		Message: allocationMessage(seat.Status),
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp, Meta: meta})
}

func allocationMessage(status types.SeatStatus) string {
	if status == types.SeatReserved {
		return "seat reserved, invitation pending"
	}
	return "seat activated"
}

// Activate handles POST /v1/seats/{seatID}/activate.
//
// Called when an invitation is accepted: the reserved seat becomes active
// and binds the accepting user's ID. A seat in any other state returns
// conflict_seat_state.
func (h *SeatHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateSeatRequest
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

	seat, ok := h.loadFirmSeat(w, r, firmID)
	if !ok {
		return
	}

	sub, err := h.subs.GetByFirmID(r.Context(), firmID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	updated, err := billing.ActivateSeat(*sub)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	roster := &billing.Roster{FirmID: firmID, Seats: []types.Seat{*seat}}
	activated, err := roster.Activate(seat.ID, req.UserID, h.now())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	err = h.tx(r.Context(), func(subs SubscriptionStore, seats SeatStore) error {
		if err := subs.Save(r.Context(), &updated); err != nil {
			return err
		}
		return seats.Update(r.Context(), &activated, types.SeatReserved)
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	appendActivity(r.Context(), h.activity, h.logger, h.now(), firmID, types.ActivitySeatActivated, map[string]any{
		"seat_id": activated.ID,
		"user_id": req.UserID,
	})

	resp := types.SeatAllocationResponse{
		Success: true,
		SeatID:  activated.ID,
		Status:  activated.Status,
		Message: "seat activated",
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// Release handles POST /v1/seats/{seatID}/release.
//
// Removing a team member retires their seat record as history and returns
// the capacity to the available pool: a replacement available seat is minted
// so the firm keeps what it paid for.
func (h *SeatHandler) Release(w http.ResponseWriter, r *http.Request) {
	firmID, ok := firmFromContext(w, r)
	if !ok {
		return
	}

	seat, ok := h.loadFirmSeat(w, r, firmID)
	if !ok {
		return
	}

	sub, err := h.subs.GetByFirmID(r.Context(), firmID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	updated, err := billing.ReleaseSeat(*sub)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	roster := &billing.Roster{FirmID: firmID, Seats: []types.Seat{*seat}}
	retired, err := roster.Release(seat.ID, h.now())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	// The replacement seat minted by the roster keeps the pool size stable.
	replacement := roster.Seats[len(roster.Seats)-1]

	err = h.tx(r.Context(), func(subs SubscriptionStore, seats SeatStore) error {
		if err := subs.Save(r.Context(), &updated); err != nil {
			return err
		}
		if err := seats.Update(r.Context(), &retired, types.SeatActive); err != nil {
			return err
		}
		return seats.InsertBatch(r.Context(), []types.Seat{replacement})
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	appendActivity(r.Context(), h.activity, h.logger, h.now(), firmID, types.ActivitySeatReleased, map[string]any{
		"seat_id": retired.ID,
		"user_id": retired.UserID,
	})

	resp := types.SeatAllocationResponse{
		Success: true,
		SeatID:  retired.ID,
		Status:  retired.Status,
		Message: "seat released, capacity returned to the available pool",
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// Summary handles GET /v1/seats/summary.
//
// The summary is derived from the subscription counters. The roster-derived
// counts are compared as a drift check; a mismatch is logged for
// reconciliation but the counter-based summary is still returned.
func (h *SeatHandler) Summary(w http.ResponseWriter, r *http.Request) {
	firmID, ok := firmFromContext(w, r)
	if !ok {
		return
	}

	sub, err := h.subs.GetByFirmID(r.Context(), firmID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	summary := billing.Summarize(*sub)

	if total, used, available, reserved, err := h.seats.CountsByFirm(r.Context(), firmID); err == nil {
		if total != summary.Total || used != summary.Used ||
			available != summary.Available || reserved != summary.Reserved {
			h.logger.WarnContext(r.Context(), "seat counter drift detected",
				"firm_id", firmID,
				"counter_total", summary.Total, "roster_total", total,
				"counter_used", summary.Used, "roster_used", used,
				"counter_available", summary.Available, "roster_available", available,
				"counter_reserved", summary.Reserved, "roster_reserved", reserved,
			)
		}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summary})
}

// loadFirmSeat fetches the seat from the path parameter and enforces firm
// ownership. A seat belonging to another firm returns
// permission_firm_mismatch.
func (h *SeatHandler) loadFirmSeat(w http.ResponseWriter, r *http.Request, firmID string) (*types.Seat, bool) {
	seatID := chi.URLParam(r, "seatID")
	if seatID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"seat ID is required",
			nil,
		))
		return nil, false
	}

	seat, err := h.seats.GetByID(r.Context(), seatID)
	if err != nil {
		core.Error(w, r, err)
		return nil, false
	}

	if seat.FirmID != firmID {
		core.Error(w, r, types.NewAppError(
			types.ErrCodePermissionFirmMismatch,
			"seat belongs to a different firm",
			nil,
		))
		return nil, false
	}

	return seat, true
}
