package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"firmdesk/internal/types"
)

// Roster is the discrete-seat view of a firm's license pool. Each seat is a
// record with a stable ID and its own lifecycle, so per-seat history (who
// held which seat, when) stays recoverable. The subscription's counters are
// derived from the roster, never the other way around.
//
// Inactive seats are history rows: a released seat keeps its record (with
// DeactivatedAt set) and a fresh available seat is minted in its place, so
// the live pool size never changes on release.
type Roster struct {
	FirmID string
	Seats  []types.Seat
}

// NewRoster creates a roster for the firm with no seats.
func NewRoster(firmID string) *Roster {
	return &Roster{FirmID: firmID}
}

// Mint appends n new available seats at the given cycle, as happens on a
// seat purchase. Returns the created records.
func (r *Roster) Mint(n int, cycle types.BillingCycle) []types.Seat {
	created := make([]types.Seat, 0, n)
	for i := 0; i < n; i++ {
		s := types.Seat{
			ID:               uuid.New().String(),
			FirmID:           r.FirmID,
			Status:           types.SeatAvailable,
			SubscriptionType: cycle,
			MonthlyCost:      PricePerSeat(cycle),
		}
		r.Seats = append(r.Seats, s)
		created = append(created, s)
	}
	return created
}

// Reserve holds the first available seat for the invitee. Seats are assigned
// in mint order so the pool drains deterministically.
func (r *Roster) Reserve(email string, now time.Time) (types.Seat, error) {
	for i := range r.Seats {
		if r.Seats[i].Status != types.SeatAvailable {
			continue
		}
		at := now
		r.Seats[i].Status = types.SeatReserved
		r.Seats[i].UserEmail = email
		r.Seats[i].AssignedAt = &at
		return r.Seats[i], nil
	}
	return types.Seat{}, types.NewAppError(
		types.ErrCodeLimitNoAvailableSeats,
		"no available seats to reserve; purchase additional seats first",
		nil,
	)
}

// Activate transitions a reserved seat to active when the invitation is
// accepted, binding the accepting user's ID.
func (r *Roster) Activate(seatID, userID string, now time.Time) (types.Seat, error) {
	s, err := r.find(seatID)
	if err != nil {
		return types.Seat{}, err
	}
	if s.Status != types.SeatReserved {
		return types.Seat{}, types.NewAppErrorWithDetails(
			types.ErrCodeConflictSeatState,
			fmt.Sprintf("seat is %s, expected reserved", s.Status),
			nil,
			map[string]any{"seat_id": seatID, "status": string(s.Status)},
		)
	}
	at := now
	s.Status = types.SeatActive
	s.UserID = userID
	s.ActivatedAt = &at
	return *s, nil
}

// Release retires an active seat and mints a replacement available seat so
// the firm's capacity is unchanged. The retired record remains as history.
func (r *Roster) Release(seatID string, now time.Time) (types.Seat, error) {
	s, err := r.find(seatID)
	if err != nil {
		return types.Seat{}, err
	}
	if s.Status != types.SeatActive {
		return types.Seat{}, types.NewAppErrorWithDetails(
			types.ErrCodeConflictSeatState,
			fmt.Sprintf("seat is %s, expected active", s.Status),
			nil,
			map[string]any{"seat_id": seatID, "status": string(s.Status)},
		)
	}
	at := now
	s.Status = types.SeatInactive
	s.DeactivatedAt = &at
	retired := *s
	r.Mint(1, retired.SubscriptionType)
	return retired, nil
}

// Counts derives the live seat counters from the roster. Inactive seats are
// history and do not contribute to the total.
func (r *Roster) Counts() (total, used, available, reserved int) {
	for i := range r.Seats {
		switch r.Seats[i].Status {
		case types.SeatAvailable:
			available++
		case types.SeatReserved:
			reserved++
		case types.SeatActive:
			used++
		case types.SeatInactive:
			continue
		}
	}
	total = used + available + reserved
	return total, used, available, reserved
}

// Reconcile verifies the subscription's counters against the roster-derived
// counts. A mismatch means the counters drifted from reality and is reported
// as the fatal invariant error.
func (r *Roster) Reconcile(sub types.FirmSubscription) error {
	total, used, available, reserved := r.Counts()
	if sub.TotalSeats != total || sub.UsedSeats != used ||
		sub.AvailableSeats != available || sub.ReservedSeats != reserved {
		return types.NewAppErrorWithDetails(
			types.ErrCodeInternalSeatInvariant,
			"subscription counters disagree with the seat roster",
			nil,
			map[string]any{
				"counter_total": sub.TotalSeats, "roster_total": total,
				"counter_used": sub.UsedSeats, "roster_used": used,
				"counter_available": sub.AvailableSeats, "roster_available": available,
				"counter_reserved": sub.ReservedSeats, "roster_reserved": reserved,
			},
		)
	}
	return nil
}

// find returns a pointer to the seat with the given ID.
func (r *Roster) find(seatID string) (*types.Seat, error) {
	for i := range r.Seats {
		if r.Seats[i].ID == seatID {
			return &r.Seats[i], nil
		}
	}
	return nil, types.NewAppError(
		types.ErrCodeNotFoundSeat,
		fmt.Sprintf("seat %s not found", seatID),
		nil,
	)
}
