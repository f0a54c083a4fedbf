package billing

import (
	"fmt"

	"firmdesk/internal/types"
)

// Quote is the priced cost of a prospective seat purchase. It is a pure
// function of the quantity, the cycle, and the two per-seat price constants.
type Quote struct {
	Quantity     int                `json:"quantity"`
	BillingCycle types.BillingCycle `json:"billingCycle"`
	// MonthlyCostPerSeat is the effective monthly per-seat price in cents.
	MonthlyCostPerSeat int64 `json:"monthlyCostPerSeat"`
	// PeriodTotal is the amount billed per period: quantity * price for
	// monthly, quantity * price * 12 for yearly (billed annually).
	PeriodTotal int64 `json:"periodTotal"`
	// YearlySavingsVsMonthly is the twelve-month saving of the yearly rate
	// against an all-monthly baseline for the same quantity.
	YearlySavingsVsMonthly int64 `json:"yearlySavingsVsMonthly"`
}

// NewQuote prices a seat purchase. It fails with validation_invalid_quantity
// when quantity < 1 and validation_invalid_billing_cycle for unknown cycles.
// No side effects.
func NewQuote(quantity int, cycle types.BillingCycle) (Quote, error) {
	if quantity < 1 {
		return Quote{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidQuantity,
			"quantity must be at least 1",
			nil,
			map[string]any{"quantity": quantity},
		)
	}
	if !cycle.Valid() {
		return Quote{}, types.NewAppError(
			types.ErrCodeValidationInvalidCycle,
			fmt.Sprintf("unknown billing cycle %q", cycle),
			nil,
		)
	}

	perSeat := PricePerSeat(cycle)
	q := Quote{
		Quantity:               quantity,
		BillingCycle:           cycle,
		MonthlyCostPerSeat:     perSeat,
		YearlySavingsVsMonthly: int64(quantity) * (MonthlyPricePerSeat - YearlyPricePerSeat) * 12,
	}
	if cycle == types.CycleYearly {
		q.PeriodTotal = int64(quantity) * perSeat * 12
	} else {
		q.PeriodTotal = int64(quantity) * perSeat
	}
	return q, nil
}

// Purchase adds quantity seats to the subscription and returns the updated
// record along with the quote it was priced from.
//
// Preconditions: quantity >= 1 and the subscription status is active or
// trialing (billing_not_purchasable otherwise). The operation is not
// idempotent; callers must dedupe retries with an idempotency key at the
// transport boundary.
//
// The ledger adopts the new cycle's per-seat price as the blended rate and
// recomputes TotalMonthlyCost from BasePrice + UsedSeats*PerSeatPrice rather
// than accumulating increments, so the derived field cannot drift.
func Purchase(sub types.FirmSubscription, quantity int, cycle types.BillingCycle) (types.FirmSubscription, Quote, error) {
	q, err := NewQuote(quantity, cycle)
	if err != nil {
		return sub, Quote{}, err
	}

	if !sub.Status.Purchasable() {
		return sub, Quote{}, types.NewAppErrorWithDetails(
			types.ErrCodeBillingNotPurchasable,
			fmt.Sprintf("seats cannot be purchased while the subscription is %s", sub.Status),
			nil,
			map[string]any{"status": string(sub.Status)},
		)
	}

	sub.TotalSeats += quantity
	sub.AvailableSeats += quantity
	sub.BillingCycle = cycle
	sub.PerSeatPrice = q.MonthlyCostPerSeat
	recomputeMonthlyCost(&sub)

	if err := checkInvariant(&sub); err != nil {
		return sub, Quote{}, err
	}
	return sub, q, nil
}

// ReserveSeat holds one available seat for a pending invitation.
// Fails with limit_no_available_seats when none remain; the input record is
// returned unchanged on failure.
func ReserveSeat(sub types.FirmSubscription) (types.FirmSubscription, error) {
	if sub.AvailableSeats < 1 {
		return sub, types.NewAppError(
			types.ErrCodeLimitNoAvailableSeats,
			"no available seats to reserve; purchase additional seats first",
			nil,
		)
	}

	sub.AvailableSeats--
	sub.ReservedSeats++

	if err := checkInvariant(&sub); err != nil {
		return sub, err
	}
	return sub, nil
}

// ActivateSeat converts a reserved seat to an occupied one when the
// invitation is accepted. Fails with limit_no_reserved_seat when no
// reservation exists.
func ActivateSeat(sub types.FirmSubscription) (types.FirmSubscription, error) {
	if sub.ReservedSeats < 1 {
		return sub, types.NewAppError(
			types.ErrCodeLimitNoReservedSeat,
			"no reserved seat to activate",
			nil,
		)
	}

	sub.ReservedSeats--
	sub.UsedSeats++
	recomputeMonthlyCost(&sub)

	if err := checkInvariant(&sub); err != nil {
		return sub, err
	}
	return sub, nil
}

// ReleaseSeat returns an occupied seat to the available pool when a team
// member is removed. Fails with limit_no_active_seat when no seat is in use.
func ReleaseSeat(sub types.FirmSubscription) (types.FirmSubscription, error) {
	if sub.UsedSeats < 1 {
		return sub, types.NewAppError(
			types.ErrCodeLimitNoActiveSeat,
			"no occupied seat to release",
			nil,
		)
	}

	sub.UsedSeats--
	sub.AvailableSeats++
	recomputeMonthlyCost(&sub)

	if err := checkInvariant(&sub); err != nil {
		return sub, err
	}
	return sub, nil
}

// Summarize derives the utilization view of the subscription.
// Utilization is defined as 0% for a subscription with no seats.
func Summarize(sub types.FirmSubscription) types.SeatUsageSummary {
	s := types.SeatUsageSummary{
		Total:     sub.TotalSeats,
		Used:      sub.UsedSeats,
		Available: sub.AvailableSeats,
		Reserved:  sub.ReservedSeats,
	}
	if sub.TotalSeats > 0 {
		s.UtilizationPercentage = float64(sub.UsedSeats) / float64(sub.TotalSeats) * 100
	}
	s.WarningThreshold = s.UtilizationPercentage >= 80
	s.CriticalThreshold = sub.AvailableSeats == 0
	return s
}

// recomputeMonthlyCost rederives TotalMonthlyCost from the invariant fields.
func recomputeMonthlyCost(sub *types.FirmSubscription) {
	sub.TotalMonthlyCost = sub.BasePrice + int64(sub.UsedSeats)*sub.PerSeatPrice
}

// checkInvariant verifies the seat-counting invariant after a mutation.
// A violation is a logic error, not a recoverable condition: the ledger
// operations maintain the invariant by construction, so a failure here means
// the input record was already corrupt.
func checkInvariant(sub *types.FirmSubscription) error {
	if sub.UsedSeats < 0 || sub.AvailableSeats < 0 || sub.ReservedSeats < 0 || sub.TotalSeats < 0 {
		return invariantError(sub)
	}
	if sub.TotalSeats != sub.UsedSeats+sub.AvailableSeats+sub.ReservedSeats {
		return invariantError(sub)
	}
	return nil
}

func invariantError(sub *types.FirmSubscription) error {
	return types.NewAppErrorWithDetails(
		types.ErrCodeInternalSeatInvariant,
		"seat counters violate total == used + available + reserved",
		nil,
		map[string]any{
			"total":     sub.TotalSeats,
			"used":      sub.UsedSeats,
			"available": sub.AvailableSeats,
			"reserved":  sub.ReservedSeats,
		},
	)
}
