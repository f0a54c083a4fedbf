package billing

import (
	"math"
	"time"

	"firmdesk/internal/types"
)

// ProratedCharge estimates the amount, in cents, charged today for adding
// quantity seats mid-cycle: the new seats' monthly rate scaled by the
// unelapsed fraction of the current billing period.
//
// The estimate is advisory. The payment provider computes the authoritative
// proration on its own invoice; this figure is what the checkout step shows
// before the purchase is committed.
//
// Edge cases:
//   - now before the period start charges the full month.
//   - now at or past the period end, or a degenerate period
//     (end <= start), charges nothing; the next invoice picks the seats up.
func ProratedCharge(sub types.FirmSubscription, quantity int, cycle types.BillingCycle, now time.Time) int64 {
	if quantity < 1 {
		return 0
	}

	period := sub.CurrentPeriodEnd.Sub(sub.CurrentPeriodStart)
	if period <= 0 {
		return 0
	}

	remaining := sub.CurrentPeriodEnd.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if remaining > period {
		remaining = period
	}

	fraction := float64(remaining) / float64(period)
	monthly := float64(quantity) * float64(PricePerSeat(cycle))
	return int64(math.Round(monthly * fraction))
}
