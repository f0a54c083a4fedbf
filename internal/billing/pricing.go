// Package billing owns the seat ledger: seat-count accounting, purchase
// pricing, and proration for firm subscriptions. All operations are pure
// value transformations; persistence and payment-provider calls live in
// internal/db and internal/external.
package billing

import (
	"math"
	"time"

	"github.com/google/uuid"

	"firmdesk/internal/types"
)

// Per-seat prices in cents per month. The yearly price is the monthly
// equivalent of the annually-billed rate.
//
// These are the single authoritative constants; every surface (quote,
// purchase, upgrade framing) must derive from them rather than restating
// a discount multiplier.
const (
	MonthlyPricePerSeat int64 = 6500
	YearlyPricePerSeat  int64 = 4500
)

// YearlyDiscountPercent is the advertised yearly discount, computed once from
// the two authoritative prices: round((1 - 45/65) * 100) = 31.
var YearlyDiscountPercent = int(math.Round((1 - float64(YearlyPricePerSeat)/float64(MonthlyPricePerSeat)) * 100))

// PricePerSeat returns the effective monthly per-seat price for the cycle.
func PricePerSeat(cycle types.BillingCycle) int64 {
	if cycle == types.CycleYearly {
		return YearlyPricePerSeat
	}
	return MonthlyPricePerSeat
}

// TierPricing defines the seat-independent pricing attributes of a plan tier.
type TierPricing struct {
	// BasePrice is the fixed monthly base fee in cents.
	BasePrice int64
	// IncludedSeats is the number of seats bundled with the base fee when a
	// firm first subscribes.
	IncludedSeats int
}

// PriceBook is the authoritative source of tier-level pricing.
type PriceBook interface {
	// GetTierPricing returns the pricing for the given tier. Unknown tiers
	// fall back to the Starter tier to fail safely.
	GetTierPricing(tier types.SubscriptionTier) TierPricing
}

// staticPriceBook is a compile-time price book backed by an in-memory map.
// It implements PriceBook and is the standard implementation for production use.
type staticPriceBook struct {
	tiers map[types.SubscriptionTier]TierPricing
}

var tierDefaults = map[types.SubscriptionTier]TierPricing{
	types.TierStarter: {
		BasePrice:     4900,
		IncludedSeats: 1,
	},
	types.TierProfessional: {
		BasePrice:     9900,
		IncludedSeats: 3,
	},
	types.TierEnterprise: {
		BasePrice:     24900,
		IncludedSeats: 10,
	},
}

// starterPricing is cached to avoid map lookups on the fallback path.
var starterPricing = tierDefaults[types.TierStarter]

// NewStaticPriceBook returns a PriceBook backed by the hardcoded tier pricing.
// No database or external service is required.
func NewStaticPriceBook() PriceBook {
	// Copy the defaults so callers cannot mutate the package-level variable.
	m := make(map[types.SubscriptionTier]TierPricing, len(tierDefaults))
	for k, v := range tierDefaults {
		m[k] = v
	}
	return &staticPriceBook{tiers: m}
}

// GetTierPricing returns the pricing for the given tier, falling back to
// Starter for unknown tiers.
func (b *staticPriceBook) GetTierPricing(tier types.SubscriptionTier) TierPricing {
	if p, ok := b.tiers[tier]; ok {
		return p
	}
	return starterPricing
}

// ProvisionSubscription builds the initial subscription record for a firm's
// first purchase. The base fee and the bundled seat count come from the tier
// pricing; bundled seats start in the available pool and the first billing
// period opens at now.
func ProvisionSubscription(
	firmID string,
	tier types.SubscriptionTier,
	cycle types.BillingCycle,
	pricing TierPricing,
	now time.Time,
) types.FirmSubscription {
	periodEnd := now.AddDate(0, 1, 0)
	if cycle == types.CycleYearly {
		periodEnd = now.AddDate(1, 0, 0)
	}
	return types.FirmSubscription{
		ID:                 uuid.New().String(),
		FirmID:             firmID,
		Tier:               tier,
		Status:             types.SubStatusActive,
		TotalSeats:         pricing.IncludedSeats,
		AvailableSeats:     pricing.IncludedSeats,
		BillingCycle:       cycle,
		BasePrice:          pricing.BasePrice,
		PerSeatPrice:       PricePerSeat(cycle),
		TotalMonthlyCost:   pricing.BasePrice,
		NextBillingDate:    periodEnd,
		CreatedAt:          now,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   periodEnd,
	}
}
