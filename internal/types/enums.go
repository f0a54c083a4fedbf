package types

// SubscriptionTier identifies the plan level for a firm subscription.
type SubscriptionTier string

const (
	TierStarter      SubscriptionTier = "starter"
	TierProfessional SubscriptionTier = "professional"
	TierEnterprise   SubscriptionTier = "enterprise"
)

// Valid reports whether the tier is one of the defined plan levels.
func (t SubscriptionTier) Valid() bool {
	switch t {
	case TierStarter, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

// SubscriptionStatus represents the state of a firm's billing subscription.
// Values match the provider-side subscription states the webhook consumer
// writes back.
type SubscriptionStatus string

const (
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusTrialing SubscriptionStatus = "trialing"
)

// Purchasable reports whether seats may be added to a subscription in this
// status. Purchases while past_due or canceled are rejected.
func (s SubscriptionStatus) Purchasable() bool {
	return s == SubStatusActive || s == SubStatusTrialing
}

// BillingCycle is the payment cadence for a seat or subscription.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Valid reports whether the cycle is a known cadence.
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// SeatStatus represents the lifecycle state of a single seat.
//
// Lifecycle: available -> reserved (invitation sent) -> active (invitation
// accepted) -> inactive (user removed; capacity returns to available).
type SeatStatus string

const (
	SeatAvailable SeatStatus = "available"
	SeatReserved  SeatStatus = "reserved"
	SeatActive    SeatStatus = "active"
	SeatInactive  SeatStatus = "inactive"
)

// UserRole defines authorization levels within a firm.
type UserRole string

const (
	RoleOwner  UserRole = "owner"
	RoleAdmin  UserRole = "admin"
	RoleMember UserRole = "member"
)

// roleRank orders roles for minimum-role checks. Higher is more privileged.
var roleRank = map[UserRole]int{
	RoleMember: 1,
	RoleAdmin:  2,
	RoleOwner:  3,
}

// HasAtLeast reports whether the role meets or exceeds the given minimum.
// Unknown roles rank below Member.
func (r UserRole) HasAtLeast(min UserRole) bool {
	return roleRank[r] >= roleRank[min]
}

// ActivityAction identifies a billing activity log entry kind.
type ActivityAction string

const (
	ActivitySeatsPurchased ActivityAction = "billing.seats.purchased"
	ActivitySeatReserved   ActivityAction = "billing.seat.reserved"
	ActivitySeatActivated  ActivityAction = "billing.seat.activated"
	ActivitySeatReleased   ActivityAction = "billing.seat.released"
	ActivityStatusChanged  ActivityAction = "billing.subscription.status_changed"
)
