package types

import "time"

// FirmSubscription is the firm-level subscription record. It is the unit the
// seat ledger operates on: all seat counters live here and the counting
// invariant (TotalSeats == UsedSeats + AvailableSeats + ReservedSeats) must
// hold after every mutation.
//
// The record is persisted with a Version column for optimistic concurrency;
// concurrent invitations or purchases against the same firm lose the race and
// surface conflict_concurrent_modification instead of silently overwriting.
type FirmSubscription struct {
	ID       string             `json:"id"`
	FirmID   string             `json:"firmId"`
	FirmName string             `json:"firmName"`
	Tier     SubscriptionTier   `json:"tier"`
	Status   SubscriptionStatus `json:"status"`

	// Payment provider references
	StripeCustomerID      string `json:"stripeCustomerId"`
	StripeSubscriptionID  string `json:"stripeSubscriptionId"`
	StripePaymentMethodID string `json:"stripePaymentMethodId,omitempty"`

	// Seat counters
	TotalSeats     int `json:"totalSeats"`
	UsedSeats      int `json:"usedSeats"`
	AvailableSeats int `json:"availableSeats"`
	ReservedSeats  int `json:"reservedSeats"`

	// Billing
	BillingCycle     BillingCycle `json:"billingCycle"`
	BasePrice        int64        `json:"basePrice"`        // cents per month, seat-independent
	PerSeatPrice     int64        `json:"perSeatPrice"`     // cents per seat per month
	TotalMonthlyCost int64        `json:"totalMonthlyCost"` // cents, derived
	NextBillingDate  time.Time    `json:"nextBillingDate"`

	// Period bounds
	CreatedAt          time.Time  `json:"createdAt"`
	CurrentPeriodStart time.Time  `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time  `json:"currentPeriodEnd"`
	TrialEndsAt        *time.Time `json:"trialEndsAt,omitempty"`
	CanceledAt         *time.Time `json:"canceledAt,omitempty"`

	// Version increments on every persisted mutation (optimistic locking).
	Version int64 `json:"version"`
}

// Seat is a discrete license slot owned by a firm. Seats carry stable IDs so
// that per-seat history (who held which seat, when) stays recoverable; the
// subscription counters are derived views over the seat set.
type Seat struct {
	ID            string     `json:"id"`
	FirmID        string     `json:"firmId"`
	UserID        string     `json:"userId,omitempty"`
	UserEmail     string     `json:"userEmail,omitempty"`
	Status        SeatStatus `json:"status"`
	AssignedAt    *time.Time `json:"assignedAt,omitempty"`
	ActivatedAt   *time.Time `json:"activatedAt,omitempty"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
	// SubscriptionType is fixed per seat at purchase/assignment time.
	SubscriptionType BillingCycle `json:"subscriptionType"`
	MonthlyCost      int64        `json:"monthlyCost"` // cents
}

// SeatPurchaseResponse reports the outcome of a seat purchase.
type SeatPurchaseResponse struct {
	Success         bool   `json:"success"`
	NewTotalSeats   int    `json:"newTotalSeats"`
	AddedSeats      int    `json:"addedSeats"`
	ProratedAmount  int64  `json:"proratedAmount"` // cents charged today
	NewMonthlyTotal int64  `json:"newMonthlyTotal"`
	StripeInvoiceID string `json:"stripeInvoiceId,omitempty"`
	Message         string `json:"message"`
}

// SeatAllocationResponse reports the outcome of a seat allocation.
type SeatAllocationResponse struct {
	Success bool       `json:"success"`
	SeatID  string     `json:"seatId"`
	Status  SeatStatus `json:"status"`
	Message string     `json:"message"`
}

// SeatUsageSummary is the derived utilization view of a subscription.
type SeatUsageSummary struct {
	Total     int `json:"total"`
	Used      int `json:"used"`
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
	// UtilizationPercentage is used/total * 100; 0 when the firm owns no seats.
	UtilizationPercentage float64 `json:"utilizationPercentage"`
	// WarningThreshold is true at >= 80% utilization.
	WarningThreshold bool `json:"warningThreshold"`
	// CriticalThreshold is true when no seats remain available.
	CriticalThreshold bool `json:"criticalThreshold"`
}

// ActivityEvent is an append-only billing activity log entry.
type ActivityEvent struct {
	ID        string         `json:"id"`
	FirmID    string         `json:"firmId"`
	Actor     Actor          `json:"actor"`
	Action    ActivityAction `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ResponseMeta carries non-blocking metadata on API responses.
type ResponseMeta struct {
	Warnings []string `json:"warnings,omitempty"`
}
