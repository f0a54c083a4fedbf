package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"firmdesk/internal/types"
)

// SubscriptionRepo persists FirmSubscription records.
//
// Key invariants:
//   - Save applies a mutated record under optimistic locking: the UPDATE is
//     conditioned on the version the caller read, so concurrent purchases or
//     invitations against the same firm lose the race instead of silently
//     overwriting each other's counters.
//   - ApplyProviderEvent uses event-timestamp locking to tolerate
//     out-of-order payment-provider webhooks; stale events are idempotent
//     no-ops.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given database
// connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

const subscriptionColumns = `id, firm_id, firm_name, tier, status,
	stripe_customer_id, stripe_subscription_id, stripe_payment_method_id,
	total_seats, used_seats, available_seats, reserved_seats,
	billing_cycle, base_price, per_seat_price, total_monthly_cost,
	next_billing_date, created_at, current_period_start, current_period_end,
	trial_ends_at, canceled_at, version`

// GetByFirmID returns the firm's subscription record.
func (r *SubscriptionRepo) GetByFirmID(ctx context.Context, firmID string) (*types.FirmSubscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM firm_subscriptions
		 WHERE firm_id = $1`,
		firmID,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(
				types.ErrCodeNotFoundSubscription,
				fmt.Sprintf("no subscription for firm %s", firmID),
				err,
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return sub, nil
}

// Create inserts a new subscription record with version 1. Two first
// purchases racing for the same firm hit the firm_id unique constraint; the
// loser gets conflict_concurrent_modification and should re-read and retry.
func (r *SubscriptionRepo) Create(ctx context.Context, sub *types.FirmSubscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO firm_subscriptions (`+subscriptionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,1)`,
		sub.ID, sub.FirmID, sub.FirmName, sub.Tier, sub.Status,
		sub.StripeCustomerID, sub.StripeSubscriptionID, nullable(sub.StripePaymentMethodID),
		sub.TotalSeats, sub.UsedSeats, sub.AvailableSeats, sub.ReservedSeats,
		sub.BillingCycle, sub.BasePrice, sub.PerSeatPrice, sub.TotalMonthlyCost,
		sub.NextBillingDate, sub.CreatedAt, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.TrialEndsAt, sub.CanceledAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return types.NewAppErrorWithDetails(
				types.ErrCodeConflictConcurrent,
				"subscription already exists for firm; re-read and retry",
				err,
				map[string]any{"firm_id": sub.FirmID},
			)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	sub.Version = 1
	return nil
}

// Save writes back a mutated subscription under optimistic locking. The
// caller passes the record as read (its Version field is the expected
// version); on success the stored version is incremented and the passed
// record's Version is updated to match.
//
// Returns conflict_concurrent_modification when another writer got there
// first; the caller should re-read and retry the ledger operation.
func (r *SubscriptionRepo) Save(ctx context.Context, sub *types.FirmSubscription) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE firm_subscriptions
		 SET tier = $1,
		     status = $2,
		     stripe_payment_method_id = $3,
		     total_seats = $4,
		     used_seats = $5,
		     available_seats = $6,
		     reserved_seats = $7,
		     billing_cycle = $8,
		     base_price = $9,
		     per_seat_price = $10,
		     total_monthly_cost = $11,
		     next_billing_date = $12,
		     current_period_start = $13,
		     current_period_end = $14,
		     trial_ends_at = $15,
		     canceled_at = $16,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE firm_id = $17
		   AND version = $18`,
		sub.Tier, sub.Status, nullable(sub.StripePaymentMethodID),
		sub.TotalSeats, sub.UsedSeats, sub.AvailableSeats, sub.ReservedSeats,
		sub.BillingCycle, sub.BasePrice, sub.PerSeatPrice, sub.TotalMonthlyCost,
		sub.NextBillingDate, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.TrialEndsAt, sub.CanceledAt,
		sub.FirmID, sub.Version,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save subscription", err)
	}

	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(
			types.ErrCodeConflictConcurrent,
			"subscription was modified concurrently; re-read and retry",
			nil,
			map[string]any{"firm_id": sub.FirmID, "expected_version": sub.Version},
		)
	}

	sub.Version++
	return nil
}

// ApplyProviderEvent updates the subscription status from a payment-provider
// webhook, guarded by event-timestamp locking: the UPDATE only applies when
// this event is newer than the last one processed, so duplicate or
// out-of-order webhook deliveries become idempotent no-ops.
func (r *SubscriptionRepo) ApplyProviderEvent(
	ctx context.Context,
	firmID string,
	status types.SubscriptionStatus,
	periodStart, periodEnd time.Time,
	eventTimestamp time.Time,
) error {
	// Zero period bounds mean the event did not carry them; existing bounds
	// are kept in that case.
	tag, err := r.db.Exec(ctx,
		`UPDATE firm_subscriptions
		 SET status = $1,
		     current_period_start = COALESCE(NULLIF($2::timestamptz, '0001-01-01 00:00:00+00'::timestamptz), current_period_start),
		     current_period_end = COALESCE(NULLIF($3::timestamptz, '0001-01-01 00:00:00+00'::timestamptz), current_period_end),
		     last_provider_event_at = $4,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE firm_id = $5
		   AND (last_provider_event_at IS NULL OR last_provider_event_at < $4)`,
		status, periodStart, periodEnd, eventTimestamp, firmID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply provider event", err)
	}

	if tag.RowsAffected() == 0 {
		// Older than or equal to what we already processed.
		r.logger.InfoContext(ctx, "stale provider event ignored",
			slog.String("firm_id", firmID),
			slog.Time("event_timestamp", eventTimestamp),
		)
		return nil
	}

	return nil
}

// scanSubscription reads one subscription row.
func scanSubscription(row pgx.Row) (*types.FirmSubscription, error) {
	var sub types.FirmSubscription
	var paymentMethodID *string
	err := row.Scan(
		&sub.ID, &sub.FirmID, &sub.FirmName, &sub.Tier, &sub.Status,
		&sub.StripeCustomerID, &sub.StripeSubscriptionID, &paymentMethodID,
		&sub.TotalSeats, &sub.UsedSeats, &sub.AvailableSeats, &sub.ReservedSeats,
		&sub.BillingCycle, &sub.BasePrice, &sub.PerSeatPrice, &sub.TotalMonthlyCost,
		&sub.NextBillingDate, &sub.CreatedAt, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.TrialEndsAt, &sub.CanceledAt, &sub.Version,
	)
	if err != nil {
		return nil, err
	}
	if paymentMethodID != nil {
		sub.StripePaymentMethodID = *paymentMethodID
	}
	return &sub, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
