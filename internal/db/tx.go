package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"firmdesk/internal/types"
)

// WithTx runs fn inside a single database transaction, passing repositories
// bound to it. An error from fn rolls back every write made through those
// repositories; otherwise the transaction commits.
//
// The handlers use this to keep the subscription counters and the seat
// records in step: a lost optimistic-lock race aborts the whole write instead
// of leaving orphan seat rows behind.
func WithTx(
	ctx context.Context,
	pool *pgxpool.Pool,
	logger *slog.Logger,
	fn func(subs *SubscriptionRepo, seats *SeatRepo) error,
) error {
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return fn(NewSubscriptionRepo(tx, logger), NewSeatRepo(tx, logger))
	})
	if err == nil {
		return nil
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeInternalDB, "transaction failed", err)
}
