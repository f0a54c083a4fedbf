package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"firmdesk/internal/types"
)

// SeatRepo persists the discrete seat records backing a firm's roster.
// Inactive seats are retained as history rows; the live pool is every seat
// whose status is not inactive.
type SeatRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSeatRepo creates a SeatRepo backed by the given database connection.
func NewSeatRepo(db DBTX, logger *slog.Logger) *SeatRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SeatRepo{db: db, logger: logger}
}

const seatColumns = `id, firm_id, user_id, user_email, status,
	assigned_at, activated_at, deactivated_at, subscription_type, monthly_cost`

// InsertBatch stores newly minted seats. Used on purchase, which mints the
// added quantity as available records.
func (r *SeatRepo) InsertBatch(ctx context.Context, seats []types.Seat) error {
	for i := range seats {
		s := &seats[i]
		_, err := r.db.Exec(ctx,
			`INSERT INTO seats (`+seatColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			s.ID, s.FirmID, nullable(s.UserID), nullable(s.UserEmail), s.Status,
			s.AssignedAt, s.ActivatedAt, s.DeactivatedAt, s.SubscriptionType, s.MonthlyCost,
		)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to insert seat", err)
		}
	}
	return nil
}

// GetByID returns a single seat record.
func (r *SeatRepo) GetByID(ctx context.Context, seatID string) (*types.Seat, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+seatColumns+` FROM seats WHERE id = $1`,
		seatID,
	)
	seat, err := scanSeat(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(
				types.ErrCodeNotFoundSeat,
				fmt.Sprintf("seat %s not found", seatID),
				err,
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load seat", err)
	}
	return seat, nil
}

// ListByFirm returns all seat records for the firm, including inactive
// history rows, in creation order.
func (r *SeatRepo) ListByFirm(ctx context.Context, firmID string) ([]types.Seat, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+seatColumns+`
		 FROM seats
		 WHERE firm_id = $1
		 ORDER BY created_at, id`,
		firmID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list seats", err)
	}
	defer rows.Close()

	var seats []types.Seat
	for rows.Next() {
		seat, err := scanSeat(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan seat row", err)
		}
		seats = append(seats, *seat)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate seat rows", err)
	}
	return seats, nil
}

// Update writes back a seat's mutable fields after a roster transition. The
// UPDATE is conditioned on the status the transition started from, so two
// concurrent transitions of the same seat cannot both win.
func (r *SeatRepo) Update(ctx context.Context, seat *types.Seat, expectedStatus types.SeatStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE seats
		 SET user_id = $1,
		     user_email = $2,
		     status = $3,
		     assigned_at = $4,
		     activated_at = $5,
		     deactivated_at = $6,
		     updated_at = NOW()
		 WHERE id = $7
		   AND status = $8`,
		nullable(seat.UserID), nullable(seat.UserEmail), seat.Status,
		seat.AssignedAt, seat.ActivatedAt, seat.DeactivatedAt,
		seat.ID, expectedStatus,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update seat", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(
			types.ErrCodeConflictSeatState,
			"seat state changed concurrently",
			nil,
			map[string]any{"seat_id": seat.ID, "expected_status": string(expectedStatus)},
		)
	}
	return nil
}

// CountsByFirm derives the live counters from the seat table. Inactive
// history rows are excluded. Used by reconciliation to detect counter drift.
func (r *SeatRepo) CountsByFirm(ctx context.Context, firmID string) (total, used, available, reserved int, err error) {
	row := r.db.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status <> 'inactive'),
		   COUNT(*) FILTER (WHERE status = 'active'),
		   COUNT(*) FILTER (WHERE status = 'available'),
		   COUNT(*) FILTER (WHERE status = 'reserved')
		 FROM seats
		 WHERE firm_id = $1`,
		firmID,
	)
	if scanErr := row.Scan(&total, &used, &available, &reserved); scanErr != nil {
		return 0, 0, 0, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count seats", scanErr)
	}
	return total, used, available, reserved, nil
}

func scanSeat(row pgx.Row) (*types.Seat, error) {
	var s types.Seat
	var userID, userEmail *string
	err := row.Scan(
		&s.ID, &s.FirmID, &userID, &userEmail, &s.Status,
		&s.AssignedAt, &s.ActivatedAt, &s.DeactivatedAt, &s.SubscriptionType, &s.MonthlyCost,
	)
	if err != nil {
		return nil, err
	}
	if userID != nil {
		s.UserID = *userID
	}
	if userEmail != nil {
		s.UserEmail = *userEmail
	}
	return &s, nil
}
