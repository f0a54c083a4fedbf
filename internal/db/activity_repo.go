package db

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"firmdesk/internal/types"
)

// ActivityRepo is the append-only billing activity log. Every ledger
// mutation (purchase, reserve, activate, release, provider status change)
// leaves an entry here; the dashboard's billing activity view reads it back.
type ActivityRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewActivityRepo creates an ActivityRepo backed by the given connection.
func NewActivityRepo(db DBTX, logger *slog.Logger) *ActivityRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityRepo{db: db, logger: logger}
}

// Append records a billing activity event. Details are stored as JSONB.
// A missing ID or timestamp is filled in here so callers can pass minimal
// events.
func (r *ActivityRepo) Append(ctx context.Context, event types.ActivityEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var details []byte
	if event.Details != nil {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode activity details", err)
		}
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO billing_activity (id, firm_id, actor_id, actor_type, action, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.FirmID, event.Actor.ID, event.Actor.Type, event.Action, details, event.Timestamp,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append activity event", err)
	}
	return nil
}

// ListByFirm returns the most recent activity entries for a firm, newest
// first, capped at limit.
func (r *ActivityRepo) ListByFirm(ctx context.Context, firmID string, limit int) ([]types.ActivityEvent, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, firm_id, actor_id, actor_type, action, details, created_at
		 FROM billing_activity
		 WHERE firm_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		firmID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list activity", err)
	}
	defer rows.Close()

	var events []types.ActivityEvent
	for rows.Next() {
		var e types.ActivityEvent
		var details []byte
		if err := rows.Scan(&e.ID, &e.FirmID, &e.Actor.ID, &e.Actor.Type, &e.Action, &details, &e.Timestamp); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan activity row", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				// A corrupt details blob should not hide the rest of the log.
				r.logger.WarnContext(ctx, "skipping undecodable activity details",
					slog.String("event_id", e.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate activity rows", err)
	}
	return events, nil
}
