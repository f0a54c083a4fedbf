package types

import "context"

// ActorType identifies the kind of authenticated entity making a request.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// Actor represents the authenticated entity performing an operation.
type Actor struct {
	ID     string    `json:"id"`
	Type   ActorType `json:"type"`
	FirmID string    `json:"firmId"`
	Email  string    `json:"email,omitempty"`
	Role   UserRole  `json:"role"`
}

// RoleHasAtLeast reports whether the actor's role meets the given minimum.
// System actors always pass.
func (a Actor) RoleHasAtLeast(min UserRole) bool {
	if a.Type == ActorTypeSystem {
		return true
	}
	return a.Role.HasAtLeast(min)
}

// Context Keys
type contextKey string

const (
	actorKey     contextKey = "actor"
	requestIDKey contextKey = "request_id"
)

// WithActor stores the Actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor retrieves the Actor from the context.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// GetFirmID retrieves the firm scope of the authenticated actor.
func GetFirmID(ctx context.Context) (string, bool) {
	actor, ok := GetActor(ctx)
	if !ok || actor.FirmID == "" {
		return "", false
	}
	return actor.FirmID, true
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
