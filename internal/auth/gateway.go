// Package auth verifies actor tokens minted by the platform gateway.
//
// FirmDesk does not manage user sessions. The gateway terminates the
// dashboard session, resolves the user, and forwards a short-lived signed
// token describing the actor. This service only has to check the signature
// and unpack the claims.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"firmdesk/internal/types"
)

// gatewayClaims is the JSON payload inside a gateway actor token.
type gatewayClaims struct {
	ActorID   string `json:"actor_id"`
	ActorType string `json:"actor_type"`
	FirmID    string `json:"firm_id"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"exp"`
}

// GatewayAuthenticator implements core.Authenticator against gateway actor
// tokens of the form base64url(claims).base64url(hmac-sha256(claims)).
type GatewayAuthenticator struct {
	secret []byte
	now    func() time.Time
}

// NewGatewayAuthenticator creates a GatewayAuthenticator with the shared
// secret from AuthConfig.
func NewGatewayAuthenticator(secret string) *GatewayAuthenticator {
	return &GatewayAuthenticator{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// ResolveToken verifies the token signature and expiry and returns the Actor
// it describes. All failure modes map to auth_token_invalid; the middleware
// handles the missing-token case before calling this.
func (g *GatewayAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, invalidToken("token is not in payload.signature form", nil)
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return nil, invalidToken("signature is not valid base64url", err)
	}

	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(payload))
	if subtle.ConstantTimeCompare(mac.Sum(nil), sigBytes) != 1 {
		return nil, invalidToken("signature mismatch", nil)
	}

	claimsBytes, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, invalidToken("payload is not valid base64url", err)
	}

	var claims gatewayClaims
	if err := json.Unmarshal(claimsBytes, &claims); err != nil {
		return nil, invalidToken("payload is not valid JSON", err)
	}

	if claims.ExpiresAt > 0 && g.now().Unix() >= claims.ExpiresAt {
		return nil, invalidToken("token expired", nil)
	}
	if claims.FirmID == "" {
		return nil, invalidToken("token carries no firm scope", nil)
	}

	actor := &types.Actor{
		ID:     claims.ActorID,
		Type:   types.ActorType(claims.ActorType),
		FirmID: claims.FirmID,
		Email:  claims.Email,
		Role:   types.UserRole(claims.Role),
	}
	if actor.Type == "" {
		actor.Type = types.ActorTypeUser
	}
	return actor, nil
}

// SignToken builds a signed token for the given claims. Production tokens
// come from the gateway; this exists for local development and tests.
func SignToken(secret string, actor types.Actor, expiresAt time.Time) string {
	claims := gatewayClaims{
		ActorID:   actor.ID,
		ActorType: string(actor.Type),
		FirmID:    actor.FirmID,
		Email:     actor.Email,
		Role:      string(actor.Role),
	}
	if !expiresAt.IsZero() {
		claims.ExpiresAt = expiresAt.Unix()
	}

	claimsBytes, _ := json.Marshal(claims)
	payload := base64.RawURLEncoding.EncodeToString(claimsBytes)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return payload + "." + sig
}

func invalidToken(reason string, err error) error {
	return types.NewAppError(
		types.ErrCodeAuthTokenInvalid,
		fmt.Sprintf("invalid gateway token: %s", reason),
		err,
	)
}
