// Package auth authenticates inbound HTTP and WebSocket requests and
// enforces per-client admission permissions (quota, rate limit).
package auth

import (
	"context"

	"flowrunner/internal/apierr"
)

// Identity is the authenticated caller resolved from a bearer credential.
type Identity struct {
	ClientID string
	Audience string
}

// Verifier authenticates a bearer token and resolves the calling client.
// Implementations are the local shared-secret verifier and the OIDC/JWKS
// verifier, selected by FLOWRUNNER_AUTH_MODE.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// PermissionOracle decides whether a client may be admitted right now,
// combining the per-client active-task quota with a request-rate limit.
type PermissionOracle interface {
	Allow(ctx context.Context, clientID string) error
}

// ErrMissingCredential is returned by credential extraction helpers when no
// bearer token, subprotocol or cookie carried a credential.
var ErrMissingCredential = apierr.New(apierr.AuthInvalid, "missing bearer credential")
