package auth

import (
	"context"
	"crypto/subtle"

	"flowrunner/internal/apierr"
)

// LocalVerifier authenticates against a single shared client id/secret pair,
// for single-tenant deployments that don't run an OIDC provider.
type LocalVerifier struct {
	ClientID string
	Secret   string
	Audience string
}

// Verify checks token against the configured shared secret using a
// constant-time comparison.
func (v *LocalVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredential
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Secret)) != 1 {
		return Identity{}, apierr.New(apierr.AuthInvalid, "invalid local credential")
	}
	return Identity{ClientID: v.ClientID, Audience: v.Audience}, nil
}
