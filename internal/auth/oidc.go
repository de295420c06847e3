package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"flowrunner/internal/apierr"
)

// OIDCVerifier validates bearer JWTs against a remote JWKS endpoint,
// caching the key set for CacheTTL to avoid a fetch per request.
type OIDCVerifier struct {
	IssuerURL string
	Audience  string
	JWKSURL   string
	CacheTTL  time.Duration

	httpClient *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewOIDCVerifier builds a verifier with a conservative HTTP timeout for
// JWKS fetches.
func NewOIDCVerifier(issuerURL, audience, jwksURL string, cacheTTL time.Duration) *OIDCVerifier {
	return &OIDCVerifier{
		IssuerURL:  issuerURL,
		Audience:   audience,
		JWKSURL:    jwksURL,
		CacheTTL:   cacheTTL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (v *OIDCVerifier) keyFor(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keys != nil && time.Since(v.fetchedAt) < v.CacheTTL {
		if k, ok := v.keys[kid]; ok {
			return k, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.JWKSURL, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.AuthInvalid, "build jwks request", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.AuthInvalid, "fetch jwks", err)
	}
	defer resp.Body.Close()

	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, apierr.Wrap(apierr.AuthInvalid, "decode jwks", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	v.keys = keys
	v.fetchedAt = time.Now()

	k, ok := keys[kid]
	if !ok {
		return nil, apierr.New(apierr.AuthInvalid, fmt.Sprintf("unknown signing key %q", kid))
	}
	return k, nil
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// Verify parses and validates token against the JWKS, checking issuer and
// audience, and resolves the client id from the "sub" claim.
func (v *OIDCVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredential
	}

	var claims jwt.MapClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keyFor(ctx, kid)
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithIssuer(v.IssuerURL), jwt.WithAudience(v.Audience))
	if err != nil || !parsed.Valid {
		return Identity{}, apierr.Wrap(apierr.AuthInvalid, "invalid OIDC token", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, apierr.New(apierr.AuthInvalid, "token missing sub claim")
	}
	return Identity{ClientID: sub, Audience: v.Audience}, nil
}
