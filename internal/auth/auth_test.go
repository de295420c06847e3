package auth

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"flowrunner/internal/apierr"
	"flowrunner/internal/ratelimit"
)

func TestLocalVerifierAcceptsMatchingSecret(t *testing.T) {
	v := &LocalVerifier{ClientID: "client-1", Secret: "s3cr3t", Audience: "flowrunner"}
	identity, err := v.Verify(context.Background(), "s3cr3t")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.ClientID != "client-1" || identity.Audience != "flowrunner" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestLocalVerifierRejectsWrongSecret(t *testing.T) {
	v := &LocalVerifier{ClientID: "client-1", Secret: "s3cr3t"}
	_, err := v.Verify(context.Background(), "wrong")
	if apierr.KindOf(err) != apierr.AuthInvalid {
		t.Fatalf("expected apierr.AuthInvalid, got %v", err)
	}
}

func TestLocalVerifierRejectsEmptyToken(t *testing.T) {
	v := &LocalVerifier{ClientID: "client-1", Secret: "s3cr3t"}
	_, err := v.Verify(context.Background(), "")
	if err == nil {
		t.Fatalf("expected an error for a missing credential")
	}
}

type fakeQuotaChecker struct {
	active map[string]int
}

func (f *fakeQuotaChecker) ActiveTaskCount(_ context.Context, clientID string) (int, error) {
	return f.active[clientID], nil
}

func TestQuotaOracleDeniesOnceActiveCountReachesMax(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewTokenBucket(client, 100, 100, time.Minute)
	checker := &fakeQuotaChecker{active: map[string]int{"client-1": 3}}
	oracle := NewQuotaOracle(checker, limiter, 3)

	err = oracle.Allow(context.Background(), "client-1")
	if apierr.KindOf(err) != apierr.QuotaExceeded {
		t.Fatalf("expected apierr.QuotaExceeded at the configured max, got %v", err)
	}
}

func TestQuotaOracleAllowsBelowMax(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewTokenBucket(client, 100, 100, time.Minute)
	checker := &fakeQuotaChecker{active: map[string]int{"client-1": 2}}
	oracle := NewQuotaOracle(checker, limiter, 3)

	if err := oracle.Allow(context.Background(), "client-1"); err != nil {
		t.Fatalf("expected admission below the configured max, got %v", err)
	}
}
