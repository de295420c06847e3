package auth

import (
	"context"
	"fmt"

	"flowrunner/internal/apierr"
	"flowrunner/internal/ratelimit"
	"flowrunner/internal/telemetry"
)

// quotaChecker reports how many non-terminal tasks a client currently owns.
// internal/store.Store satisfies this.
type quotaChecker interface {
	ActiveTaskCount(ctx context.Context, clientID string) (int, error)
}

// QuotaOracle is the default PermissionOracle: it admits a client as long as
// their active-task count is below maxActive and the client's request rate
// has not exhausted its token bucket.
type QuotaOracle struct {
	store     quotaChecker
	limiter   *ratelimit.TokenBucket
	maxActive int
}

// NewQuotaOracle builds an oracle enforcing maxActive concurrent tasks per
// client, backed by the Redis token bucket for request-rate limiting.
func NewQuotaOracle(store quotaChecker, limiter *ratelimit.TokenBucket, maxActive int) *QuotaOracle {
	return &QuotaOracle{store: store, limiter: limiter, maxActive: maxActive}
}

// Allow implements PermissionOracle.
func (o *QuotaOracle) Allow(ctx context.Context, clientID string) error {
	allowed, _, err := o.limiter.Allow(ctx, fmt.Sprintf("ratelimit:%s", clientID))
	if err != nil {
		return apierr.Wrap(apierr.BusUnavailable, "rate limit check", err)
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		return apierr.New(apierr.QuotaExceeded, "request rate limit exceeded")
	}

	n, err := o.store.ActiveTaskCount(ctx, clientID)
	if err != nil {
		return err
	}
	if n >= o.maxActive {
		return apierr.New(apierr.QuotaExceeded, fmt.Sprintf("client already has %d active tasks (limit %d)", n, o.maxActive))
	}
	return nil
}
