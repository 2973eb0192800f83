package api

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/domain"
	"github.com/punchamoorthee/punchgate/internal/gateway"
	"github.com/punchamoorthee/punchgate/internal/ratelimit"
	"github.com/punchamoorthee/punchgate/internal/store"
)

var authFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "punchgate_auth_failures_total",
	Help: "Rejected requests by authentication or authorization reason",
}, []string{"reason"})

// APIKeyHeader carries the caller's key on every authenticated route.
const APIKeyHeader = "X-API-Key"

// PrincipalResolver maps a raw API key to its principal.
type PrincipalResolver interface {
	Resolve(ctx context.Context, apiKey string) (domain.Principal, error)
}

// Authenticate resolves X-API-Key into c.Principal.
func Authenticate(resolver PrincipalResolver) gateway.Middleware {
	return func(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
		key := strings.TrimSpace(c.Request.Header.Get(APIKeyHeader))
		if key == "" {
			authFailures.WithLabelValues("missing_key").Inc()
			return nil, domain.UnauthorizedErrorf("API key is missing")
		}
		p, err := resolver.Resolve(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			authFailures.WithLabelValues("invalid_key").Inc()
			return nil, domain.ForbiddenErrorf("invalid API key")
		}
		if err != nil {
			return nil, domain.Wrap(domain.KindTransientStore, err, "tenant lookup unavailable")
		}
		c.Principal = &p
		return nil, nil
	}
}

// RateLimit counts each request against the caller's tenant. It must run
// after Authenticate. When the limiter backend fails the request is let
// through.
func RateLimit(limiter ratelimit.Limiter, logger *zap.Logger) gateway.Middleware {
	return func(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
		if c.Principal == nil {
			return nil, nil
		}
		subject := c.Principal.RateLimitSubject()
		d, err := limiter.CheckAndConsume(ctx, subject)
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing request", zap.String("subject", subject), zap.Error(err))
			return nil, nil
		}
		if !d.Allowed {
			authFailures.WithLabelValues("rate_limited").Inc()
			return nil, domain.RateLimitError(d.RetryAfter)
		}
		return nil, nil
	}
}

// RequireRole rejects callers below role. Tenant-level keys always pass.
func RequireRole(role domain.Role) gateway.Middleware {
	return func(_ context.Context, c *gateway.Context) (*gateway.Response, error) {
		if c.Principal == nil {
			return nil, domain.UnauthorizedErrorf("API key is missing")
		}
		if !c.Principal.Allows(role) {
			authFailures.WithLabelValues("role").Inc()
			return nil, domain.ForbiddenErrorf("access denied")
		}
		return nil, nil
	}
}
