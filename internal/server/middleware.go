package server

import (
	"context"
	"strings"

	"github.com/dojoflow/dojoflow/internal/observability/logger"
	obsmetrics "github.com/dojoflow/dojoflow/internal/observability/metrics"
	"github.com/dojoflow/dojoflow/internal/orgcontext"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const HeaderOrg = "X-Org-ID"

const (
	rateLimitReasonOrgRate   = "org-rate"
	rateLimitReasonSpendLock = "spend-concurrency"
)

// CreditSpendRateLimit throttles balance-mutating requests per
// organization and serializes concurrent deducts for the same org.
func (s *Server) CreditSpendRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.spendLimiter == nil || !s.spendLimiter.Enabled() {
			c.Next()
			return
		}

		orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
		if !ok || orgID == 0 {
			AbortWithError(c, ErrOrgRequired)
			return
		}

		endpoint := normalizeRateLimitEndpoint(c)
		ctx := c.Request.Context()

		result, err := s.spendLimiter.AllowOrg(ctx, orgID.String())
		if err != nil {
			logger.FromContext(ctx).Warn("credit spend rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if result != nil && !result.Allowed {
			denySpendRateLimit(c, endpoint, orgID.String(), rateLimitReasonOrgRate, s.obsMetrics)
			return
		}

		lockToken, locked, err := s.spendLimiter.TryLockOrg(ctx, orgID.String())
		if err != nil {
			logger.FromContext(ctx).Warn("credit spend concurrency lock failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !locked {
			denySpendRateLimit(c, endpoint, orgID.String(), rateLimitReasonSpendLock, s.obsMetrics)
			return
		}
		defer func() {
			if err := s.spendLimiter.ReleaseOrg(ctx, orgID.String(), lockToken); err != nil {
				logger.FromContext(ctx).Warn("credit spend concurrency unlock failed", zap.Error(err))
			}
		}()

		recordRateLimitAllowed(ctx, endpoint, orgID.String(), s.obsMetrics)
		c.Next()
	}
}

func denySpendRateLimit(c *gin.Context, endpoint, orgID, reason string, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)
	log.Warn("credit spend rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, orgID, reason, metrics)

	c.Header("Retry-After", "1")
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitAllowed(ctx context.Context, endpoint, orgID string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, orgID, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, orgID, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, orgID, endpoint, reason)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
