package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/clientdesk/internal/observability/logger"
	"github.com/smallbiznis/clientdesk/internal/orgcontext"
	paymentdomain "github.com/smallbiznis/clientdesk/internal/payment/domain"
	"go.uber.org/zap"
)

const HeaderOrg = "X-Org-ID"

const rateLimitReasonProviderRate = "provider-rate"

// OrgContext resolves the active organization from the X-Org-ID header.
func OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderOrg))
		if raw == "" {
			AbortWithError(c, ErrOrgRequired)
			return
		}
		orgID, err := snowflake.ParseString(raw)
		if err != nil || orgID <= 0 {
			AbortWithError(c, newValidationError("organization", "invalid_organization", "invalid organization"))
			return
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), orgID)
		c.Request = c.Request.WithContext(ctx)
		c.Set("org_id", orgID.String())
		c.Next()
	}
}

// WebhookRateLimit caps deliveries per provider. Limiter failures let the
// delivery through, the ledger is idempotent.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.webhookLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		provider := paymentdomain.NormalizeProvider(c.Param("provider"))
		result, err := s.webhookLimiter.Allow(ctx, provider)
		if err != nil {
			obslogger.FromContext(ctx).Warn("webhook rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if result.Allowed {
			c.Next()
			return
		}

		obslogger.FromContext(ctx).Warn("webhook rate limit exceeded",
			zap.String("provider", provider),
			zap.String("reason", rateLimitReasonProviderRate),
		)
		s.obsMetrics.RecordRateLimitDenied(ctx, provider, rateLimitReasonProviderRate)

		c.Header("Retry-After", strconv.FormatInt(int64(result.RetryAfter.Seconds()), 10))
		c.Header("X-Rate-Limited-Reason", rateLimitReasonProviderRate)
		AbortWithError(c, paymentdomain.ErrRateLimited)
	}
}
