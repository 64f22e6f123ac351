package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/clientdesk/internal/config"
)

const keyWebhookProvider = "webhook:provider:%s"

// WebhookLimiter caps deliveries per provider. A nil limiter allows everything.
type WebhookLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewWebhookLimiter(cfg config.Config, bucket *TokenBucket) *WebhookLimiter {
	rate := cfg.Webhooks.RateLimitPerSecond
	if bucket == nil || rate <= 0 {
		return nil
	}
	burst := cfg.Webhooks.RateLimitBurst
	if burst <= 0 {
		burst = int(rate)
		if burst < 1 {
			burst = 1
		}
	}
	return &WebhookLimiter{bucket: bucket, rate: rate, burst: burst}
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *WebhookLimiter) Allow(ctx context.Context, provider string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyWebhookProvider, strings.ToLower(strings.TrimSpace(provider)))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
