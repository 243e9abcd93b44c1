package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/siteglance/siteglance/internal/config"
)

const keyProviderRate = "provider:rate:%s"

// ProviderThrottle caps outbound report calls per provider across all
// scheduler instances. Disabled throttles admit everything.
type ProviderThrottle struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

func NewProviderThrottle(bucket *TokenBucket, cfg config.Config) *ProviderThrottle {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || bucket == nil {
		return nil
	}
	if limitCfg.ProviderRate <= 0 || limitCfg.ProviderBurst <= 0 {
		return nil
	}
	return &ProviderThrottle{
		enabled: true,
		bucket:  bucket,
		rate:    limitCfg.ProviderRate,
		burst:   limitCfg.ProviderBurst,
	}
}

func (t *ProviderThrottle) Enabled() bool {
	return t != nil && t.enabled
}

// Allow admits one provider call. On denial, RetryAfter in the result says
// how long the caller should back off.
func (t *ProviderThrottle) Allow(ctx context.Context, provider string) (Result, error) {
	if !t.Enabled() {
		return Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyProviderRate, strings.TrimSpace(provider))
	return t.bucket.Allow(ctx, key, t.rate, t.burst)
}

// Wait blocks until a token is available or the context expires.
func (t *ProviderThrottle) Wait(ctx context.Context, provider string) error {
	for {
		result, err := t.Allow(ctx, provider)
		if err != nil {
			return err
		}
		if result.Allowed {
			return nil
		}
		delay := result.RetryAfter
		if delay <= 0 {
			delay = 100 * time.Millisecond
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
