package cache

import (
	"strings"
	"time"

	"github.com/siteglance/siteglance/internal/clock"
)

// expirySlack keeps cached tokens from being handed out moments before the
// upstream expiry.
const expirySlack = 30 * time.Second

// TokenCache stores decrypted access tokens between credential reads so the
// hot path skips a database round-trip and an unseal per call.
type TokenCache interface {
	Get(siteID, provider string) (string, bool)
	Set(siteID, provider, token string, expiresAt time.Time)
	Invalidate(siteID, provider string)
}

type tokenCache struct {
	clock  clock.Clock
	tokens Cache[string, string]
}

// NewTokenCache builds a token cache whose entry lifetimes are derived from
// the same clock the credential service validates expiry against.
func NewTokenCache(clk clock.Clock) TokenCache {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &tokenCache{
		clock:  clk,
		tokens: NewTTLCache[string, string](),
	}
}

func (c *tokenCache) Get(siteID, provider string) (string, bool) {
	return c.tokens.Get(cacheKey(siteID, provider))
}

func (c *tokenCache) Set(siteID, provider, token string, expiresAt time.Time) {
	ttl := expiresAt.Sub(c.clock.Now()) - expirySlack
	if token == "" || ttl <= 0 {
		return
	}
	c.tokens.Set(cacheKey(siteID, provider), token, ttl)
}

func (c *tokenCache) Invalidate(siteID, provider string) {
	c.tokens.Delete(cacheKey(siteID, provider))
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
