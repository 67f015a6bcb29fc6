package signing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2/jwt"
)

const (
	gcpTokenURL = "https://oauth2.googleapis.com/token"
	gcpScope    = "https://www.googleapis.com/auth/cloud-platform"

	// tokenExpiryMargin forces a refresh slightly before the upstream expiry
	// so in-flight requests never carry a token that dies mid-call.
	tokenExpiryMargin = time.Minute
)

// GCPToken is a cached access token with its expiry.
type GCPToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

// GCPTokenCache exchanges service-account JWTs (RS256) for OAuth access
// tokens and caches one token per key hash. Refreshes are serialized per
// entry with a double-checked expiry so concurrent callers observing a stale
// token trigger exactly one exchange.
type GCPTokenCache struct {
	mu      sync.Mutex
	entries map[string]*gcpTokenEntry

	tokenURL string
	now      func() time.Time
}

type gcpTokenEntry struct {
	mu    sync.Mutex
	token GCPToken
}

// GCPOption configures the cache.
type GCPOption func(*GCPTokenCache)

// WithTokenURL overrides the token exchange endpoint (useful for testing).
func WithTokenURL(u string) GCPOption {
	return func(c *GCPTokenCache) { c.tokenURL = u }
}

// NewGCPTokenCache returns an empty cache.
func NewGCPTokenCache(opts ...GCPOption) *GCPTokenCache {
	c := &GCPTokenCache{
		entries:  make(map[string]*gcpTokenEntry),
		tokenURL: gcpTokenURL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Token returns a live access token for the key, refreshing when the cached
// one is missing or inside the expiry margin.
func (c *GCPTokenCache) Token(ctx context.Context, keyHash, clientEmail string, privateKeyPEM []byte) (GCPToken, error) {
	entry := c.entry(keyHash)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if c.fresh(entry.token) {
		return entry.token, nil
	}

	cfg := &jwt.Config{
		Email:      clientEmail,
		PrivateKey: privateKeyPEM,
		Scopes:     []string{gcpScope},
		TokenURL:   c.tokenURL,
	}
	tok, err := cfg.TokenSource(ctx).Token()
	if err != nil {
		return GCPToken{}, fmt.Errorf("signing: gcp token exchange: %w", err)
	}

	entry.token = GCPToken{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}
	return entry.token, nil
}

// Seed installs an externally known token, e.g. state restored on startup.
func (c *GCPTokenCache) Seed(keyHash string, tok GCPToken) {
	entry := c.entry(keyHash)
	entry.mu.Lock()
	entry.token = tok
	entry.mu.Unlock()
}

func (c *GCPTokenCache) fresh(tok GCPToken) bool {
	return tok.AccessToken != "" && tok.ExpiresAt.After(c.now().Add(tokenExpiryMargin))
}

func (c *GCPTokenCache) entry(keyHash string) *gcpTokenEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[keyHash]
	if !ok {
		e = &gcpTokenEntry{}
		c.entries[keyHash] = e
	}
	return e
}
