package keypool

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openmux/llm-relay/internal/models"
)

// ErrNoKeysAvailable is returned by Get when every credential that could
// serve the requested model is disabled or absent.
var ErrNoKeysAvailable = errors.New("keypool: no keys available")

// GetOptions carries deployment-level selection policy.
type GetOptions struct {
	// ExcludeTrials removes trial OpenAI keys from selection entirely
	// instead of merely deprioritizing them.
	ExcludeTrials bool
	// AllowAWSLogging permits keys whose AWS account has invocation logging
	// enabled. When false such keys are ineligible.
	AllowAWSLogging bool
}

// Provider owns every key for one service. All mutations happen under its
// lock; readers receive copies.
type Provider struct {
	profile

	mu   sync.Mutex
	keys []*Key

	opts  GetOptions
	nowMS func() int64
	log   *slog.Logger

	// rechecked wakes the checker after Recheck resets key state.
	rechecked chan struct{}
}

// NewProvider builds a Provider for svc seeded with parsed keys.
func NewProvider(svc models.Service, keys []*Key, opts GetOptions, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	return &Provider{
		profile:   profileFor(svc),
		keys:      keys,
		opts:      opts,
		nowMS:     func() int64 { return time.Now().UnixMilli() },
		log:       log.With(slog.String("service", string(svc))),
		rechecked: make(chan struct{}, 1),
	}
}

// Service returns the service this provider holds keys for.
func (p *Provider) Service() models.Service { return p.profile.service }

// Len returns the number of keys, enabled or not.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Get selects the best available key for model: enabled, serving the model's
// family, passing service predicates, ordered by the prioritizer. The chosen
// key is stamped used and throttled for the reuse delay so concurrent callers
// spread across the pool. Returns an independent copy.
func (p *Provider) Get(model string) (*Key, error) {
	family := models.FamilyFor(p.service, model)
	now := p.nowMS()

	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*Key, 0, len(p.keys))
	for _, k := range p.keys {
		if k.Disabled || !k.ServesFamily(family) {
			continue
		}
		if p.eligible != nil && !p.eligible(k, model, p.opts) {
			continue
		}
		candidates = append(candidates, k)
	}
	if len(candidates) == 0 {
		return nil, ErrNoKeysAvailable
	}

	tb := p.tiebreak
	if p.service == models.AWS {
		tb = preferInferenceProfile(model)
	}
	prioritize(candidates, now, tb)

	k := candidates[0]
	k.LastUsed = now
	throttleUntil := now + p.reuseDelay.Milliseconds()
	if throttleUntil > k.RateLimitedUntil {
		k.RateLimitedAt = now
		k.RateLimitedUntil = throttleUntil
	}

	p.log.Debug("key assigned",
		slog.String("key", k.Hash),
		slog.String("model", model),
		slog.String("family", string(family)),
	)
	return k.clone(), nil
}

// List returns copies of every key with all secret material cleared.
func (p *Provider) List() []*Key {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Key, len(p.keys))
	for i, k := range p.keys {
		out[i] = k.redacted()
	}
	return out
}

// Disable marks a key unusable. Revocation is sticky: a revoked key stays
// revoked even if Disable is called again without the flag. Idempotent.
func (p *Provider) Disable(hash string, revoke bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(hash)
	if k == nil {
		return
	}
	if k.Disabled && (!revoke || k.Revoked) {
		return
	}
	k.Disabled = true
	if revoke {
		k.Revoked = true
	}
	p.log.Warn("key disabled", slog.String("key", k.Hash), slog.Bool("revoked", k.Revoked))
}

// Update applies mutate to the key under the provider lock and stamps
// LastChecked. The closure must not retain the *Key.
func (p *Provider) Update(hash string, mutate func(*Key)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(hash)
	if k == nil {
		return
	}
	mutate(k)
	k.LastChecked = p.nowMS()
}

// IncrementUsage bumps the prompt counter and adds tokens to the family
// bucket for the model served.
func (p *Provider) IncrementUsage(hash, model string, tokens int64) {
	family := models.FamilyFor(p.service, model)

	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(hash)
	if k == nil {
		return
	}
	k.PromptCount++
	if family != "" {
		k.TokensByFamily[family] += tokens
	}
}

// MarkRateLimited starts a lockout window for the key using the service
// penalty. Within one window the call is idempotent: an already locked key
// keeps the later expiry.
func (p *Provider) MarkRateLimited(hash string) {
	now := p.nowMS()

	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(hash)
	if k == nil {
		return
	}
	until := now + p.lockout(k).Milliseconds()
	if until <= k.RateLimitedUntil {
		return
	}
	k.RateLimitedAt = now
	k.RateLimitedUntil = until
	p.log.Info("key rate limited",
		slog.String("key", k.Hash),
		slog.Int64("until_ms", k.RateLimitedUntil),
	)
}

// UpdateRateLimits records the reset hints from OpenAI response headers; the
// next MarkRateLimited uses them to size the lockout.
func (p *Provider) UpdateRateLimits(hash string, requestsResetMS, tokensResetMS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(hash)
	if k == nil || k.OpenAI == nil {
		return
	}
	if requestsResetMS > 0 {
		k.OpenAI.RateLimitRequestsReset = requestsResetMS
	}
	if tokensResetMS > 0 {
		k.OpenAI.RateLimitTokensReset = tokensResetMS
	}
}

// GetLockoutPeriod reports how long a caller must wait before any enabled key
// in the family frees up. Zero means dispatch now: either a key is free, or
// no enabled keys exist and the request should fail fast downstream.
func (p *Provider) GetLockoutPeriod(family models.Family) time.Duration {
	now := p.nowMS()

	p.mu.Lock()
	defer p.mu.Unlock()

	var enabled int
	minRemaining := int64(-1)
	for _, k := range p.keys {
		if k.Disabled || !k.ServesFamily(family) {
			continue
		}
		enabled++
		if !k.RateLimited(now) {
			return 0
		}
		remaining := k.RateLimitedUntil - now
		if minRemaining < 0 || remaining < minRemaining {
			minRemaining = remaining
		}
	}
	if enabled == 0 {
		return 0
	}
	return time.Duration(minRemaining) * time.Millisecond
}

// Recheck clears disabled/revoked/checked state on every key and wakes the
// checker so the whole pool is re-validated.
func (p *Provider) Recheck() {
	p.mu.Lock()
	for _, k := range p.keys {
		k.Disabled = false
		k.Revoked = false
		k.LastChecked = 0
	}
	p.mu.Unlock()

	select {
	case p.rechecked <- struct{}{}:
	default:
	}
}

// AddClone inserts an organization sibling of an existing OpenAI key: same
// secret, its own hash, organization, and counters. No-op when the clone
// already exists or the source is gone.
func (p *Provider) AddClone(sourceHash, orgID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	src := p.find(sourceHash)
	if src == nil || src.OpenAI == nil {
		return ""
	}
	hash := orgKeyHash(src.secret, orgID)
	if p.find(hash) != nil {
		return hash
	}

	c := src.clone()
	c.Hash = hash
	c.PromptCount = 0
	c.LastUsed = 0
	c.TokensByFamily = make(map[models.Family]int64)
	c.OpenAI.OrganizationID = orgID
	p.keys = append(p.keys, c)

	p.log.Info("key cloned for organization",
		slog.String("source", sourceHash),
		slog.String("key", hash),
	)
	return hash
}

// snapshot returns copies of keys including secret material, for the checker.
func (p *Provider) snapshot() []*Key {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Key, len(p.keys))
	for i, k := range p.keys {
		out[i] = k.clone()
	}
	return out
}

// find returns the live key for hash. Callers hold p.mu.
func (p *Provider) find(hash string) *Key {
	for _, k := range p.keys {
		if k.Hash == hash {
			return k
		}
	}
	return nil
}
