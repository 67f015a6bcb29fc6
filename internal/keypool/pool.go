package keypool

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/openmux/llm-relay/internal/models"
)

// Pool fronts the per-service providers with service-agnostic routing. Calls
// that carry a model string route via the model registry; calls that carry a
// family route via the family's owning service.
type Pool struct {
	providers map[models.Service]*Provider
	log       *slog.Logger
}

// NewPool wires the given providers into a pool.
func NewPool(providers []*Provider, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	m := make(map[models.Service]*Provider, len(providers))
	for _, p := range providers {
		m[p.Service()] = p
	}
	return &Pool{providers: m, log: log}
}

// Provider returns the registry for svc, or nil when the deployment has no
// keys for it.
func (pl *Pool) Provider(svc models.Service) *Provider { return pl.providers[svc] }

// Services lists the services that actually have providers, in registry order.
func (pl *Pool) Services() []models.Service {
	out := make([]models.Service, 0, len(pl.providers))
	for _, svc := range []models.Service{
		models.OpenAI, models.Anthropic, models.AWS, models.GCP,
		models.Azure, models.GoogleAI, models.Mistral,
	} {
		if _, ok := pl.providers[svc]; ok {
			out = append(out, svc)
		}
	}
	return out
}

// Get selects a key for model on svc.
func (pl *Pool) Get(svc models.Service, model string) (*Key, error) {
	p, ok := pl.providers[svc]
	if !ok {
		return nil, fmt.Errorf("keypool: service %s not configured: %w", svc, ErrNoKeysAvailable)
	}
	return p.Get(model)
}

// List returns redacted copies of every key across all services.
func (pl *Pool) List() []*Key {
	var out []*Key
	for _, svc := range pl.Services() {
		out = append(out, pl.providers[svc].List()...)
	}
	return out
}

// Disable routes to the owning provider by trying each; hashes are unique
// across services.
func (pl *Pool) Disable(hash string, revoke bool) {
	for _, p := range pl.providers {
		p.Disable(hash, revoke)
	}
}

// IncrementUsage accounts a completed prompt against the key.
func (pl *Pool) IncrementUsage(svc models.Service, hash, model string, tokens int64) {
	if p, ok := pl.providers[svc]; ok {
		p.IncrementUsage(hash, model, tokens)
	}
}

// MarkRateLimited starts the lockout window on the key.
func (pl *Pool) MarkRateLimited(svc models.Service, hash string) {
	if p, ok := pl.providers[svc]; ok {
		p.MarkRateLimited(hash)
	}
}

// UpdateRateLimits forwards OpenAI reset header hints.
func (pl *Pool) UpdateRateLimits(svc models.Service, hash string, requestsResetMS, tokensResetMS int64) {
	if p, ok := pl.providers[svc]; ok {
		p.UpdateRateLimits(hash, requestsResetMS, tokensResetMS)
	}
}

// Update applies a mutation to the key under the owning provider's lock.
func (pl *Pool) Update(svc models.Service, hash string, mutate func(*Key)) {
	if p, ok := pl.providers[svc]; ok {
		p.Update(hash, mutate)
	}
}

// GetLockoutPeriod reports the family's remaining lockout via its owning
// service. Families without a provider report zero so requests fail fast
// downstream instead of queueing forever.
func (pl *Pool) GetLockoutPeriod(family models.Family) time.Duration {
	svc := models.ServiceOf(family)
	p, ok := pl.providers[svc]
	if !ok {
		return 0
	}
	return p.GetLockoutPeriod(family)
}

// Recheck re-validates every key across all services.
func (pl *Pool) Recheck() {
	for _, p := range pl.providers {
		p.Recheck()
	}
}
