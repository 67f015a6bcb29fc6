package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ProbeError carries the upstream status of a failed key probe so the checker
// can classify it. Probes return plain errors for network-level failures.
type ProbeError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe failed: %s (status=%d, code=%s)", e.Message, e.Status, e.Code)
}

// probeFunc inspects one key and applies its discoveries through the
// provider's update path. The key is a snapshot; mutations must go through p.
type probeFunc func(ctx context.Context, p *Provider, k *Key) error

// CheckerConfig tunes one service's checker.
type CheckerConfig struct {
	// BaseURL overrides the service API endpoint (tests, mocks).
	BaseURL string
	// ControlBaseURL overrides the AWS control-plane endpoint.
	ControlBaseURL string
	// ProbeModels lists the model IDs the AWS checker probes for access.
	ProbeModels []string
	// Recurring re-probes keys continuously after the initial pass.
	Recurring bool
	// Interval floors the time between two probes of one key.
	Interval time.Duration
	// Concurrency bounds parallel probes within a pass.
	Concurrency int64
	// HTTPClient is shared by raw-HTTP probes.
	HTTPClient *http.Client
	Log        *slog.Logger
}

func (cfg CheckerConfig) withDefaults() CheckerConfig {
	if cfg.Interval <= 0 {
		cfg.Interval = MinCheckInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return cfg
}

// Checker drives background probes for one provider: an initial pass over
// every key, then (for services with recurring checks) a slow re-probe of the
// stalest key, plus immediate passes whenever Recheck wakes it.
type Checker struct {
	provider *Provider
	probe    probeFunc
	cfg      CheckerConfig
	log      *slog.Logger

	tick  time.Duration
	nowMS func() int64

	done chan struct{}
	wg   sync.WaitGroup
}

func newChecker(p *Provider, probe probeFunc, cfg CheckerConfig) *Checker {
	cfg = cfg.withDefaults()
	return &Checker{
		provider: p,
		probe:    probe,
		cfg:      cfg,
		log:      cfg.Log.With(slog.String("service", string(p.Service()))),
		tick:     10 * time.Second,
		nowMS:    func() int64 { return time.Now().UnixMilli() },
		done:     make(chan struct{}),
	}
}

// Start launches the checker loop. Close stops it.
func (c *Checker) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Close stops the loop and waits for in-flight probes.
func (c *Checker) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.wg.Wait()
}

func (c *Checker) run(ctx context.Context) {
	defer c.wg.Done()

	c.pass(ctx)

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.provider.rechecked:
			c.pass(ctx)
		case <-ticker.C:
			if c.cfg.Recurring {
				c.checkStalest(ctx)
			}
		}
	}
}

// pass probes every due key, bounded by the configured concurrency.
func (c *Checker) pass(ctx context.Context) {
	sem := semaphore.NewWeighted(c.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, k := range c.provider.snapshot() {
		if !c.due(k) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(k *Key) {
			defer wg.Done()
			defer sem.Release(1)
			c.probeOne(ctx, k)
		}(k)
	}
	wg.Wait()
}

// checkStalest re-probes the single key with the oldest successful check.
func (c *Checker) checkStalest(ctx context.Context) {
	var stalest *Key
	for _, k := range c.provider.snapshot() {
		if k.Disabled || !c.due(k) {
			continue
		}
		if stalest == nil || k.LastChecked < stalest.LastChecked {
			stalest = k
		}
	}
	if stalest != nil {
		c.probeOne(ctx, stalest)
	}
}

func (c *Checker) due(k *Key) bool {
	return k.LastChecked == 0 || c.nowMS()-k.LastChecked >= c.cfg.Interval.Milliseconds()
}

func (c *Checker) probeOne(ctx context.Context, k *Key) {
	err := c.probe(ctx, c.provider, k)
	c.finish(k.Hash, err)
}

// finish classifies the probe outcome. Every branch stamps LastChecked so the
// next probe lands after the interval; with the interval at one minute that
// matches the retry delay for rate-limited and unreachable keys.
func (c *Checker) finish(hash string, err error) {
	stamp := func() { c.provider.Update(hash, func(*Key) {}) }

	if err == nil {
		stamp()
		return
	}

	var pe *ProbeError
	if !errors.As(err, &pe) {
		c.log.Warn("key probe network error", slog.String("key", hash), slog.String("error", redactHostnames(err.Error())))
		stamp()
		return
	}

	switch {
	case pe.Status == http.StatusUnauthorized, pe.Status == http.StatusForbidden:
		c.log.Warn("key revoked upstream", slog.String("key", hash), slog.Int("status", pe.Status))
		c.provider.Disable(hash, true)
		stamp()
	case isQuotaCode(pe):
		c.log.Warn("key quota exhausted", slog.String("key", hash), slog.String("code", pe.Code))
		c.provider.Disable(hash, false)
		stamp()
	case pe.Status == http.StatusTooManyRequests:
		c.log.Info("key probe rate limited, retrying later", slog.String("key", hash))
		stamp()
	default:
		c.log.Warn("key probe unknown status",
			slog.String("key", hash),
			slog.Int("status", pe.Status),
			slog.String("code", pe.Code),
		)
		stamp()
	}
}

// isQuotaCode reports whether the probe error means the account's quota or
// billing is exhausted rather than the credential being invalid.
func isQuotaCode(pe *ProbeError) bool {
	code := strings.ToLower(pe.Code + " " + pe.Message)
	return strings.Contains(code, "insufficient_quota") ||
		strings.Contains(code, "billing") ||
		strings.Contains(code, "exceeded your current quota")
}

// redactHostnames strips DNS targets from error strings so logs and surfaced
// errors never leak upstream topology.
func redactHostnames(msg string) string {
	if i := strings.Index(msg, "lookup "); i >= 0 {
		rest := msg[i+len("lookup "):]
		if j := strings.IndexAny(rest, ": "); j >= 0 {
			return msg[:i] + "lookup [redacted]" + rest[j:]
		}
		return msg[:i] + "lookup [redacted]"
	}
	return msg
}
