package app

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	relayCache "github.com/openmux/llm-relay/internal/cache"
	"github.com/openmux/llm-relay/internal/keypool"
	"github.com/openmux/llm-relay/internal/logger"
	"github.com/openmux/llm-relay/internal/metrics"
	"github.com/openmux/llm-relay/internal/models"
	"github.com/openmux/llm-relay/internal/proxy"
	"github.com/openmux/llm-relay/internal/queue"
	"github.com/openmux/llm-relay/internal/ratelimit"
	"github.com/openmux/llm-relay/internal/signing"
	"github.com/openmux/llm-relay/internal/tokens"
)

// initInfra establishes optional external connections and the completion
// event log. Redis is required when CACHE_MODE=redis or RPM_LIMIT is set;
// ClickHouse is attached only when CLICKHOUSE_ADDR is configured.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	var sink logger.Sink
	if a.cfg.ClickHouse.Addr != "" {
		a.log.Info("connecting to clickhouse", slog.String("addr", a.cfg.ClickHouse.Addr))

		ch, err := logger.NewClickHouseSink(ctx,
			a.cfg.ClickHouse.Addr,
			a.cfg.ClickHouse.Database,
			a.cfg.ClickHouse.Username,
			a.cfg.ClickHouse.Password,
		)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = ch
		sink = ch
		a.log.Info("clickhouse connected")
	}

	// Completion events always flow to slog; ClickHouse is an extra sink.
	events, err := logger.New(a.baseCtx, a.log, sink)
	if err != nil {
		return fmt.Errorf("event log: %w", err)
	}
	a.events = events

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initKeypool parses the credential lists, builds one provider per configured
// service, and starts the background checkers that classify every key before
// it becomes eligible for traffic.
func (a *App) initKeypool(_ context.Context) error {
	a.gcpTokens = signing.NewGCPTokenCache()

	opts := keypool.GetOptions{AllowAWSLogging: a.cfg.AllowAWSLogging}

	lists := []struct {
		svc models.Service
		csv string
	}{
		{models.OpenAI, a.cfg.Keys.OpenAI},
		{models.Anthropic, a.cfg.Keys.Anthropic},
		{models.AWS, a.cfg.Keys.AWS},
		{models.GCP, a.cfg.Keys.GCP},
		{models.Azure, a.cfg.Keys.Azure},
		{models.GoogleAI, a.cfg.Keys.GoogleAI},
		{models.Mistral, a.cfg.Keys.Mistral},
	}

	var providers []*keypool.Provider
	for _, l := range lists {
		if l.csv == "" {
			continue
		}
		keys, err := keypool.ParseKeys(l.svc, l.csv)
		if err != nil {
			return fmt.Errorf("%s credentials: %w", l.svc, err)
		}
		if len(keys) == 0 {
			continue
		}
		providers = append(providers, keypool.NewProvider(l.svc, keys, opts, a.log))
		a.log.Info("credentials loaded",
			slog.String("service", string(l.svc)),
			slog.Int("keys", len(keys)),
		)
	}
	if len(providers) == 0 {
		return fmt.Errorf("no credentials configured")
	}

	a.pool = keypool.NewPool(providers, a.log)

	for _, p := range providers {
		c := a.newChecker(p)
		if c == nil {
			continue
		}
		c.Start(a.baseCtx)
		a.checkers = append(a.checkers, c)
	}

	return nil
}

// newChecker builds the probe loop for one provider. Azure and Mistral have
// no probe endpoint worth the traffic; their keys go straight to eligible.
func (a *App) newChecker(p *keypool.Provider) *keypool.Checker {
	cfg := keypool.CheckerConfig{
		Recurring: recurringProbes(p.Service()),
		Interval:  a.cfg.CheckerInterval,
		Log:       a.log,
	}

	switch p.Service() {
	case models.OpenAI:
		cfg.BaseURL = a.cfg.Upstream.OpenAIBaseURL
		return keypool.NewOpenAIChecker(p, cfg)
	case models.Anthropic:
		cfg.BaseURL = a.cfg.Upstream.AnthropicBaseURL
		return keypool.NewAnthropicChecker(p, cfg)
	case models.AWS:
		cfg.BaseURL = a.cfg.Upstream.AWSBaseURL
		return keypool.NewAWSChecker(p, cfg)
	case models.GCP:
		cfg.BaseURL = a.cfg.Upstream.GCPBaseURL
		return keypool.NewGCPChecker(p, a.gcpTokens, cfg)
	case models.GoogleAI:
		cfg.BaseURL = a.cfg.Upstream.GoogleAIBaseURL
		return keypool.NewGoogleAIChecker(p, cfg)
	default:
		return nil
	}
}

// recurringProbes reports whether a service's keys keep getting re-probed
// after the initial classification pass. GCP and Google AI keys are classified
// once; re-probing them burns quota without changing eligibility.
func recurringProbes(svc models.Service) bool {
	switch svc {
	case models.OpenAI, models.Anthropic, models.AWS:
		return true
	}
	return false
}

// initQueue starts the partitioned scheduler. The key pool doubles as the
// lockout source: a family whose keys are all rate limited delays dispatch.
func (a *App) initQueue(_ context.Context) error {
	a.q = queue.New(a.pool, queue.Config{
		UserConcurrencyLimit: a.cfg.Queue.UserConcurrencyLimit,
		LoadThreshold:        a.cfg.Queue.LoadThreshold,
		Log:                  a.log,
		Metrics:              a.prom,
	})
	a.q.Start()

	return nil
}

// initGateway wires the pipeline stages together with the configured policy.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl relayCache.Cache

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = relayCache.NewExactCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = relayCache.NewMemoryCache(a.baseCtx)
		cacheImpl = a.memCache
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	// ── Preprocessing policy ─────────────────────────────────────────────────
	patterns := make([]*regexp.Regexp, 0, len(a.cfg.Filter.Patterns))
	for _, raw := range a.cfg.Filter.Patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return fmt.Errorf("filter pattern %q: %w", raw, err)
		}
		patterns = append(patterns, re)
	}

	vision := make(map[models.Family]bool, len(a.cfg.VisionFamilies))
	for _, f := range a.cfg.VisionFamilies {
		vision[models.Family(f)] = true
	}

	counter := tokens.NewCounter()
	pre := proxy.NewPreprocessor(counter, proxy.PreprocessConfig{
		BlockedOrigins:   a.cfg.Filter.BlockedOrigins,
		FilterPatterns:   patterns,
		FilterStrikeBase: a.cfg.Filter.StrikeBase,
		MaxContextTokens: familyLimits(a.cfg.ContextLimits),
		VisionFamilies:   vision,
		QuotaTokens:      familyLimits(a.cfg.Quotas),
	})

	// ── Dispatch stages ──────────────────────────────────────────────────────
	upstream := proxy.UpstreamConfig{
		BaseURLs: map[models.Service]string{
			models.OpenAI:    a.cfg.Upstream.OpenAIBaseURL,
			models.Anthropic: a.cfg.Upstream.AnthropicBaseURL,
			models.AWS:       a.cfg.Upstream.AWSBaseURL,
			models.GCP:       a.cfg.Upstream.GCPBaseURL,
			models.Azure:     a.cfg.Upstream.AzureBaseURL,
			models.GoogleAI:  a.cfg.Upstream.GoogleAIBaseURL,
			models.Mistral:   a.cfg.Upstream.MistralBaseURL,
		},
		AzureAPIVersion:  a.cfg.Upstream.AzureAPIVersion,
		AnthropicVersion: a.cfg.Upstream.AnthropicVersion,
	}

	mut := proxy.NewMutator(a.pool, a.gcpTokens, upstream)
	disp := proxy.NewDispatcher(nil, upstream)
	resp := proxy.NewResponder(a.pool, counter)

	// Rate limiting — only when Redis is available.
	var limiter *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Model blocklist.
	var blocked *relayCache.ExclusionList
	if len(a.cfg.Filter.BlockedModels) > 0 || len(a.cfg.Filter.BlockedModelPatterns) > 0 {
		el, err := relayCache.NewExclusionList(a.cfg.Filter.BlockedModels, a.cfg.Filter.BlockedModelPatterns)
		if err != nil {
			return fmt.Errorf("model blocklist: %w", err)
		}
		blocked = el
		a.log.Info("model blocklist loaded", slog.Int("rules", el.Len()))
	}

	a.gw = proxy.NewGateway(a.pool, a.q, pre, mut, disp, resp, proxy.GatewayConfig{
		Log:           a.log,
		Metrics:       a.prom,
		Events:        a.events,
		Limiter:       limiter,
		ModelCache:    cacheImpl,
		BlockedModels: blocked,
		CORSOrigins:   a.cfg.CORSOrigins,
		LoadThreshold: a.cfg.Queue.LoadThreshold,
		ModelListTTL:  a.cfg.Cache.ModelListTTL,
	})

	return nil
}

// familyLimits converts config's string-keyed limits to family-keyed ones.
func familyLimits(in map[string]int64) map[models.Family]int64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[models.Family]int64, len(in))
	for name, n := range in {
		out[models.Family(name)] = n
	}
	return out
}
