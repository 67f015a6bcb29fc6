package proxy

import (
	"time"

	"github.com/valyala/fasthttp"

	"github.com/openmux/llm-relay/internal/models"
)

// statusTTL bounds how often a snapshot is recomputed for /healthz.
const statusTTL = 10 * time.Second

// ServiceStatus is the credential census for one upstream service.
type ServiceStatus struct {
	Keys        int `json:"keys"`
	Enabled     int `json:"enabled"`
	Disabled    int `json:"disabled"`
	Revoked     int `json:"revoked"`
	RateLimited int `json:"rate_limited"`
}

// FamilyStatus is the queue view for one model family.
type FamilyStatus struct {
	QueueDepth      int   `json:"queue_depth"`
	EstimatedWaitMs int64 `json:"estimated_wait_ms"`
	LockoutMs       int64 `json:"lockout_ms"`
}

// StatusSnapshot is the /healthz payload.
type StatusSnapshot struct {
	Status        string                   `json:"status"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	QueueLoad     int                      `json:"queue_load"`
	Services      map[string]ServiceStatus `json:"services"`
	Families      map[string]*FamilyStatus `json:"families"`
}

// handleHealthz serves the pool and queue census. The snapshot is cached so a
// scrape storm never touches the provider locks more than once per window.
func (g *Gateway) handleHealthz(ctx *fasthttp.RequestCtx) {
	if g.modelCache != nil {
		if body, ok := g.modelCache.Get(ctx, "status:snapshot"); ok {
			ctx.SetContentType("application/json")
			ctx.SetBody(body)
			return
		}
	}

	snap := g.statusSnapshot()
	writeJSON(ctx, snap)
	if g.modelCache != nil {
		g.modelCache.Set(ctx, "status:snapshot", ctx.Response.Body(), statusTTL) //nolint:errcheck
	}
}

// statusSnapshot builds the census and refreshes the key-state gauges.
func (g *Gateway) statusSnapshot() StatusSnapshot {
	now := time.Now().UnixMilli()

	snap := StatusSnapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(g.startTime).Seconds()),
		QueueLoad:     g.queue.Load(),
		Services:      make(map[string]ServiceStatus),
		Families:      make(map[string]*FamilyStatus),
	}

	for _, svc := range g.pool.Services() {
		var st ServiceStatus
		for _, key := range g.pool.Provider(svc).List() {
			st.Keys++
			switch {
			case key.Revoked:
				st.Revoked++
			case key.Disabled:
				st.Disabled++
			case key.RateLimitedUntil > now:
				st.RateLimited++
			default:
				st.Enabled++
			}
		}
		snap.Services[string(svc)] = st
		if st.Keys > 0 && st.Enabled == 0 {
			snap.Status = "degraded"
		}
		if g.metrics != nil {
			g.metrics.SetKeyState(svc, "enabled", st.Enabled)
			g.metrics.SetKeyState(svc, "disabled", st.Disabled+st.Revoked)
			g.metrics.SetKeyState(svc, "ratelimited", st.RateLimited)
		}

		for _, f := range models.FamiliesOf(svc) {
			depth := g.queue.Depth(f)
			lockout := g.pool.GetLockoutPeriod(f)
			if depth == 0 && lockout == 0 {
				continue
			}
			snap.Families[string(f)] = &FamilyStatus{
				QueueDepth:      depth,
				EstimatedWaitMs: g.queue.EstimatedWait(f).Milliseconds(),
				LockoutMs:       lockout.Milliseconds(),
			}
		}
	}
	return snap
}
