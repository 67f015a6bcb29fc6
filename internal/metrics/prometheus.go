// Package metrics provides a Prometheus metrics registry for the relay.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/openmux/llm-relay/internal/models"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// relay_inflight_requests
	inFlight prometheus.Gauge

	// relay_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// relay_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// relay_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// relay_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// relay_attempts_total{service,outcome}
	relayAttempts *prometheus.CounterVec

	// relay_attempt_duration_seconds{service,outcome}
	relayDuration *prometheus.HistogramVec

	// relay_queue_depth{family}
	queueDepth *prometheus.GaugeVec

	// relay_queue_wait_seconds{family}
	queueWait *prometheus.HistogramVec

	// relay_queue_rejections_total{reason}
	queueRejections *prometheus.CounterVec

	// relay_queue_killed_total{family}
	queueKilled *prometheus.CounterVec

	// relay_queue_retries_total{family}
	queueRetries *prometheus.CounterVec

	// relay_heartbeats_total / relay_heartbeat_bytes_total
	heartbeats     prometheus.Counter
	heartbeatBytes prometheus.Counter

	// relay_tokens_total{service,family,direction}
	tokensTotal *prometheus.CounterVec

	// relay_key_state{service,state}
	keyState *prometheus.GaugeVec

	// relay_key_probes_total{service,outcome}
	keyProbes *prometheus.CounterVec

	// relay_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// relay_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the relay",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests handled by the relay",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes queue wait + upstream)",
				Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		relayAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_attempts_total",
				Help: "Total upstream dispatch attempts (retries count separately)",
			},
			[]string{"service", "outcome"},
		),

		relayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_attempt_duration_seconds",
				Help:    "Upstream dispatch attempt duration in seconds",
				Buckets: []float64{0.025, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"service", "outcome"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_queue_depth",
				Help: "Queued requests per model family",
			},
			[]string{"family"},
		),

		queueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_queue_wait_seconds",
				Help:    "Time a request spent queued before dispatch",
				Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"family"},
		),

		queueRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_queue_rejections_total",
				Help: "Enqueue rejections by reason",
			},
			[]string{"reason"},
		),

		queueKilled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_queue_killed_total",
				Help: "Queued requests killed by the reaper",
			},
			[]string{"family"},
		),

		queueRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_queue_retries_total",
				Help: "Tickets dispatched with a retry count above zero",
			},
			[]string{"family"},
		),

		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_heartbeats_total",
			Help: "Heartbeat comment frames sent on waiting streams",
		}),

		heartbeatBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_heartbeat_bytes_total",
			Help: "Bytes of heartbeat padding sent on waiting streams",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Token usage derived from upstream usage fields",
			},
			[]string{"service", "family", "direction"},
		),

		keyState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_key_state",
				Help: "Credential counts per service and state",
			},
			[]string{"service", "state"},
		),

		keyProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_key_probes_total",
				Help: "Key checker probe outcomes",
			},
			[]string{"service", "outcome"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.relayAttempts,
		r.relayDuration,
		r.queueDepth,
		r.queueWait,
		r.queueRejections,
		r.queueKilled,
		r.queueRetries,
		r.heartbeats,
		r.heartbeatBytes,
		r.tokensTotal,
		r.keyState,
		r.keyProbes,
		r.rateLimitTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveRelayAttempt records one upstream dispatch attempt.
func (r *Registry) ObserveRelayAttempt(service models.Service, outcome string, dur time.Duration) {
	r.relayAttempts.WithLabelValues(string(service), outcome).Inc()
	r.relayDuration.WithLabelValues(string(service), outcome).Observe(dur.Seconds())
}

// AddTokens accounts usage after a completed prompt.
func (r *Registry) AddTokens(service models.Service, family models.Family, promptTokens, outputTokens int64) {
	svc, fam := string(service), string(family)
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(svc, fam, "prompt").Add(float64(promptTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(svc, fam, "output").Add(float64(outputTokens))
	}
}

// RecordHeartbeat accounts one heartbeat frame and its padding size.
func (r *Registry) RecordHeartbeat(bytes int) {
	r.heartbeats.Inc()
	r.heartbeatBytes.Add(float64(bytes))
}

// SetKeyState publishes the credential count for one service/state pair.
// States follow the pool snapshot vocabulary: enabled, disabled, ratelimited.
func (r *Registry) SetKeyState(service models.Service, state string, n int) {
	r.keyState.WithLabelValues(string(service), state).Set(float64(n))
}

// RecordProbe counts a key checker probe outcome (ok, invalid, quota, error).
func (r *Registry) RecordProbe(service models.Service, outcome string) {
	r.keyProbes.WithLabelValues(string(service), outcome).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// TicketEnqueued, TicketDequeued, TicketKilled, and EnqueueRejected implement
// the queue's metrics sink.

func (r *Registry) TicketEnqueued(f models.Family, depth int) {
	r.queueDepth.WithLabelValues(string(f)).Set(float64(depth))
}

func (r *Registry) TicketDequeued(f models.Family, wait time.Duration, retries int) {
	fam := string(f)
	r.queueDepth.WithLabelValues(fam).Dec()
	r.queueWait.WithLabelValues(fam).Observe(wait.Seconds())
	if retries > 0 {
		r.queueRetries.WithLabelValues(fam).Inc()
	}
}

func (r *Registry) TicketKilled(f models.Family) {
	fam := string(f)
	r.queueDepth.WithLabelValues(fam).Dec()
	r.queueKilled.WithLabelValues(fam).Inc()
}

func (r *Registry) EnqueueRejected(reason string) {
	r.queueRejections.WithLabelValues(reason).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
