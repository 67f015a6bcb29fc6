// Package proxy is the relay's request pipeline.
//
// The Gateway receives a request on one of the provider-shaped routes, runs
// the one-time preprocessors (origin policy, schema translation, token
// counting, content filter, quota), and parks the request in the partitioned
// queue. When the scheduler picks it, the per-attempt mutator chain assigns a
// pooled credential and builds the upstream envelope, the dispatcher executes
// it, and the responder classifies, accounts, and translates the answer.
// Transient upstream failures revert the attempt's mutations and put the
// request back in the queue; the client never sees them.
//
// Streaming requests hold an open SSE response the whole time: a join comment
// with the queue position, padded heartbeat comments while waiting, then the
// translated event stream.
package proxy

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/openmux/llm-relay/internal/cache"
	"github.com/openmux/llm-relay/internal/keypool"
	"github.com/openmux/llm-relay/internal/logger"
	"github.com/openmux/llm-relay/internal/metrics"
	"github.com/openmux/llm-relay/internal/models"
	"github.com/openmux/llm-relay/internal/queue"
	"github.com/openmux/llm-relay/internal/ratelimit"
	"github.com/openmux/llm-relay/internal/translate"
	"github.com/openmux/llm-relay/pkg/apierr"
)

// errWriterClosed tells the stream consumer the client-side writer is gone.
var errWriterClosed = errors.New("proxy: stream writer closed")

// GatewayConfig carries the optional collaborators. Everything here is
// nil-safe: a bare Gateway still relays.
type GatewayConfig struct {
	Log         *slog.Logger
	Metrics     *metrics.Registry
	Events      *logger.Logger
	Limiter     *ratelimit.RPMLimiter
	ModelCache  cache.Cache
	CORSOrigins []string

	// BlockedModels withholds matching models from relaying and listing.
	BlockedModels *cache.ExclusionList

	// LoadThreshold sizes heartbeat padding; keep it equal to the queue's.
	LoadThreshold int

	// ModelListTTL bounds the cached /v1/models answer. Default 60s.
	ModelListTTL time.Duration
}

// Gateway wires the pipeline stages together and owns the HTTP surface.
type Gateway struct {
	pool       *keypool.Pool
	queue      *queue.Queue
	pre        *Preprocessor
	mutator    *Mutator
	dispatcher *Dispatcher
	responder  *Responder

	modelCache    cache.Cache
	blockedModels *cache.ExclusionList
	limiter       *ratelimit.RPMLimiter
	events        *logger.Logger
	metrics       *metrics.Registry
	log           *slog.Logger
	corsOrigins   []string
	loadLimit     int
	modelListTTL  time.Duration
	startTime     time.Time

	// heartbeatEvery is the SSE keepalive cadence, overridable in tests.
	heartbeatEvery time.Duration
}

// NewGateway builds a gateway over an already-started queue and pool.
func NewGateway(pool *keypool.Pool, q *queue.Queue, pre *Preprocessor, mut *Mutator, disp *Dispatcher, resp *Responder, cfg GatewayConfig) *Gateway {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	loadLimit := cfg.LoadThreshold
	if loadLimit <= 0 {
		loadLimit = queue.LoadThreshold
	}
	ttl := cfg.ModelListTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Gateway{
		pool:           pool,
		queue:          q,
		pre:            pre,
		mutator:        mut,
		dispatcher:     disp,
		responder:      resp,
		modelCache:     cfg.ModelCache,
		blockedModels:  cfg.BlockedModels,
		limiter:        cfg.Limiter,
		events:         cfg.Events,
		metrics:        cfg.Metrics,
		log:            log,
		corsOrigins:    cfg.CORSOrigins,
		loadLimit:      loadLimit,
		modelListTTL:   ttl,
		startTime:      time.Now(),
		heartbeatEvery: queue.HeartbeatInterval,
	}
}

// routeBinding fixes what one client route means: which upstream service,
// which schema the client speaks, which schema the upstream speaks, and the
// upstream path for unsigned services.
type routeBinding struct {
	name     string
	service  models.Service
	inbound  translate.Format
	outbound translate.Format
	path     string
}

// relay adapts a binding into a fasthttp handler.
func (g *Gateway) relay(b routeBinding) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		g.handleRelay(ctx, b)
	}
}

type relayResult struct {
	resp *ClientResponse
	err  *apierr.Error
}

func (g *Gateway) handleRelay(ctx *fasthttp.RequestCtx, b routeBinding) {
	start := time.Now()
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	streaming := false
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		respBytes := len(ctx.Response.Body())
		if streaming {
			respBytes = -1
		}
		g.metrics.ObserveHTTP(b.name, ctx.Response.StatusCode(), time.Since(start), len(ctx.PostBody()), respBytes)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	if reqID == "" {
		reqID = uuid.New().String()
	}
	identity := g.resolveIdentity(ctx)

	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, identity)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			writeRelayError(ctx, b.inbound, "", apierr.New(apierr.KindTooManyRequests, "request rate limit exceeded"))
			return
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
	}

	body := append([]byte(nil), ctx.PostBody()...)
	model, streamRequested, aerr := parseTarget(ctx, b, body)
	if aerr != nil {
		writeRelayError(ctx, b.inbound, model, aerr)
		return
	}
	streaming = streamRequested

	if g.blockedModels.Matches(model) {
		writeRelayError(ctx, b.inbound, model,
			apierr.New(apierr.KindBadRequest, "model %s is not available through this relay", model))
		return
	}

	req := NewRequest(ctx, reqID, identity)
	req.InboundFormat = b.inbound
	req.OutboundFormat = b.outbound
	req.Service = b.service
	req.Family = models.FamilyFor(b.service, model)
	req.Model = model
	req.Body = body
	req.Path = b.path
	req.Streaming = streaming
	if b.service == models.GoogleAI {
		req.Path = googleAIPath(model, streaming)
	}
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		req.Headers.Add(string(k), string(v))
	})

	g.log.InfoContext(ctx, "relay_request",
		slog.String("request_id", reqID),
		slog.String("service", string(b.service)),
		slog.String("model", model),
		slog.String("family", string(req.Family)),
		slog.Bool("stream", streaming),
	)

	origin := string(ctx.Request.Header.Peek("Origin"))
	referer := string(ctx.Request.Header.Peek("Referer"))
	if perr := g.pre.Run(req, origin, referer, ctx.RemoteIP().String()); perr != nil {
		g.log.WarnContext(ctx, "request_rejected",
			slog.String("request_id", reqID),
			slog.String("kind", string(perr.Kind)),
			slog.String("reason", perr.Message),
		)
		writeRelayError(ctx, b.inbound, model, perr)
		return
	}

	if streaming {
		g.relayStreaming(ctx, b, req)
		return
	}
	g.relayBlocking(ctx, b, req)
}

// relayBlocking parks the request and waits for the finished response on the
// handler goroutine.
func (g *Gateway) relayBlocking(ctx *fasthttp.RequestCtx, b routeBinding, req *Request) {
	done := make(chan relayResult, 1)

	t := &queue.Ticket{
		ID:           req.ID,
		Identity:     req.Identity,
		Family:       req.Family,
		PromptTokens: req.PromptTokens,
		OutputTokens: req.OutputTokens,
		Streaming:    false,
		Dispatch: func(t *queue.Ticket) {
			cr, requeued, aerr := g.attempt(req, t, nil)
			if requeued {
				return
			}
			if aerr != nil {
				done <- relayResult{err: aerr}
				return
			}
			done <- relayResult{resp: cr}
		},
		Kill: func(_ *queue.Ticket, err error) {
			done <- relayResult{err: killError(err)}
		},
	}

	if _, err := g.queue.Enqueue(t); err != nil {
		writeRelayError(ctx, b.inbound, req.Model, enqueueError(err))
		return
	}

	select {
	case res := <-done:
		if res.err != nil {
			g.logEvent(req, res.err.Kind.Status(), translate.Usage{}, false)
			writeRelayError(ctx, b.inbound, req.Model, res.err)
			return
		}
		writeClientResponse(ctx, res.resp)
	case <-ctx.Done():
		// Client went away while queued or in flight.
		g.queue.Remove(req.ID)
		req.Abort()
	}
}

// relayStreaming opens the SSE response immediately and feeds it from a
// single writer goroutine: join comment, heartbeats while queued, then the
// translated stream. Terminal failures become spoofed completion events.
func (g *Gateway) relayStreaming(ctx *fasthttp.RequestCtx, b routeBinding, req *Request) {
	frames := make(chan []byte, 64)
	finalErr := make(chan *apierr.Error, 1)
	writerGone := make(chan struct{})

	emit := func(frame []byte) error {
		select {
		case frames <- frame:
			return nil
		case <-writerGone:
			return errWriterClosed
		}
	}

	t := &queue.Ticket{
		ID:           req.ID,
		Identity:     req.Identity,
		Family:       req.Family,
		PromptTokens: req.PromptTokens,
		OutputTokens: req.OutputTokens,
		Streaming:    true,
		Dispatch: func(t *queue.Ticket) {
			_, requeued, aerr := g.attempt(req, t, emit)
			if requeued {
				return
			}
			finalErr <- aerr
		},
		Kill: func(_ *queue.Ticket, err error) {
			finalErr <- killError(err)
		},
	}

	pos, err := g.queue.Enqueue(t)
	if err != nil {
		writeRelayError(ctx, b.inbound, req.Model, enqueueError(err))
		return
	}

	inbound, model, reqCopy := b.inbound, req.Model, req

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer close(writerGone)
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		alive := true
		flush := func() {
			// bufio write errors are sticky: one failed flush means the
			// client connection is gone for good.
			if err := w.Flush(); err != nil {
				alive = false
			}
		}

		fmt.Fprintf(w, ": joining queue at position %d\n\n", pos)
		flush()

		hb := time.NewTicker(g.heartbeatEvery)
		defer hb.Stop()

		for alive {
			select {
			case frame := <-frames:
				w.Write(frame) //nolint:errcheck
				flush()

			case <-hb.C:
				payload := queue.HeartbeatPayload(g.queue.Load(), g.loadLimit)
				w.Write(payload) //nolint:errcheck
				flush()
				if g.metrics != nil {
					g.metrics.RecordHeartbeat(len(payload))
				}

			case aerr := <-finalErr:
				drainFrames(w, frames)
				if aerr != nil {
					g.logEvent(reqCopy, aerr.Kind.Status(), translate.Usage{}, true)
					if aerr.Kind != apierr.KindClientAborted {
						streamError(func(frame []byte) error {
							if _, werr := w.Write(frame); werr != nil {
								return werr
							}
							return w.Flush()
						}, inbound, model, aerr)
					}
				}
				w.Flush() //nolint:errcheck
				return
			}
		}

		// Client stopped reading; free the slot and cancel upstream work.
		g.queue.Remove(reqCopy.ID)
		reqCopy.Abort()
	})
}

// drainFrames forwards whatever the dispatch goroutine already emitted before
// its terminal signal landed.
func drainFrames(w *bufio.Writer, frames chan []byte) {
	for {
		select {
		case frame := <-frames:
			w.Write(frame) //nolint:errcheck
		default:
			return
		}
	}
}

// attempt runs one dispatch of a dequeued ticket: mutate, execute, respond.
// It reports the blocking response when one was produced, whether the ticket
// went back to the queue, or the terminal error.
func (g *Gateway) attempt(req *Request, t *queue.Ticket, emit func([]byte) error) (*ClientResponse, bool, *apierr.Error) {
	req.RetryCount = t.RetryCount
	req.QueueOutTime = time.Now()

	m := NewManager(req)
	if aerr := g.mutator.Apply(req.Context(), m); aerr != nil {
		m.Revert()
		g.observeAttempt(req, string(aerr.Kind), 0)
		return nil, false, aerr
	}

	start := time.Now()
	resp, aerr := g.dispatcher.Do(req)
	if aerr != nil {
		m.Revert()
		g.observeAttempt(req, string(aerr.Kind), time.Since(start))
		if aerr.Kind.Retryable() && g.requeue(req, t) {
			return nil, true, nil
		}
		return nil, false, aerr
	}

	if req.Streaming && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result, serr := g.responder.HandleStream(req, m, resp, emit)
		g.observeAttempt(req, "stream", time.Since(start))
		if serr != nil {
			if serr.Kind.Retryable() && g.requeue(req, t) {
				return nil, true, nil
			}
			return nil, false, serr
		}
		g.finish(req, fasthttp.StatusOK, result.Usage, true)
		return nil, false, nil
	}

	cr, outcome := g.responder.HandleBlocking(req, m, resp)
	if outcome.Success() {
		g.observeAttempt(req, "ok", time.Since(start))
		g.finish(req, cr.Status, cr.Usage, false)
		return cr, false, nil
	}
	g.observeAttempt(req, string(outcome.Kind), time.Since(start))
	if outcome.Reenqueue && g.requeue(req, t) {
		return nil, true, nil
	}
	return nil, false, &apierr.Error{Kind: outcome.Kind, Message: outcome.Message}
}

// requeue puts the ticket back after a reverted attempt. A false return means
// the queue is shutting down and the caller must surface the failure instead.
func (g *Gateway) requeue(req *Request, t *queue.Ticket) bool {
	if err := g.queue.Reenqueue(t); err != nil {
		return false
	}
	g.log.Info("attempt_requeued",
		slog.String("request_id", req.ID),
		slog.String("family", string(req.Family)),
		slog.Int("retries", t.RetryCount),
	)
	return true
}

// finish runs the post-success bookkeeping shared by both response modes.
func (g *Gateway) finish(req *Request, status int, usage translate.Usage, streamed bool) {
	g.pre.ConsumeQuota(req.Identity, req.Family, usage.PromptTokens+usage.OutputTokens)
	if g.metrics != nil {
		g.metrics.AddTokens(req.Service, req.Family, usage.PromptTokens, usage.OutputTokens)
	}
	g.logEvent(req, status, usage, streamed)
}

// logEvent feeds the async completion log. Never blocks.
func (g *Gateway) logEvent(req *Request, status int, usage translate.Usage, streamed bool) {
	if g.events == nil {
		return
	}
	id, _ := uuid.Parse(req.ID)
	keyHash := ""
	if req.Key != nil {
		keyHash = req.Key.Hash
	}

	latencyMs := time.Since(req.StartTime).Milliseconds()
	if latencyMs > int64(^uint32(0)) {
		latencyMs = int64(^uint32(0))
	}
	retries := req.RetryCount
	if retries > 255 {
		retries = 255
	}

	g.events.Log(logger.CompletionLog{
		ID:           id,
		IdentityHash: req.Identity,
		Service:      string(req.Service),
		Family:       string(req.Family),
		Model:        req.Model,
		KeyHash:      keyHash,
		InputTokens:  uint32(usage.PromptTokens),
		OutputTokens: uint32(usage.OutputTokens),
		LatencyMs:    uint32(latencyMs),
		Status:       uint16(status),
		Retries:      uint8(retries),
		Streamed:     streamed,
		CreatedAt:    time.Now(),
	})
}

func (g *Gateway) observeAttempt(req *Request, outcome string, dur time.Duration) {
	if g.metrics != nil {
		g.metrics.ObserveRelayAttempt(req.Service, outcome, dur)
	}
}

// resolveIdentity derives the queue identity: a hash of the client's token
// when one is present, the remote address otherwise. The raw token is never
// stored.
func (g *Gateway) resolveIdentity(ctx *fasthttp.RequestCtx) string {
	token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		token = strings.TrimSpace(string(ctx.Request.Header.Peek("X-API-Key")))
	}
	if token == "" {
		token = strings.TrimSpace(string(ctx.Request.Header.Peek("Api-Key")))
	}
	if token != "" {
		sum := sha256.Sum256([]byte(token))
		return hex.EncodeToString(sum[:])[:16]
	}
	return ctx.RemoteIP().String()
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// parseTarget extracts the model identifier and streaming flag for a route.
// Google AI carries both in the path segment ("model:verb"); everything else
// uses the body.
func parseTarget(ctx *fasthttp.RequestCtx, b routeBinding, body []byte) (string, bool, *apierr.Error) {
	if b.service == models.GoogleAI {
		seg, _ := ctx.UserValue("action").(string)
		model, verb, ok := strings.Cut(seg, ":")
		if !ok || model == "" {
			return "", false, apierr.New(apierr.KindBadRequest, "expected models/{model}:generateContent")
		}
		switch verb {
		case "generateContent":
			return model, false, nil
		case "streamGenerateContent":
			return model, true, nil
		}
		return model, false, apierr.New(apierr.KindBadRequest, "unsupported operation %q", verb)
	}

	model := gjson.GetBytes(body, "model").Str
	if model == "" {
		return "", false, apierr.New(apierr.KindBadRequest, "field 'model' is required")
	}
	streaming := gjson.GetBytes(body, "stream").Bool() && b.inbound != translate.OpenAIImage
	return model, streaming, nil
}

func googleAIPath(model string, streaming bool) string {
	verb := "generateContent"
	if streaming {
		verb = "streamGenerateContent"
	}
	return "/v1beta/models/" + model + ":" + verb
}

// writeClientResponse copies a finished blocking answer onto the wire.
func writeClientResponse(ctx *fasthttp.RequestCtx, cr *ClientResponse) {
	ctx.SetStatusCode(cr.Status)
	for name, values := range cr.Header {
		for _, v := range values {
			ctx.Response.Header.Add(name, v)
		}
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(cr.Body)
}

// killError maps a queue kill reason onto the client-facing taxonomy.
func killError(err error) *apierr.Error {
	switch {
	case errors.Is(err, queue.ErrQueueTimeout):
		return apierr.New(apierr.KindRetryableUpstream, "no capacity became available in time, please retry")
	case errors.Is(err, queue.ErrClosed):
		return apierr.New(apierr.KindUpstreamFatal, "relay is shutting down")
	}
	return apierr.New(apierr.KindUpstreamFatal, "request could not be scheduled")
}

// enqueueError maps an enqueue rejection onto the client-facing taxonomy.
func enqueueError(err error) *apierr.Error {
	switch {
	case errors.Is(err, queue.ErrTooManyRequests):
		return apierr.New(apierr.KindTooManyRequests, "you already have a request in the queue")
	case errors.Is(err, queue.ErrStreamingRequired):
		return apierr.New(apierr.KindTooManyRequests, `the queue is under heavy load, retry with "stream": true`)
	case errors.Is(err, queue.ErrClosed):
		return apierr.New(apierr.KindUpstreamFatal, "relay is shutting down")
	}
	return apierr.New(apierr.KindUpstreamFatal, "request could not be queued")
}
