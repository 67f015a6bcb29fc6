package proxy

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/openmux/llm-relay/internal/keypool"
	"github.com/openmux/llm-relay/internal/models"
	"github.com/openmux/llm-relay/internal/sse"
	"github.com/openmux/llm-relay/internal/tokens"
	"github.com/openmux/llm-relay/internal/translate"
	"github.com/openmux/llm-relay/pkg/apierr"
)

// maxBufferedResponse bounds a blocking upstream body.
const maxBufferedResponse = 32 << 20

// disallowedResponseHeaders never reach the client: upstream identity,
// infrastructure, and connection management headers.
var disallowedResponseHeaders = []string{
	"set-cookie", "openai-organization", "x-ratelimit-", "anthropic-ratelimit-",
	"cf-", "server", "via", "alt-svc", "x-request-id", "x-amzn-", "date",
	"connection", "transfer-encoding", "content-encoding", "content-length",
}

// ClientResponse is the finished answer for a blocking request.
type ClientResponse struct {
	Status int
	Header http.Header
	Body   []byte
	Usage  translate.Usage
}

// Responder turns upstream responses into client answers: decompression,
// classification, key bookkeeping, usage accounting, and schema translation.
type Responder struct {
	pool    *keypool.Pool
	counter *tokens.Counter
}

func NewResponder(pool *keypool.Pool, counter *tokens.Counter) *Responder {
	return &Responder{pool: pool, counter: counter}
}

// HandleBlocking buffers, classifies, and translates a non-streaming
// response. The manager is reverted here in every branch: successful
// responses no longer need the mutations, and failed ones must be clean
// before a possible re-enqueue.
func (r *Responder) HandleBlocking(req *Request, m *Manager, resp *http.Response) (*ClientResponse, Outcome) {
	defer resp.Body.Close()

	body, err := readDecompressed(resp)
	m.Revert()
	if err != nil {
		return nil, Outcome{Kind: apierr.KindRetryableUpstream, Message: "upstream body read failed", Reenqueue: true}
	}

	r.trackRateLimits(req, resp.Header)

	outcome := Classify(resp.StatusCode, resp.Header, body)
	r.ApplyKeyActions(req, outcome)
	if !outcome.Success() {
		return nil, outcome
	}

	usage := translate.ExtractUsage(req.OutboundFormat, body)
	if usage.PromptTokens == 0 {
		usage.PromptTokens = req.PromptTokens
	}
	if usage.OutputTokens == 0 {
		text := translate.CompletionText(req.OutboundFormat, body)
		usage.OutputTokens = r.counter.CountText(req.Service, req.Model, text)
	}
	r.account(req, usage)

	translated, terr := translate.TransformResponse(req.OutboundFormat, req.InboundFormat, req.Model, body)
	if terr != nil {
		return nil, Outcome{Kind: apierr.KindUpstreamFatal, Message: "response translation failed"}
	}

	return &ClientResponse{
		Status: http.StatusOK,
		Header: copyResponseHeaders(resp.Header),
		Body:   translated,
		Usage:  usage,
	}, outcome
}

// StreamResult is what a consumed stream left behind.
type StreamResult struct {
	Usage     translate.Usage
	Text      string
	Finish    string
	Aborted   bool
	Exception *sse.StreamException
}

// HandleStream consumes a successful upstream stream, emitting translated
// wire frames through emit. The caller has already classified the status
// line; this path only sees 2xx responses.
func (r *Responder) HandleStream(req *Request, m *Manager, resp *http.Response, emit func([]byte) error) (StreamResult, *apierr.Error) {
	defer resp.Body.Close()

	var result StreamResult

	reader, err := decompressedReader(resp)
	if err != nil {
		m.Revert()
		return result, apierr.New(apierr.KindUpstreamFatal, "upstream stream unreadable")
	}

	r.trackRateLimits(req, resp.Header)

	contentType := resp.Header.Get("Content-Type")
	decoder := sse.NewDecoder(contentType, reader)
	adapter, aerr := sse.NewAdapter(req.OutboundFormat)
	if aerr != nil {
		m.Revert()
		return result, apierr.New(apierr.KindUpstreamFatal, "no stream adapter for upstream format")
	}
	encoder, eerr := sse.NewEncoder(req.InboundFormat, req.Model)
	if eerr != nil {
		m.Revert()
		return result, apierr.New(apierr.KindUpstreamFatal, "no stream encoder for client format")
	}
	agg := sse.NewAggregator(req.InboundFormat, req.Model)

	// Raw frames pass through untouched when both ends speak the same
	// line-oriented schema; chunks are still aggregated for accounting.
	passthrough := req.InboundFormat == req.OutboundFormat &&
		!strings.Contains(contentType, "amazon.eventstream")

	var clientErr error
	var aggregated bool

decode:
	for {
		ev, derr := decoder.Next()
		switch {
		case derr == io.EOF:
			break decode
		case derr != nil:
			if exc, ok := derr.(*sse.StreamException); ok {
				result.Exception = exc
				break decode
			}
			// Connection died mid-stream.
			result.Aborted = true
			break decode
		}

		chunks, done, aderr := adapter.Adapt(ev)
		if aderr != nil {
			if exc, ok := aderr.(*sse.StreamException); ok {
				result.Exception = exc
				break decode
			}
			continue
		}
		for _, c := range chunks {
			agg.Add(c)
			aggregated = aggregated || c.Text() != ""
			if clientErr == nil && !passthrough {
				if frame := encoder.Encode(c); len(frame) > 0 {
					clientErr = emit(frame)
				}
			}
		}
		if clientErr == nil && passthrough && len(ev.Raw) > 0 {
			clientErr = emit(ev.Raw)
		}
		if clientErr != nil {
			// Client is gone; drain quietly for accounting.
			req.Abort()
		}
		if done {
			break decode
		}
	}

	// The encoder tail closes the client stream. After an exception the stream
	// stays open so a retried attempt can finish the completion instead.
	if clientErr == nil && !passthrough && result.Exception == nil {
		if tail := encoder.Done(); len(tail) > 0 {
			clientErr = emit(tail)
		}
	}
	m.Revert()

	result.Text = agg.Text()
	result.Finish = agg.FinishReason()
	result.Usage = agg.Usage()
	if result.Usage.PromptTokens == 0 {
		result.Usage.PromptTokens = req.PromptTokens
	}
	if result.Usage.OutputTokens == 0 && result.Text != "" {
		result.Usage.OutputTokens = r.counter.CountText(req.Service, req.Model, result.Text)
	}

	// An in-band exception aborts the attempt even when partial output was
	// already aggregated. Key actions mirror the status-line table, and the
	// retryable kinds send the request back through the queue, so usage is
	// accounted once by the attempt that completes the stream.
	if result.Exception != nil {
		o := ClassifyStreamException(result.Exception)
		r.ApplyKeyActions(req, o)
		return result, &apierr.Error{Kind: o.Kind, Message: o.Message}
	}
	if clientErr != nil {
		result.Aborted = true
	} else if result.Aborted && !aggregated {
		// Upstream connection died before producing anything worth keeping.
		return result, apierr.New(apierr.KindRetryableUpstream, "upstream stream ended unexpectedly")
	}
	if aggregated || result.Usage.OutputTokens > 0 {
		r.account(req, result.Usage)
	}
	return result, nil
}

// ApplyKeyActions applies an outcome's key side effects.
func (r *Responder) ApplyKeyActions(req *Request, o Outcome) {
	key := req.Key
	if key == nil {
		return
	}

	if o.DisableKey {
		r.pool.Disable(key.Hash, o.RevokeKey)
	}
	if o.MarkRateLimited {
		r.pool.MarkRateLimited(req.Service, key.Hash)
	}
	if o.RefundThrottle {
		r.pool.Update(req.Service, key.Hash, func(live *keypool.Key) {
			live.RateLimitedUntil = 0
		})
	}
	if o.FlagPreamble {
		r.pool.Update(req.Service, key.Hash, func(live *keypool.Key) {
			if live.Anthropic != nil {
				live.Anthropic.RequiresPreamble = true
			}
		})
	}
	if o.FlagNoVision {
		r.pool.Update(req.Service, key.Hash, func(live *keypool.Key) {
			if live.Anthropic != nil {
				live.Anthropic.AllowsMultimodality = false
			}
		})
	}
}

func (r *Responder) account(req *Request, usage translate.Usage) {
	if req.Key == nil {
		return
	}
	r.pool.IncrementUsage(req.Service, req.Key.Hash, req.Model, usage.PromptTokens+usage.OutputTokens)
}

// trackRateLimits captures OpenAI's reset hints so the next 429 sizes its
// lockout from real data.
func (r *Responder) trackRateLimits(req *Request, h http.Header) {
	if req.Service != models.OpenAI || req.Key == nil {
		return
	}
	reqReset := parseResetDuration(h.Get("x-ratelimit-reset-requests"))
	tokReset := parseResetDuration(h.Get("x-ratelimit-reset-tokens"))
	if reqReset > 0 || tokReset > 0 {
		r.pool.UpdateRateLimits(req.Service, req.Key.Hash, reqReset.Milliseconds(), tokReset.Milliseconds())
	}
}

// parseResetDuration reads OpenAI reset header values like "1s", "6m12s",
// "250ms".
func parseResetDuration(v string) time.Duration {
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func copyResponseHeaders(upstream http.Header) http.Header {
	out := make(http.Header)
	for name, values := range upstream {
		lower := strings.ToLower(name)
		blocked := false
		for _, prefix := range disallowedResponseHeaders {
			if strings.HasPrefix(lower, prefix) {
				blocked = true
				break
			}
		}
		if !blocked {
			out[name] = values
		}
	}
	return out
}

func readDecompressed(resp *http.Response) ([]byte, error) {
	reader, err := decompressedReader(resp)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(reader, maxBufferedResponse))
}

func decompressedReader(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return flate.NewReader(resp.Body), nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}
