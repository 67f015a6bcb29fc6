package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/openmux/llm-relay/internal/cache"
	"github.com/openmux/llm-relay/internal/keypool"
	"github.com/openmux/llm-relay/internal/models"
	"github.com/openmux/llm-relay/internal/queue"
	"github.com/openmux/llm-relay/internal/signing"
	"github.com/openmux/llm-relay/internal/tokens"
)

// --- helpers ----------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRelay struct {
	gw   *Gateway
	pool *keypool.Pool
	q    *queue.Queue
}

// newTestRelay builds a full pipeline over one credential list, pointing
// every upstream call at baseURL.
func newTestRelay(t *testing.T, svc models.Service, csv, baseURL string, gcfg GatewayConfig) *testRelay {
	t.Helper()

	keys, err := keypool.ParseKeys(svc, csv)
	if err != nil {
		t.Fatalf("parse keys: %v", err)
	}
	log := testLogger()
	p := keypool.NewProvider(svc, keys, keypool.GetOptions{}, log)
	pool := keypool.NewPool([]*keypool.Provider{p}, log)

	// Fresh keys only trust their initial family. Grant the full set the way
	// a completed probe run would, so any model of the service routes.
	for _, k := range keys {
		pool.Update(svc, k.Hash, func(k *keypool.Key) {
			k.Families = append([]models.Family(nil), models.FamiliesOf(svc)...)
		})
	}

	q := queue.New(pool, queue.Config{Log: log})
	q.Start()
	t.Cleanup(q.Close)

	counter := tokens.NewCounter()
	pre := NewPreprocessor(counter, PreprocessConfig{})
	up := UpstreamConfig{BaseURLs: map[models.Service]string{svc: baseURL}}
	mut := NewMutator(pool, signing.NewGCPTokenCache(), up)
	disp := NewDispatcher(nil, up)
	resp := NewResponder(pool, counter)

	if gcfg.Log == nil {
		gcfg.Log = log
	}
	return &testRelay{
		gw:   NewGateway(pool, q, pre, mut, disp, resp, gcfg),
		pool: pool,
		q:    q,
	}
}

// serveRelay runs the full router on an in-memory listener.
func serveRelay(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	srv := gw.Server()
	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 30 * time.Second,
	}
}

func chatBody() string {
	return `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`
}

func postJSON(t *testing.T, client *http.Client, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer caller-token")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// --- blocking relay ---------------------------------------------------------

func TestRelayBlocking_OpenAI(t *testing.T) {
	var gotAuth, gotOrigin atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotOrigin.Store(r.Header.Get("Origin"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}
		}`))
	}))
	defer upstream.Close()

	relay := newTestRelay(t, models.OpenAI, "sk-live-one", upstream.URL, GatewayConfig{})
	client := serveRelay(t, relay.gw)

	resp := postJSON(t, client, "http://relay/proxy/openai/v1/chat/completions", chatBody())
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body: %s", resp.StatusCode, body)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content != "hi there" {
		t.Fatalf("unexpected choices: %+v", out.Choices)
	}

	// The upstream must see the pool key, never the caller's token.
	if auth, _ := gotAuth.Load().(string); auth != "Bearer sk-live-one" {
		t.Errorf("upstream Authorization = %q, want pool key", auth)
	}
	if origin, _ := gotOrigin.Load().(string); origin != "" {
		t.Errorf("Origin header leaked upstream: %q", origin)
	}
}

func TestRelayBlocking_RetriesAfter429(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-2","object":"chat.completion","model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"second try"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}
		}`))
	}))
	defer upstream.Close()

	// Two keys: the 429 locks out the first, the retry rides the second.
	relay := newTestRelay(t, models.OpenAI, "sk-live-one,sk-live-two", upstream.URL, GatewayConfig{})
	client := serveRelay(t, relay.gw)

	resp := postJSON(t, client, "http://relay/proxy/openai/v1/chat/completions", chatBody())
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body: %s", resp.StatusCode, body)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "second try") {
		t.Errorf("body missing retried content: %s", body)
	}
}

func TestRelayBlocking_BlockedModel(t *testing.T) {
	blocked, err := cache.NewExclusionList([]string{"gpt-4o"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	relay := newTestRelay(t, models.OpenAI, "sk-live-one", "http://unused.invalid", GatewayConfig{
		BlockedModels: blocked,
	})
	client := serveRelay(t, relay.gw)

	resp := postJSON(t, client, "http://relay/proxy/openai/v1/chat/completions", chatBody())
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "not available") {
		t.Errorf("unexpected error body: %s", body)
	}
}

func TestRelayBlocking_OneQueuedRequestPerIdentity(t *testing.T) {
	relay := newTestRelay(t, models.OpenAI, "sk-live-one", "http://unused.invalid", GatewayConfig{})
	client := serveRelay(t, relay.gw)

	// Lock the only key so the first request parks in the queue.
	relay.pool.MarkRateLimited(models.OpenAI, keypool.KeyHash("sk-live-one"))

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		req, _ := http.NewRequestWithContext(firstCtx, http.MethodPost,
			"http://relay/proxy/openai/v1/chat/completions", strings.NewReader(chatBody()))
		req.Header.Set("Authorization", "Bearer caller-token")
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}()

	// Give the first request time to enqueue.
	time.Sleep(300 * time.Millisecond)

	resp := postJSON(t, client, "http://relay/proxy/openai/v1/chat/completions", chatBody())
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 429, body: %s", resp.StatusCode, body)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "already have a request") {
		t.Errorf("unexpected rejection body: %s", body)
	}

	cancel()
	select {
	case <-firstDone:
	case <-time.After(5 * time.Second):
		t.Fatal("first request did not unwind after cancel")
	}
}

// --- streaming relay --------------------------------------------------------

func TestRelayStreaming_OpenAI(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		chunks := []string{
			`{"id":"c","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"hel"},"finish_reason":null}]}`,
			`{"id":"c","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
			`{"id":"c","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		}
		for _, c := range chunks {
			_, _ = io.WriteString(w, "data: "+c+"\n\n")
			flusher.Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	relay := newTestRelay(t, models.OpenAI, "sk-live-one", upstream.URL, GatewayConfig{})
	client := serveRelay(t, relay.gw)

	body := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	resp := postJSON(t, client, "http://relay/proxy/openai/v1/chat/completions", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body: %s", resp.StatusCode, raw)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	var sawJoin, sawDelta, sawDone bool
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ": joining queue"):
			sawJoin = true
		case line == "data: [DONE]":
			sawDone = true
		case strings.HasPrefix(line, "data: "):
			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if json.Unmarshal([]byte(line[len("data: "):]), &chunk) == nil && len(chunk.Choices) > 0 {
				if chunk.Choices[0].Delta.Content != "" {
					sawDelta = true
					text.WriteString(chunk.Choices[0].Delta.Content)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}

	if !sawJoin {
		t.Error("missing join comment")
	}
	if !sawDelta {
		t.Error("no content deltas reached the client")
	}
	if !sawDone {
		t.Error("missing [DONE] terminator")
	}
	if got := text.String(); got != "hello" {
		t.Errorf("assembled text = %q, want %q", got, "hello")
	}
}

// A mid-stream throttle on the first key must not truncate the client stream:
// the request goes back to the queue and a second key finishes the completion.
func TestRelayStreaming_ResumesAfterMidStreamThrottle(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
		var buf bytes.Buffer
		writeBedrockChunk(t, &buf, `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"usage":{"input_tokens":9,"output_tokens":0}}}`)
		writeBedrockChunk(t, &buf, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		if calls.Add(1) == 1 {
			writeBedrockChunk(t, &buf, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"trunc"}}`)
			writeBedrockException(t, &buf, "throttlingException", "Too many requests")
		} else {
			writeBedrockChunk(t, &buf, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"finished on the second key"}}`)
			writeBedrockChunk(t, &buf, `{"type":"content_block_stop","index":0}`)
			writeBedrockChunk(t, &buf, `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":6}}`)
			writeBedrockChunk(t, &buf, `{"type":"message_stop"}`)
		}
		_, _ = w.Write(buf.Bytes())
	}))
	defer upstream.Close()

	relay := newTestRelay(t, models.AWS, "AKIAONE:secret-one:us-east-1,AKIATWO:secret-two:us-east-1", upstream.URL, GatewayConfig{})
	client := serveRelay(t, relay.gw)

	body := `{"model":"` + awsClaudeModel + `","max_tokens":128,"stream":true,"messages":[{"role":"user","content":"hello"}]}`
	resp := postJSON(t, client, "http://relay/proxy/aws/claude/v1/messages", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body: %s", resp.StatusCode, raw)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	stream := string(raw)

	if got := calls.Load(); got != 2 {
		t.Fatalf("upstream calls = %d, want 2 (one per key)", got)
	}
	if !strings.Contains(stream, "finished on the second key") {
		t.Errorf("stream missing retried completion:\n%s", stream)
	}
	if !strings.Contains(stream, "message_stop") {
		t.Error("stream never reached message_stop")
	}
	if strings.Contains(strings.ToLower(stream), "throttl") {
		t.Errorf("upstream throttle leaked to the client:\n%s", stream)
	}

	// Exactly the throttled key carries a lockout longer than the reuse delay.
	cutoff := time.Now().UnixMilli() + 2000
	var locked int
	for _, k := range relay.pool.List() {
		if k.RateLimitedUntil > cutoff {
			locked++
		}
	}
	if locked != 1 {
		t.Errorf("locked keys = %d, want 1", locked)
	}
}

// A client that disconnects while its ticket is still queued must have the
// ticket removed before any key is assigned or upstream call made.
func TestRelayStreaming_ClientGoneWhileQueued(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	relay := newTestRelay(t, models.OpenAI, "sk-live-one", upstream.URL, GatewayConfig{})
	relay.gw.heartbeatEvery = 20 * time.Millisecond
	client := serveRelay(t, relay.gw)

	// Lock the only key so the ticket stays parked in the queue.
	relay.pool.MarkRateLimited(models.OpenAI, keypool.KeyHash("sk-live-one"))

	body := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	resp := postJSON(t, client, "http://relay/proxy/openai/v1/chat/completions", body)

	// Read the join comment so the stream is established, then walk away.
	br := bufio.NewReader(resp.Body)
	if line, rerr := br.ReadString('\n'); rerr != nil || !strings.HasPrefix(line, ": joining queue") {
		t.Fatalf("join line = %q, err = %v", line, rerr)
	}
	resp.Body.Close()

	deadline := time.Now().Add(3 * time.Second)
	for relay.q.Load() != 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := relay.q.Load(); n != 0 {
		t.Fatalf("queue load = %d after client disconnect, want 0", n)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("request dispatched upstream %d times after the client left", n)
	}
}

// --- ancillary routes -------------------------------------------------------

func TestModelsListing(t *testing.T) {
	blocked, err := cache.NewExclusionList([]string{"gpt-4-turbo"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	relay := newTestRelay(t, models.OpenAI, "sk-live-one", "http://unused.invalid", GatewayConfig{
		BlockedModels: blocked,
	})
	relay.pool.Update(models.OpenAI, keypool.KeyHash("sk-live-one"), func(k *keypool.Key) {
		k.OpenAI = &keypool.OpenAIState{ModelIDs: []string{"gpt-4o", "gpt-4-turbo"}}
	})
	client := serveRelay(t, relay.gw)

	resp, err := client.Get("http://relay/proxy/openai/v1/models")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "list" {
		t.Errorf("object = %q", out.Object)
	}

	ids := make(map[string]bool)
	for _, d := range out.Data {
		ids[d.ID] = true
	}
	if !ids["gpt-4o"] {
		t.Error("listing missing gpt-4o")
	}
	if ids["gpt-4-turbo"] {
		t.Error("blocked model leaked into the listing")
	}
}

func TestHealthz(t *testing.T) {
	relay := newTestRelay(t, models.OpenAI, "sk-live-one", "http://unused.invalid", GatewayConfig{})
	client := serveRelay(t, relay.gw)

	resp, err := client.Get("http://relay/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	svc, ok := snap.Services[string(models.OpenAI)]
	if !ok {
		t.Fatalf("snapshot missing openai service: %+v", snap)
	}
	if svc.Keys != 1 || svc.Enabled != 1 {
		t.Errorf("service counts = %+v", svc)
	}
}
