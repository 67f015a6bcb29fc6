package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"github.com/openmux/llm-relay/internal/keypool"
	"github.com/openmux/llm-relay/internal/models"
	"github.com/openmux/llm-relay/internal/tokens"
	"github.com/openmux/llm-relay/internal/translate"
	"github.com/openmux/llm-relay/pkg/apierr"
)

const awsClaudeModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

// writeBedrockChunk frames one Anthropic stream event the way
// invoke-with-response-stream does: base64 inner JSON under "bytes".
func writeBedrockChunk(t *testing.T, w io.Writer, inner string) {
	t.Helper()
	payload, err := json.Marshal(map[string]string{
		"bytes": base64.StdEncoding.EncodeToString([]byte(inner)),
	})
	if err != nil {
		t.Fatal(err)
	}
	err = eventstream.NewEncoder().Encode(w, eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("event")},
			{Name: ":event-type", Value: eventstream.StringValue("chunk")},
			{Name: ":content-type", Value: eventstream.StringValue("application/json")},
		},
		Payload: payload,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func writeBedrockException(t *testing.T, w io.Writer, excType, message string) {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		t.Fatal(err)
	}
	err = eventstream.NewEncoder().Encode(w, eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("exception")},
			{Name: ":exception-type", Value: eventstream.StringValue(excType)},
			{Name: ":content-type", Value: eventstream.StringValue("application/json")},
		},
		Payload: payload,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// A throttle frame arriving after content deltas must still abort the
// attempt: the key gets locked out, the failed attempt accounts nothing, and
// the caller sees a retryable error so the request goes back to the queue.
func TestHandleStreamMidStreamThrottleAbortsAttempt(t *testing.T) {
	keys, err := keypool.ParseKeys(models.AWS, "AKIAMIDSTREAM:sekret:us-east-1")
	if err != nil {
		t.Fatal(err)
	}
	log := testLogger()
	p := keypool.NewProvider(models.AWS, keys, keypool.GetOptions{}, log)
	pool := keypool.NewPool([]*keypool.Provider{p}, log)

	req := NewRequest(context.Background(), "r1", "ident")
	req.Service = models.AWS
	req.Model = awsClaudeModel
	req.Family = models.FamilyFor(models.AWS, awsClaudeModel)
	req.InboundFormat = translate.AnthropicChat
	req.OutboundFormat = translate.AnthropicChat
	req.Streaming = true
	req.Key = p.List()[0]

	var body bytes.Buffer
	writeBedrockChunk(t, &body, `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"usage":{"input_tokens":9,"output_tokens":0}}}`)
	writeBedrockChunk(t, &body, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
	writeBedrockChunk(t, &body, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`)
	writeBedrockException(t, &body, "throttlingException", "Too many requests, please wait before trying again.")

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/vnd.amazon.eventstream"}},
		Body:       io.NopCloser(&body),
	}

	r := NewResponder(pool, tokens.NewCounter())
	var emitted bytes.Buffer
	result, serr := r.HandleStream(req, NewManager(req), resp, func(frame []byte) error {
		emitted.Write(frame)
		return nil
	})

	if serr == nil {
		t.Fatal("mid-stream throttle returned no error")
	}
	if serr.Kind != apierr.KindRetryableUpstream {
		t.Errorf("kind = %s, want %s", serr.Kind, apierr.KindRetryableUpstream)
	}
	if result.Exception == nil || result.Exception.Type != "throttlingException" {
		t.Fatalf("exception = %+v", result.Exception)
	}
	if result.Text != "partial" {
		t.Errorf("aggregated text = %q, want the partial delta", result.Text)
	}

	k := p.List()[0]
	if k.RateLimitedUntil == 0 {
		t.Error("key not locked out after throttling exception")
	}
	// The truncated attempt accounts nothing; the retry that completes the
	// stream charges the full amount once.
	if n := k.TokensByFamily[req.Family]; n != 0 {
		t.Errorf("failed attempt accounted %d tokens", n)
	}
	if s := emitted.String(); strings.Contains(s, "message_stop") {
		t.Errorf("failed attempt closed the client stream:\n%s", s)
	}
}

// An upstream connection dying before any content is retryable; the client
// stream must stay untouched for the next attempt.
func TestHandleStreamUpstreamDeathBeforeContentRetries(t *testing.T) {
	keys, err := keypool.ParseKeys(models.Anthropic, "sk-ant-stream")
	if err != nil {
		t.Fatal(err)
	}
	log := testLogger()
	p := keypool.NewProvider(models.Anthropic, keys, keypool.GetOptions{}, log)
	pool := keypool.NewPool([]*keypool.Provider{p}, log)

	req := NewRequest(context.Background(), "r2", "ident")
	req.Service = models.Anthropic
	req.Model = "claude-3-5-sonnet-20240620"
	req.Family = models.FamilyFor(models.Anthropic, req.Model)
	req.InboundFormat = translate.AnthropicChat
	req.OutboundFormat = translate.AnthropicChat
	req.Streaming = true
	req.Key = p.List()[0]

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/vnd.amazon.eventstream"}},
		Body:       io.NopCloser(io.MultiReader(strings.NewReader("not an eventstream frame"), errReader{})),
	}

	r := NewResponder(pool, tokens.NewCounter())
	result, serr := r.HandleStream(req, NewManager(req), resp, func([]byte) error { return nil })
	if serr == nil {
		t.Fatal("dead upstream with no output returned no error")
	}
	if !serr.Kind.Retryable() {
		t.Errorf("kind = %s, want retryable", serr.Kind)
	}
	if !result.Aborted {
		t.Error("result not marked aborted")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }
