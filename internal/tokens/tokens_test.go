package tokens

import (
	"testing"

	"github.com/openmux/llm-relay/internal/models"
)

func TestCountBodyMessages(t *testing.T) {
	c := NewCounter()
	body := []byte(`{"model":"claude-3-5-sonnet-20240620","messages":[{"role":"user","content":"hello there, how are you today"}]}`)

	got := c.CountBody(models.Anthropic, "claude-3-5-sonnet-20240620", body)
	if got <= 0 {
		t.Fatalf("CountBody = %d, want > 0", got)
	}
	// 30 chars / 4 plus message overhead.
	if got < 5 || got > 20 {
		t.Fatalf("CountBody = %d, outside heuristic range", got)
	}
}

func TestCountBodyGoogleAIContents(t *testing.T) {
	c := NewCounter()
	body := []byte(`{"contents":[{"parts":[{"text":"tell me about the weather in spring"}]}]}`)

	if got := c.CountBody(models.GoogleAI, "gemini-1.5-pro", body); got <= 0 {
		t.Fatalf("CountBody = %d, want > 0", got)
	}
}

func TestCountTextOpenAIUsesTokenizer(t *testing.T) {
	c := NewCounter()
	// "hello world" is two tokens in cl100k_base, not len/4 = 2 either way,
	// but a longer sentence separates the tokenizer from the heuristic.
	text := "The quick brown fox jumps over the lazy dog near the riverbank"
	tok := c.CountText(models.OpenAI, "gpt-4o-2024-05-13", text)
	heur := c.CountText(models.Anthropic, "claude-3-opus-20240229", text)
	if tok <= 0 || heur <= 0 {
		t.Fatalf("counts = %d, %d, want > 0", tok, heur)
	}
	if tok == heur {
		t.Logf("tokenizer and heuristic agree at %d tokens; acceptable but unusual", tok)
	}
}

func TestRequestedMaxTokens(t *testing.T) {
	cases := []struct {
		body string
		want int64
	}{
		{`{"max_tokens":100}`, 100},
		{`{"max_tokens_to_sample":512}`, 512},
		{`{"generationConfig":{"maxOutputTokens":64}}`, 64},
		{`{"messages":[]}`, 0},
	}
	for _, tc := range cases {
		if got := RequestedMaxTokens([]byte(tc.body)); got != tc.want {
			t.Errorf("RequestedMaxTokens(%s) = %d, want %d", tc.body, got, tc.want)
		}
	}
}
