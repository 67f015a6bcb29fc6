// Package tokens counts prompt tokens before a request is enqueued. OpenAI
// and Azure families use the real tiktoken vocabularies; everything else uses
// a characters-per-token heuristic, which is what the upstreams themselves
// recommend for sizing when no tokenizer is published.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/gjson"

	"github.com/openmux/llm-relay/internal/models"
)

const (
	// heuristicCharsPerToken approximates Claude/Gemini/Mistral tokenizers.
	heuristicCharsPerToken = 4

	// messageOverhead covers the per-message framing tokens in chat formats.
	messageOverhead = 4

	fallbackEncoding = "cl100k_base"
)

// Counter resolves tiktoken encodings lazily and caches them per model.
// Safe for concurrent use.
type Counter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// CountText counts tokens in a single string for the given service and model.
func (c *Counter) CountText(svc models.Service, model, text string) int64 {
	if text == "" {
		return 0
	}
	if svc == models.OpenAI || svc == models.Azure {
		if enc := c.encoding(model); enc != nil {
			return int64(len(enc.Encode(text, nil, nil)))
		}
	}
	n := int64(len(text)) / heuristicCharsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// CountBody counts the prompt tokens of a request payload. It understands the
// three prompt shapes the relay accepts: OpenAI/Anthropic/Mistral "messages"
// arrays, Google AI "contents", and bare "prompt" strings.
func (c *Counter) CountBody(svc models.Service, model string, body []byte) int64 {
	var total int64

	if msgs := gjson.GetBytes(body, "messages"); msgs.IsArray() {
		msgs.ForEach(func(_, m gjson.Result) bool {
			total += messageOverhead
			total += c.countContent(svc, model, m.Get("content"))
			return true
		})
	}
	if system := gjson.GetBytes(body, "system"); system.Exists() {
		total += c.countContent(svc, model, system)
	}
	if contents := gjson.GetBytes(body, "contents"); contents.IsArray() {
		contents.ForEach(func(_, content gjson.Result) bool {
			content.Get("parts").ForEach(func(_, part gjson.Result) bool {
				total += c.CountText(svc, model, part.Get("text").String())
				return true
			})
			return true
		})
	}
	if prompt := gjson.GetBytes(body, "prompt"); prompt.Type == gjson.String {
		total += c.CountText(svc, model, prompt.String())
	}

	return total
}

// RequestedMaxTokens reads the caller's requested output budget from any of
// the accepted schemas. Zero means the request did not set one.
func RequestedMaxTokens(body []byte) int64 {
	for _, path := range []string{
		"max_tokens",
		"max_completion_tokens",
		"max_tokens_to_sample",
		"generationConfig.maxOutputTokens",
	} {
		if v := gjson.GetBytes(body, path); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

// countContent handles both plain-string content and multimodal part arrays.
// Image parts are charged a flat block; only their metadata is visible here.
func (c *Counter) countContent(svc models.Service, model string, content gjson.Result) int64 {
	const imageTokens = 768

	switch {
	case content.Type == gjson.String:
		return c.CountText(svc, model, content.String())
	case content.IsArray():
		var total int64
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "image_url", "image":
				total += imageTokens
			default:
				total += c.CountText(svc, model, part.Get("text").String())
			}
			return true
		})
		return total
	}
	return 0
}

func (c *Counter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil
		}
	}
	c.encodings[model] = enc
	return enc
}
