// Package translate converts request and response payloads between the API
// schemas the relay speaks. Each schema is a Format; transforms are total
// functions between the known variants, with unknown fields dropped rather
// than guessed at.
package translate

import "fmt"

// Format identifies one request/response schema at either end of the relay.
type Format string

const (
	OpenAIChat    Format = "openai-chat"
	OpenAIText    Format = "openai-text"
	OpenAIImage   Format = "openai-image"
	AnthropicChat Format = "anthropic-chat"
	AnthropicText Format = "anthropic-text"
	GoogleAI      Format = "google-ai"
	MistralChat   Format = "mistral-chat"
	MistralText   Format = "mistral-text"
)

// ErrNoTransform is wrapped by TransformRequest for unsupported pairs.
var ErrNoTransform = fmt.Errorf("translate: no transform for format pair")

// stopReasonToOpenAI maps provider finish reasons onto the OpenAI vocabulary.
var stopReasonToOpenAI = map[string]string{
	// Anthropic
	"end_turn":      "stop",
	"stop_sequence": "stop",
	"max_tokens":    "length",
	// Google AI
	"STOP":       "stop",
	"MAX_TOKENS": "length",
	"SAFETY":     "content_filter",
	"RECITATION": "content_filter",
	// Mistral and OpenAI use the OpenAI vocabulary already.
	"stop":           "stop",
	"length":         "length",
	"model_length":   "length",
	"content_filter": "content_filter",
	"tool_calls":     "tool_calls",
}

// FinishReasonToOpenAI normalizes any provider stop reason. Unknown reasons
// pass through unchanged so forward-compatible values are not destroyed.
func FinishReasonToOpenAI(reason string) string {
	if mapped, ok := stopReasonToOpenAI[reason]; ok {
		return mapped
	}
	return reason
}

// FinishReasonToAnthropic is the inverse direction for responses rendered in
// the Anthropic schema.
func FinishReasonToAnthropic(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return "end_turn"
	}
}
