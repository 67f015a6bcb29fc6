package sse

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openmux/llm-relay/internal/translate"
)

// Encoder renders internal chunks as wire frames in the client's schema.
// Encode may emit zero or more frames per chunk; Done emits the trailing
// frames the schema requires.
type Encoder interface {
	Encode(c Chunk) []byte
	Done() []byte
}

// NewEncoder returns the encoder for a client format. The model name is
// stamped onto synthesized envelopes.
func NewEncoder(format translate.Format, model string) (Encoder, error) {
	switch format {
	case translate.OpenAIChat, translate.MistralChat:
		return &openAIEncoder{id: "chatcmpl-" + uuid.NewString(), model: model}, nil
	case translate.OpenAIText:
		return &openAITextEncoder{id: "cmpl-" + uuid.NewString(), model: model}, nil
	case translate.AnthropicChat:
		return &anthropicChatEncoder{id: "msg_" + uuid.NewString(), model: model}, nil
	case translate.AnthropicText:
		return &anthropicTextEncoder{}, nil
	case translate.GoogleAI:
		return &googleAIEncoder{}, nil
	case translate.MistralText:
		return &mistralTextEncoder{}, nil
	}
	return nil, fmt.Errorf("sse: no encoder for format %s", format)
}

func dataFrame(v any) []byte {
	b, _ := json.Marshal(v)
	return append(append([]byte("data: "), b...), '\n', '\n')
}

func eventFrame(name string, v any) []byte {
	b, _ := json.Marshal(v)
	out := append([]byte("event: "), name...)
	out = append(out, '\n')
	out = append(out, "data: "...)
	out = append(out, b...)
	return append(out, '\n', '\n')
}

// openAIEncoder emits chat completion chunks with a stream-constant id and
// the [DONE] sentinel.
type openAIEncoder struct {
	id      string
	model   string
	created int64
}

func (e *openAIEncoder) Encode(c Chunk) []byte {
	if e.created == 0 {
		e.created = time.Now().Unix()
	}
	c.ID = e.id
	c.Object = "chat.completion.chunk"
	c.Created = e.created
	c.Model = e.model
	if len(c.Choices) == 0 && c.Usage == nil {
		return nil
	}
	return dataFrame(c)
}

func (e *openAIEncoder) Done() []byte {
	return []byte("data: [DONE]\n\n")
}

// openAITextEncoder renders the legacy completions stream shape.
type openAITextEncoder struct {
	id      string
	model   string
	created int64
}

func (e *openAITextEncoder) Encode(c Chunk) []byte {
	if e.created == 0 {
		e.created = time.Now().Unix()
	}
	text := c.Text()
	finish := c.FinishReason()
	if text == "" && finish == "" {
		return nil
	}
	choice := map[string]any{"index": 0, "text": text}
	if finish != "" {
		choice["finish_reason"] = finish
	} else {
		choice["finish_reason"] = nil
	}
	return dataFrame(map[string]any{
		"id":      e.id,
		"object":  "text_completion",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]any{choice},
	})
}

func (e *openAITextEncoder) Done() []byte {
	return []byte("data: [DONE]\n\n")
}

// anthropicChatEncoder replays the Anthropic messages event sequence:
// message_start, one content block, message_delta with the stop reason, then
// message_stop.
type anthropicChatEncoder struct {
	id           string
	model        string
	started      bool
	blockOpen    bool
	stopReason   string
	inputTokens  int64
	outputTokens int64
}

func (e *anthropicChatEncoder) start() []byte {
	e.started = true
	return eventFrame("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            e.id,
			"type":          "message",
			"role":          "assistant",
			"model":         e.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int64{"input_tokens": e.inputTokens, "output_tokens": 0},
		},
	})
}

func (e *anthropicChatEncoder) Encode(c Chunk) []byte {
	if c.Usage != nil {
		if c.Usage.PromptTokens > 0 {
			e.inputTokens = c.Usage.PromptTokens
		}
		if c.Usage.CompletionTokens > 0 {
			e.outputTokens = c.Usage.CompletionTokens
		}
	}

	var out []byte
	if !e.started {
		out = e.start()
	}

	if text := c.Text(); text != "" {
		if !e.blockOpen {
			e.blockOpen = true
			out = append(out, eventFrame("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         0,
				"content_block": map[string]string{"type": "text", "text": ""},
			})...)
		}
		out = append(out, eventFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": text},
		})...)
	}

	if finish := c.FinishReason(); finish != "" {
		e.stopReason = translate.FinishReasonToAnthropic(finish)
	}
	return out
}

func (e *anthropicChatEncoder) Done() []byte {
	var out []byte
	if !e.started {
		out = e.start()
	}
	if e.blockOpen {
		out = append(out, eventFrame("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": 0,
		})...)
	}
	stop := e.stopReason
	if stop == "" {
		stop = "end_turn"
	}
	out = append(out, eventFrame("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stop, "stop_sequence": nil},
		"usage": map[string]int64{"output_tokens": e.outputTokens},
	})...)
	return append(out, eventFrame("message_stop", map[string]any{"type": "message_stop"})...)
}

// anthropicTextEncoder renders the legacy v1/complete stream.
type anthropicTextEncoder struct {
	stopped bool
}

func (e *anthropicTextEncoder) Encode(c Chunk) []byte {
	if e.stopped {
		return nil
	}
	if finish := c.FinishReason(); finish != "" {
		e.stopped = true
		return eventFrame("completion", map[string]any{
			"type":        "completion",
			"completion":  c.Text(),
			"stop_reason": translate.FinishReasonToAnthropic(finish),
		})
	}
	if text := c.Text(); text != "" {
		return eventFrame("completion", map[string]any{
			"type":        "completion",
			"completion":  text,
			"stop_reason": nil,
		})
	}
	return nil
}

func (e *anthropicTextEncoder) Done() []byte {
	if e.stopped {
		return nil
	}
	e.stopped = true
	return eventFrame("completion", map[string]any{
		"type":        "completion",
		"completion":  "",
		"stop_reason": "stop_sequence",
	})
}

// googleAIEncoder renders streamGenerateContent?alt=sse frames.
type googleAIEncoder struct{}

func (*googleAIEncoder) Encode(c Chunk) []byte {
	text := c.Text()
	finish := c.FinishReason()
	if text == "" && finish == "" {
		return nil
	}
	cand := map[string]any{
		"content": map[string]any{
			"role":  "model",
			"parts": []map[string]string{{"text": text}},
		},
		"index": 0,
	}
	if finish == "length" {
		cand["finishReason"] = "MAX_TOKENS"
	} else if finish != "" {
		cand["finishReason"] = "STOP"
	}
	return dataFrame(map[string]any{"candidates": []map[string]any{cand}})
}

func (*googleAIEncoder) Done() []byte { return nil }

// mistralTextEncoder renders Bedrock Mistral raw-completion chunks.
type mistralTextEncoder struct{}

func (*mistralTextEncoder) Encode(c Chunk) []byte {
	text := c.Text()
	finish := c.FinishReason()
	if text == "" && finish == "" {
		return nil
	}
	out := map[string]any{"text": text}
	if finish != "" {
		out["stop_reason"] = finish
	} else {
		out["stop_reason"] = nil
	}
	return dataFrame(map[string]any{"outputs": []map[string]any{out}})
}

func (*mistralTextEncoder) Done() []byte { return nil }
