package sse

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/openmux/llm-relay/internal/translate"
)

// Adapter converts one upstream event payload into internal chunks. done
// reports the upstream's explicit end-of-stream marker; streams without one
// end at decoder EOF.
type Adapter interface {
	Adapt(ev Event) (chunks []Chunk, done bool, err error)
}

// NewAdapter returns the adapter for an upstream format.
func NewAdapter(format translate.Format) (Adapter, error) {
	switch format {
	case translate.OpenAIChat, translate.OpenAIText, translate.MistralChat:
		return &openAIAdapter{}, nil
	case translate.AnthropicChat:
		return &anthropicChatAdapter{}, nil
	case translate.AnthropicText:
		return &anthropicTextAdapter{}, nil
	case translate.GoogleAI:
		return &googleAIAdapter{}, nil
	case translate.MistralText:
		return &mistralTextAdapter{}, nil
	}
	return nil, fmt.Errorf("sse: no adapter for format %s", format)
}

var doneMarker = []byte("[DONE]")

// openAIAdapter passes OpenAI-shaped chunks through. Mistral chat streams
// are the same shape.
type openAIAdapter struct{}

func (*openAIAdapter) Adapt(ev Event) ([]Chunk, bool, error) {
	if bytes.Equal(bytes.TrimSpace(ev.Data), doneMarker) {
		return nil, true, nil
	}
	var c Chunk
	if err := json.Unmarshal(ev.Data, &c); err != nil {
		return nil, false, fmt.Errorf("sse: parse openai chunk: %w", err)
	}
	return []Chunk{c}, false, nil
}

// anthropicChatAdapter synthesizes OpenAI chunks from the Anthropic messages
// event sequence.
type anthropicChatAdapter struct {
	started bool
}

func (a *anthropicChatAdapter) Adapt(ev Event) ([]Chunk, bool, error) {
	var payload struct {
		Type    string `json:"type"`
		Message struct {
			Role  string `json:"role"`
			Usage struct {
				InputTokens int64 `json:"input_tokens"`
			} `json:"usage"`
		} `json:"message"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage struct {
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return nil, false, fmt.Errorf("sse: parse anthropic event: %w", err)
	}

	switch payload.Type {
	case "message_start":
		a.started = true
		c := Chunk{
			Object:  "chat.completion.chunk",
			Choices: []ChunkChoice{{Delta: Delta{Role: payload.Message.Role}}},
		}
		if payload.Message.Usage.InputTokens > 0 {
			c.Usage = &ChunkUsage{PromptTokens: payload.Message.Usage.InputTokens}
		}
		return []Chunk{c}, false, nil
	case "content_block_delta":
		if payload.Delta.Type == "text_delta" && payload.Delta.Text != "" {
			return []Chunk{TextChunk(payload.Delta.Text)}, false, nil
		}
		return nil, false, nil
	case "message_delta":
		var out []Chunk
		if payload.Delta.StopReason != "" {
			out = append(out, FinishChunk(translate.FinishReasonToOpenAI(payload.Delta.StopReason)))
		}
		if payload.Usage.OutputTokens > 0 {
			out = append(out, Chunk{
				Object: "chat.completion.chunk",
				Usage:  &ChunkUsage{CompletionTokens: payload.Usage.OutputTokens},
			})
		}
		return out, false, nil
	case "message_stop":
		return nil, true, nil
	case "error":
		var e struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(ev.Data, &e)
		return nil, false, &StreamException{Type: e.Error.Type, Message: e.Error.Message}
	}
	// ping, content_block_start, content_block_stop carry no content.
	return nil, false, nil
}

// anthropicTextAdapter handles the legacy v1/complete stream.
type anthropicTextAdapter struct{}

func (*anthropicTextAdapter) Adapt(ev Event) ([]Chunk, bool, error) {
	var payload struct {
		Type       string `json:"type"`
		Completion string `json:"completion"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return nil, false, fmt.Errorf("sse: parse anthropic completion event: %w", err)
	}
	if payload.Type == "error" {
		return nil, false, &StreamException{Type: "error", Message: string(ev.Data)}
	}

	var out []Chunk
	if payload.Completion != "" {
		out = append(out, TextChunk(payload.Completion))
	}
	if payload.StopReason != "" {
		out = append(out, FinishChunk(translate.FinishReasonToOpenAI(payload.StopReason)))
		return out, true, nil
	}
	return out, false, nil
}

// googleAIAdapter extracts the first candidate's text parts.
type googleAIAdapter struct{}

func (*googleAIAdapter) Adapt(ev Event) ([]Chunk, bool, error) {
	var payload struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return nil, false, fmt.Errorf("sse: parse google ai chunk: %w", err)
	}
	if len(payload.Candidates) == 0 {
		return nil, false, nil
	}

	var out []Chunk
	for _, p := range payload.Candidates[0].Content.Parts {
		if p.Text != "" {
			out = append(out, TextChunk(p.Text))
		}
	}
	if fr := payload.Candidates[0].FinishReason; fr != "" {
		out = append(out, FinishChunk(translate.FinishReasonToOpenAI(fr)))
		if payload.UsageMetadata.CandidatesTokenCount > 0 {
			out = append(out, Chunk{
				Object: "chat.completion.chunk",
				Usage: &ChunkUsage{
					PromptTokens:     payload.UsageMetadata.PromptTokenCount,
					CompletionTokens: payload.UsageMetadata.CandidatesTokenCount,
				},
			})
		}
	}
	return out, false, nil
}

// mistralTextAdapter handles Bedrock Mistral raw-completion chunks.
type mistralTextAdapter struct{}

func (*mistralTextAdapter) Adapt(ev Event) ([]Chunk, bool, error) {
	var payload struct {
		Outputs []struct {
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return nil, false, fmt.Errorf("sse: parse mistral text chunk: %w", err)
	}
	if len(payload.Outputs) == 0 {
		return nil, false, nil
	}

	var out []Chunk
	if text := payload.Outputs[0].Text; text != "" {
		out = append(out, TextChunk(text))
	}
	if sr := payload.Outputs[0].StopReason; sr != "" {
		out = append(out, FinishChunk(translate.FinishReasonToOpenAI(sr)))
	}
	return out, false, nil
}
