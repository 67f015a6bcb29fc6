package translate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Usage is the token accounting extracted from an upstream response.
type Usage struct {
	PromptTokens int64
	OutputTokens int64
}

type openAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type anthropicChatResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Role       string `json:"role"`
	Model      string `json:"model"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type googleAIResponse struct {
	Candidates []struct {
		Content struct {
			Parts []googleAIPart `json:"parts"`
			Role  string         `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type mistralTextResponse struct {
	Outputs []struct {
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"outputs"`
}

// TransformResponse rewrites a blocking upstream response from the upstream
// schema into the client's schema. Equal formats pass through untouched.
func TransformResponse(from, to Format, model string, body []byte) ([]byte, error) {
	if from == to {
		return body, nil
	}
	if to == MistralChat {
		to = OpenAIChat
	}

	switch {
	case from == AnthropicChat && to == OpenAIChat:
		return anthropicChatRespToOpenAI(model, body)
	case from == GoogleAI && to == OpenAIChat:
		return googleAIRespToOpenAI(model, body)
	case from == MistralText && to == OpenAIChat:
		return mistralTextRespToOpenAI(model, body)
	}
	return nil, fmt.Errorf("%w: response %s -> %s", ErrNoTransform, from, to)
}

// ExtractUsage reads the token accounting of a blocking response in the given
// upstream schema. Missing usage blocks report zeros; the caller falls back
// to counting the text itself.
func ExtractUsage(from Format, body []byte) Usage {
	switch from {
	case AnthropicChat:
		var r anthropicChatResponse
		if json.Unmarshal(body, &r) == nil {
			return Usage{PromptTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens}
		}
	case GoogleAI:
		var r googleAIResponse
		if json.Unmarshal(body, &r) == nil {
			return Usage{PromptTokens: r.UsageMetadata.PromptTokenCount, OutputTokens: r.UsageMetadata.CandidatesTokenCount}
		}
	case OpenAIChat, OpenAIText, MistralChat:
		var r struct {
			Usage openAIUsage `json:"usage"`
		}
		if json.Unmarshal(body, &r) == nil {
			return Usage{PromptTokens: r.Usage.PromptTokens, OutputTokens: r.Usage.CompletionTokens}
		}
	}
	return Usage{}
}

// CompletionText pulls the assistant text out of a blocking response body in
// the given schema, for output-token counting when no usage block exists.
func CompletionText(from Format, body []byte) string {
	switch from {
	case AnthropicChat:
		var r anthropicChatResponse
		if json.Unmarshal(body, &r) == nil && len(r.Content) > 0 {
			return r.Content[0].Text
		}
	case AnthropicText:
		var r struct {
			Completion string `json:"completion"`
		}
		if json.Unmarshal(body, &r) == nil {
			return r.Completion
		}
	case GoogleAI:
		var r googleAIResponse
		if json.Unmarshal(body, &r) == nil && len(r.Candidates) > 0 && len(r.Candidates[0].Content.Parts) > 0 {
			return r.Candidates[0].Content.Parts[0].Text
		}
	case MistralText:
		var r mistralTextResponse
		if json.Unmarshal(body, &r) == nil && len(r.Outputs) > 0 {
			return r.Outputs[0].Text
		}
	default:
		var r openAIChatResponse
		if json.Unmarshal(body, &r) == nil && len(r.Choices) > 0 {
			return r.Choices[0].Message.Content
		}
	}
	return ""
}

func anthropicChatRespToOpenAI(model string, body []byte) ([]byte, error) {
	var in anthropicChatResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse anthropic response: %w", err)
	}

	var text string
	for _, block := range in.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	out := openAIChatResponse{
		ID:      in.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openAIChoice{{
			Message:      openAIMessage{Role: "assistant", Content: text},
			FinishReason: FinishReasonToOpenAI(in.StopReason),
		}},
		Usage: &openAIUsage{
			PromptTokens:     in.Usage.InputTokens,
			CompletionTokens: in.Usage.OutputTokens,
			TotalTokens:      in.Usage.InputTokens + in.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}

func googleAIRespToOpenAI(model string, body []byte) ([]byte, error) {
	var in googleAIResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse google ai response: %w", err)
	}

	var text, finish string
	if len(in.Candidates) > 0 {
		for _, p := range in.Candidates[0].Content.Parts {
			text += p.Text
		}
		finish = FinishReasonToOpenAI(in.Candidates[0].FinishReason)
	}

	out := openAIChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openAIChoice{{
			Message:      openAIMessage{Role: "assistant", Content: text},
			FinishReason: finish,
		}},
		Usage: &openAIUsage{
			PromptTokens:     in.UsageMetadata.PromptTokenCount,
			CompletionTokens: in.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      in.UsageMetadata.PromptTokenCount + in.UsageMetadata.CandidatesTokenCount,
		},
	}
	return json.Marshal(out)
}

func mistralTextRespToOpenAI(model string, body []byte) ([]byte, error) {
	var in mistralTextResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse mistral text response: %w", err)
	}

	var text, finish string
	if len(in.Outputs) > 0 {
		text = in.Outputs[0].Text
		finish = FinishReasonToOpenAI(in.Outputs[0].StopReason)
	}

	out := openAIChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openAIChoice{{
			Message:      openAIMessage{Role: "assistant", Content: text},
			FinishReason: finish,
		}},
	}
	return json.Marshal(out)
}

// SpoofCompletion renders msg as a completion envelope in the client's
// schema, so chat frontends display relay errors in-line instead of failing
// silently on an unexpected error shape.
func SpoofCompletion(format Format, model, msg string) []byte {
	switch format {
	case AnthropicChat:
		out := map[string]any{
			"id":    "msg_" + uuid.NewString(),
			"type":  "message",
			"role":  "assistant",
			"model": model,
			"content": []map[string]string{
				{"type": "text", "text": msg},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 0, "output_tokens": 0},
		}
		b, _ := json.Marshal(out)
		return b
	case AnthropicText:
		b, _ := json.Marshal(map[string]string{
			"completion":  msg,
			"stop_reason": "stop_sequence",
		})
		return b
	case GoogleAI:
		out := map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": msg}},
				},
				"finishReason": "STOP",
				"index":        0,
			}},
		}
		b, _ := json.Marshal(out)
		return b
	case OpenAIText:
		out := map[string]any{
			"id":      "cmpl-" + uuid.NewString(),
			"object":  "text_completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"text":          msg,
				"finish_reason": "stop",
			}},
		}
		b, _ := json.Marshal(out)
		return b
	case MistralText:
		b, _ := json.Marshal(map[string]any{
			"outputs": []map[string]string{{"text": msg, "stop_reason": "stop"}},
		})
		return b
	default:
		out := openAIChatResponse{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []openAIChoice{{
				Message:      openAIMessage{Role: "assistant", Content: msg},
				FinishReason: "stop",
			}},
			Usage: &openAIUsage{},
		}
		b, _ := json.Marshal(out)
		return b
	}
}
