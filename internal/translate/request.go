package translate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// defaultMaxTokens is used for upstreams that require an output budget when
// the client did not send one.
const defaultMaxTokens = 1024

// Message is the role/content pair shared by the chat schemas. Content is
// kept raw so string bodies and multimodal part arrays survive translation.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// openAIChatRequest mirrors the fields of POST /v1/chat/completions that the
// relay needs to re-key. Unknown fields are intentionally dropped.
type openAIChatRequest struct {
	Model               string          `json:"model"`
	Messages            []Message       `json:"messages"`
	MaxTokens           int64           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int64           `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
}

type anthropicChatRequest struct {
	Model         string    `json:"model"`
	System        string    `json:"system,omitempty"`
	Messages      []Message `json:"messages"`
	MaxTokens     int64     `json:"max_tokens"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
}

type googleAIPart struct {
	Text string `json:"text"`
}

type googleAIContent struct {
	Role  string         `json:"role,omitempty"`
	Parts []googleAIPart `json:"parts"`
}

type googleAIRequest struct {
	Contents          []googleAIContent       `json:"contents"`
	SystemInstruction *googleAIContent        `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleAIGenConfig      `json:"generationConfig,omitempty"`
	SafetySettings    []googleAISafetySetting `json:"safetySettings,omitempty"`
}

type googleAIGenConfig struct {
	MaxOutputTokens int64    `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type googleAISafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type mistralTextRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int64    `json:"max_tokens"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// TransformRequest rewrites body from one schema to another. Equal formats
// pass through untouched.
func TransformRequest(from, to Format, body []byte) ([]byte, error) {
	if from == to {
		return body, nil
	}
	// Mistral chat is OpenAI chat with a narrower parameter set; parse both
	// through the same struct.
	if from == MistralChat {
		from = OpenAIChat
	}

	switch {
	case from == OpenAIChat && to == AnthropicChat:
		return openAIChatToAnthropicChat(body)
	case from == OpenAIChat && to == GoogleAI:
		return openAIChatToGoogleAI(body)
	case from == OpenAIChat && to == MistralChat:
		return openAIChatToMistralChat(body)
	case from == OpenAIChat && to == MistralText:
		return openAIChatToMistralText(body)
	case from == AnthropicChat && to == OpenAIChat:
		return anthropicChatToOpenAIChat(body)
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrNoTransform, from, to)
}

func openAIChatToAnthropicChat(body []byte) ([]byte, error) {
	var in openAIChatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse openai chat: %w", err)
	}

	out := anthropicChatRequest{
		Model:         in.Model,
		MaxTokens:     firstPositive(in.MaxTokens, in.MaxCompletionTokens, defaultMaxTokens),
		Temperature:   in.Temperature,
		TopP:          in.TopP,
		StopSequences: stopList(in.Stop),
		Stream:        in.Stream,
	}

	var system []string
	for _, m := range in.Messages {
		if m.Role == "system" {
			system = append(system, contentText(m.Content))
			continue
		}
		out.Messages = append(out.Messages, Message{Role: m.Role, Content: m.Content})
	}
	out.System = strings.Join(system, "\n\n")

	return json.Marshal(out)
}

func anthropicChatToOpenAIChat(body []byte) ([]byte, error) {
	var in anthropicChatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse anthropic chat: %w", err)
	}

	out := openAIChatRequest{
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
	}
	if in.System != "" {
		sys, _ := json.Marshal(in.System)
		out.Messages = append(out.Messages, Message{Role: "system", Content: sys})
	}
	out.Messages = append(out.Messages, in.Messages...)
	if len(in.StopSequences) > 0 {
		stop, _ := json.Marshal(in.StopSequences)
		out.Stop = stop
	}

	return json.Marshal(out)
}

// googleAISafetyOff disables every blockable category. The relay enforces its
// own content policy before enqueueing; double filtering produces confusing
// refusals for clients.
var googleAISafetyOff = []googleAISafetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
}

func openAIChatToGoogleAI(body []byte) ([]byte, error) {
	var in openAIChatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse openai chat: %w", err)
	}

	out := googleAIRequest{
		GenerationConfig: &googleAIGenConfig{
			MaxOutputTokens: firstPositive(in.MaxTokens, in.MaxCompletionTokens, 0),
			Temperature:     in.Temperature,
			TopP:            in.TopP,
			StopSequences:   stopList(in.Stop),
		},
		SafetySettings: googleAISafetyOff,
	}

	var system []string
	for _, m := range in.Messages {
		text := contentText(m.Content)
		switch m.Role {
		case "system":
			system = append(system, text)
		case "assistant":
			out.Contents = append(out.Contents, googleAIContent{Role: "model", Parts: []googleAIPart{{Text: text}}})
		default:
			out.Contents = append(out.Contents, googleAIContent{Role: "user", Parts: []googleAIPart{{Text: text}}})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &googleAIContent{Parts: []googleAIPart{{Text: strings.Join(system, "\n\n")}}}
	}

	return json.Marshal(out)
}

func openAIChatToMistralChat(body []byte) ([]byte, error) {
	var in openAIChatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse openai chat: %w", err)
	}

	// Mistral accepts the OpenAI chat shape but rejects unknown sampling
	// fields; re-marshalling through the struct strips them. Multimodal
	// content collapses to text.
	for i, m := range in.Messages {
		text, _ := json.Marshal(contentText(m.Content))
		in.Messages[i].Content = text
	}
	in.MaxTokens = firstPositive(in.MaxTokens, in.MaxCompletionTokens, 0)
	in.MaxCompletionTokens = 0

	return json.Marshal(in)
}

// openAIChatToMistralText builds the instruction-wrapped raw prompt that the
// Bedrock Mistral models take.
func openAIChatToMistralText(body []byte) ([]byte, error) {
	var in openAIChatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse openai chat: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("<s>")
	for _, m := range in.Messages {
		text := contentText(m.Content)
		switch m.Role {
		case "assistant":
			sb.WriteString(text)
			sb.WriteString("</s>")
		default:
			sb.WriteString("[INST] ")
			sb.WriteString(text)
			sb.WriteString(" [/INST]")
		}
	}

	out := mistralTextRequest{
		Prompt:      sb.String(),
		MaxTokens:   firstPositive(in.MaxTokens, in.MaxCompletionTokens, defaultMaxTokens),
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        stopList(in.Stop),
	}
	return json.Marshal(out)
}

// contentText flattens a message content value to plain text. Multimodal
// arrays contribute their text parts; image parts are dropped here because
// vision eligibility is validated before translation runs.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var texts []string
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

// stopList normalizes OpenAI's string-or-array stop field.
func stopList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func firstPositive(vals ...int64) int64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
