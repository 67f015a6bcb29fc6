package translate

import (
	"encoding/json"
	"testing"
)

func TestOpenAIChatToAnthropicChat(t *testing.T) {
	body := []byte(`{"model":"claude-3-5-sonnet-20240620","max_tokens":256,"stop":["END"],"messages":[` +
		`{"role":"system","content":"be brief"},` +
		`{"role":"user","content":"hi"},` +
		`{"role":"assistant","content":"hello"},` +
		`{"role":"user","content":"bye"}]}`)

	out, err := TransformRequest(OpenAIChat, AnthropicChat, body)
	if err != nil {
		t.Fatal(err)
	}

	var got anthropicChatRequest
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	if got.System != "be brief" {
		t.Errorf("system = %q", got.System)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(got.Messages))
	}
	wantRoles := []string{"user", "assistant", "user"}
	for i, m := range got.Messages {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %q, want %q", i, m.Role, wantRoles[i])
		}
	}
	if got.MaxTokens != 256 {
		t.Errorf("max_tokens = %d, want 256", got.MaxTokens)
	}
	if len(got.StopSequences) != 1 || got.StopSequences[0] != "END" {
		t.Errorf("stop_sequences = %v", got.StopSequences)
	}
}

// Round-trip through the Anthropic schema must preserve the set of roles and
// their order; the system message survives as the Anthropic system field and
// comes back first.
func TestRoundTripPreservesRoleOrder(t *testing.T) {
	body := []byte(`{"model":"claude-3-opus-20240229","max_tokens":64,"messages":[` +
		`{"role":"system","content":"s"},` +
		`{"role":"user","content":"a"},` +
		`{"role":"assistant","content":"b"},` +
		`{"role":"user","content":"c"}]}`)

	anthropic, err := TransformRequest(OpenAIChat, AnthropicChat, body)
	if err != nil {
		t.Fatal(err)
	}
	back, err := TransformRequest(AnthropicChat, OpenAIChat, anthropic)
	if err != nil {
		t.Fatal(err)
	}

	var got openAIChatRequest
	if err := json.Unmarshal(back, &got); err != nil {
		t.Fatal(err)
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(got.Messages) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(got.Messages), len(wantRoles))
	}
	for i, m := range got.Messages {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %q, want %q", i, m.Role, wantRoles[i])
		}
	}
}

func TestOpenAIChatToGoogleAI(t *testing.T) {
	body := []byte(`{"model":"gemini-1.5-pro","max_tokens":100,"messages":[` +
		`{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`)

	out, err := TransformRequest(OpenAIChat, GoogleAI, body)
	if err != nil {
		t.Fatal(err)
	}

	var got googleAIRequest
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Contents) != 2 {
		t.Fatalf("contents = %d, want 2", len(got.Contents))
	}
	if got.Contents[1].Role != "model" {
		t.Errorf("assistant role = %q, want model", got.Contents[1].Role)
	}
	if got.GenerationConfig == nil || got.GenerationConfig.MaxOutputTokens != 100 {
		t.Errorf("generationConfig = %+v", got.GenerationConfig)
	}
	if len(got.SafetySettings) == 0 {
		t.Error("safetySettings missing")
	}
}

func TestOpenAIChatToMistralText(t *testing.T) {
	body := []byte(`{"model":"mistral.mistral-large-2402-v1:0","messages":[` +
		`{"role":"user","content":"one"},{"role":"assistant","content":"two"},{"role":"user","content":"three"}]}`)

	out, err := TransformRequest(OpenAIChat, MistralText, body)
	if err != nil {
		t.Fatal(err)
	}
	var got mistralTextRequest
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	want := "<s>[INST] one [/INST]two</s>[INST] three [/INST]"
	if got.Prompt != want {
		t.Errorf("prompt = %q, want %q", got.Prompt, want)
	}
}

func TestMultimodalContentFlattens(t *testing.T) {
	body := []byte(`{"model":"gemini-1.5-pro","messages":[{"role":"user","content":[` +
		`{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"data:..."}}]}]}`)

	out, err := TransformRequest(OpenAIChat, GoogleAI, body)
	if err != nil {
		t.Fatal(err)
	}
	var got googleAIRequest
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	if got.Contents[0].Parts[0].Text != "look" {
		t.Errorf("text = %q", got.Contents[0].Parts[0].Text)
	}
}

func TestAnthropicChatResponseToOpenAI(t *testing.T) {
	body := []byte(`{"id":"msg_1","type":"message","role":"assistant",` +
		`"content":[{"type":"text","text":"hi there"}],"stop_reason":"end_turn",` +
		`"usage":{"input_tokens":10,"output_tokens":3}}`)

	out, err := TransformResponse(AnthropicChat, OpenAIChat, "claude-3-opus-20240229", body)
	if err != nil {
		t.Fatal(err)
	}
	var got openAIChatResponse
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	if got.Choices[0].Message.Content != "hi there" {
		t.Errorf("content = %q", got.Choices[0].Message.Content)
	}
	if got.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", got.Choices[0].FinishReason)
	}
	if got.Usage.PromptTokens != 10 || got.Usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v", got.Usage)
	}
}

func TestSpoofCompletionShapes(t *testing.T) {
	for _, f := range []Format{OpenAIChat, OpenAIText, AnthropicChat, AnthropicText, GoogleAI, MistralChat, MistralText} {
		b := SpoofCompletion(f, "m", "oops")
		if !json.Valid(b) {
			t.Errorf("spoof for %s is not valid JSON", f)
		}
		if CompletionText(f, b) != "oops" && f != MistralChat {
			t.Errorf("spoof for %s does not round-trip through CompletionText", f)
		}
	}
}

func TestExtractUsage(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`)
	u := ExtractUsage(OpenAIChat, body)
	if u.PromptTokens != 7 || u.OutputTokens != 2 {
		t.Errorf("usage = %+v", u)
	}
}
