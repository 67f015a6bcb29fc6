// Package sse implements the streaming pipeline: decoding upstream event
// streams, adapting provider chunks into a uniform internal model, re-encoding
// them for the client's schema, and aggregating a final response body for
// post-stream accounting.
//
// The internal event model is the OpenAI chat completion chunk. Every
// upstream adapter targets it and every client encoder starts from it, so
// format support costs one adapter plus one encoder instead of a transformer
// per pair.
package sse

// Chunk is the internal streaming event model.
type Chunk struct {
	ID      string        `json:"id,omitempty"`
	Object  string        `json:"object,omitempty"`
	Created int64         `json:"created,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []ChunkChoice `json:"choices,omitempty"`
	Usage   *ChunkUsage   `json:"usage,omitempty"`
}

// ChunkChoice carries one delta. The relay only propagates choice 0; n>1 is
// not offered to clients.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental message payload.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkUsage mirrors the OpenAI usage block on final chunks.
type ChunkUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Text returns the content delta of the first choice, if any.
func (c *Chunk) Text() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// FinishReason returns the first choice's finish reason, or "".
func (c *Chunk) FinishReason() string {
	if len(c.Choices) == 0 || c.Choices[0].FinishReason == nil {
		return ""
	}
	return *c.Choices[0].FinishReason
}

func strPtr(s string) *string { return &s }

// TextChunk builds a content-delta chunk.
func TextChunk(text string) Chunk {
	return Chunk{
		Object:  "chat.completion.chunk",
		Choices: []ChunkChoice{{Delta: Delta{Content: text}}},
	}
}

// FinishChunk builds a finish-reason chunk.
func FinishChunk(reason string) Chunk {
	return Chunk{
		Object:  "chat.completion.chunk",
		Choices: []ChunkChoice{{FinishReason: strPtr(reason)}},
	}
}
