package sse

import (
	"strings"

	"github.com/openmux/llm-relay/internal/translate"
)

// Aggregator accumulates a stream's chunks into the equivalent blocking
// response, so accounting and logging see the same shape for streamed and
// non-streamed requests.
type Aggregator struct {
	format translate.Format
	model  string

	text   strings.Builder
	finish string
	usage  translate.Usage
}

func NewAggregator(format translate.Format, model string) *Aggregator {
	return &Aggregator{format: format, model: model}
}

// Add folds one chunk into the aggregate.
func (a *Aggregator) Add(c Chunk) {
	a.text.WriteString(c.Text())
	if fr := c.FinishReason(); fr != "" {
		a.finish = fr
	}
	if c.Usage != nil {
		if c.Usage.PromptTokens > 0 {
			a.usage.PromptTokens = c.Usage.PromptTokens
		}
		if c.Usage.CompletionTokens > 0 {
			a.usage.OutputTokens = c.Usage.CompletionTokens
		}
	}
}

// Text returns the accumulated completion text.
func (a *Aggregator) Text() string { return a.text.String() }

// FinishReason returns the last finish reason seen, in the OpenAI vocabulary.
func (a *Aggregator) FinishReason() string { return a.finish }

// Usage returns any token accounting the upstream reported. Zero fields mean
// the upstream never said; the caller counts text instead.
func (a *Aggregator) Usage() translate.Usage { return a.usage }

// Body renders the aggregate as a blocking response in the client's schema.
func (a *Aggregator) Body() []byte {
	return translate.SpoofCompletion(a.format, a.model, a.text.String())
}
