package proxy

import (
	"github.com/valyala/fasthttp"

	"github.com/openmux/llm-relay/internal/sse"
	"github.com/openmux/llm-relay/internal/translate"
	"github.com/openmux/llm-relay/pkg/apierr"
)

// writeRelayError answers a request that never produced an upstream response.
// Client-fault kinds get the plain error envelope; relay and upstream faults
// are rendered as completion envelopes in the client's schema so chat
// frontends display the message inline instead of swallowing an unfamiliar
// error shape.
func writeRelayError(ctx *fasthttp.RequestCtx, format translate.Format, model string, err *apierr.Error) {
	switch err.Kind {
	case apierr.KindBadRequest, apierr.KindForbidden, apierr.KindTooManyRequests, apierr.KindClientAborted:
		apierr.WriteKind(ctx, err)
		return
	}

	if format == "" || model == "" {
		apierr.WriteKind(ctx, err)
		return
	}

	ctx.SetStatusCode(err.Kind.Status())
	ctx.SetContentType("application/json")
	ctx.SetBody(translate.SpoofCompletion(format, model, relayErrorText(err)))
}

// streamError delivers an error to a client whose SSE response already
// started: a spoofed text event with the message, a stop, and the schema's
// terminator.
func streamError(emit func([]byte) error, format translate.Format, model string, err *apierr.Error) {
	encoder, encErr := sse.NewEncoder(format, model)
	if encErr != nil {
		return
	}
	if frame := encoder.Encode(sse.TextChunk(relayErrorText(err))); len(frame) > 0 {
		if emit(frame) != nil {
			return
		}
	}
	if frame := encoder.Encode(sse.FinishChunk("stop")); len(frame) > 0 {
		if emit(frame) != nil {
			return
		}
	}
	if tail := encoder.Done(); len(tail) > 0 {
		_ = emit(tail)
	}
}

func relayErrorText(err *apierr.Error) string {
	return "[relay error: " + err.Message + "]"
}
