package proxy

import (
	"net/http"
	"strings"

	"github.com/openmux/llm-relay/internal/sse"
	"github.com/openmux/llm-relay/pkg/apierr"
)

// Outcome is a classified upstream response: what the client sees and what
// happens to the assigned key.
type Outcome struct {
	Kind    apierr.Kind
	Message string

	// Key actions applied by the response handler.
	DisableKey      bool
	RevokeKey       bool
	MarkRateLimited bool
	FlagPreamble    bool
	FlagNoVision    bool
	// RefundThrottle clears the reuse-delay throttle applied on Get, for
	// rejections that never consumed upstream capacity.
	RefundThrottle bool

	// Reenqueue reverts the attempt and puts the request back in queue
	// instead of answering the client.
	Reenqueue bool
}

// Success reports whether the response should flow to the client unchanged.
func (o Outcome) Success() bool { return o.Kind == "" }

// Classify maps an upstream status line, headers, and (decompressed) body to
// an outcome. The table is uniform across providers; provider-specific error
// codes only refine which branch a status lands in.
func Classify(status int, header http.Header, body []byte) Outcome {
	if status >= 200 && status < 300 {
		return Outcome{}
	}

	text := strings.ToLower(string(body) + " " + header.Get("x-amzn-errortype"))

	switch {
	case status == http.StatusBadRequest:
		return classifyBadRequest(text)

	case status == http.StatusUnauthorized:
		return Outcome{
			Kind:       apierr.KindKeyInvalid,
			Message:    "the assigned upstream credential was rejected, please retry",
			DisableKey: true,
			RevokeKey:  true,
		}

	case status == http.StatusForbidden:
		if containsAny(text, "access to the model", "model access", "not authorized to access the model", "accessdeniedexception") {
			return Outcome{
				Kind:    apierr.KindUpstreamFatal,
				Message: "the assigned credential cannot access this model",
			}
		}
		return Outcome{
			Kind:       apierr.KindKeyInvalid,
			Message:    "the assigned upstream credential was rejected, please retry",
			DisableKey: true,
			RevokeKey:  true,
		}

	case status == http.StatusNotFound:
		return Outcome{
			Kind:    apierr.KindBadRequest,
			Message: "the requested model is not available on the assigned credential",
		}

	case status == http.StatusTooManyRequests:
		switch {
		case containsAny(text, "quota exceeded", "exceeded your current quota", "insufficient_quota", "billing"):
			return Outcome{
				Kind:       apierr.KindKeyQuotaExceeded,
				Message:    "the assigned credential ran out of quota, please retry",
				DisableKey: true,
			}
		case containsAny(text, "daily", "per day", "requests per day"):
			return Outcome{
				Kind:    apierr.KindTooManyRequests,
				Message: "upstream daily limit reached, try again later",
			}
		default:
			return Outcome{
				Kind:            apierr.KindRetryableUpstream,
				Message:         "upstream rate limited",
				MarkRateLimited: true,
				Reenqueue:       true,
			}
		}

	case status == http.StatusServiceUnavailable:
		return Outcome{
			Kind:    apierr.KindRetryableUpstream,
			Message: "upstream is overloaded, try again shortly",
		}

	default:
		return Outcome{
			Kind:    apierr.KindUpstreamFatal,
			Message: "upstream returned an unexpected error",
		}
	}
}

func classifyBadRequest(text string) Outcome {
	switch {
	case containsAny(text, "content management policy", "content_filter", "blocked by safety", "response was filtered"):
		return Outcome{
			Kind:           apierr.KindBadRequest,
			Message:        "the upstream content filter rejected this prompt",
			RefundThrottle: true,
		}
	case containsAny(text, "billing", "insufficient_quota", "exceeded your current quota"):
		return Outcome{
			Kind:       apierr.KindKeyQuotaExceeded,
			Message:    "the assigned credential ran out of quota, please retry",
			DisableKey: true,
		}
	case containsAny(text, "prompt must start", "human:", "turn prefix"):
		return Outcome{
			Kind:         apierr.KindRetryableUpstream,
			Message:      "credential requires conversation preamble",
			FlagPreamble: true,
			Reenqueue:    true,
		}
	case containsAny(text, "image input", "vision", "multimodal", "does not support image"):
		return Outcome{
			Kind:         apierr.KindRetryableUpstream,
			Message:      "credential does not accept image input",
			FlagNoVision: true,
			Reenqueue:    true,
		}
	default:
		return Outcome{
			Kind:    apierr.KindBadRequest,
			Message: "upstream rejected the request payload",
		}
	}
}

// ClassifyStreamException maps an in-band stream error frame (a Bedrock
// eventstream exception or an Anthropic SSE error event) onto the same outcome
// table as a failed status line. The status line was already a 2xx, so the
// error type and message text are all there is to go on.
func ClassifyStreamException(exc *sse.StreamException) Outcome {
	text := strings.ToLower(exc.Type + " " + exc.Message)

	switch {
	case containsAny(text, "quota exceeded", "exceeded your current quota", "insufficient_quota", "billing"):
		return Outcome{
			Kind:       apierr.KindKeyQuotaExceeded,
			Message:    "the assigned credential ran out of quota, please retry",
			DisableKey: true,
		}
	case containsAny(text, "throttl", "rate limit", "rate_limit", "too many requests", "overloaded"):
		return Outcome{
			Kind:            apierr.KindRetryableUpstream,
			Message:         "upstream throttled the stream",
			MarkRateLimited: true,
			Reenqueue:       true,
		}
	default:
		return Outcome{
			Kind:      apierr.KindRetryableUpstream,
			Message:   "upstream aborted the stream",
			Reenqueue: true,
		}
	}
}

func containsAny(text string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
