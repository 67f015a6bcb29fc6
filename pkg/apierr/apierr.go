// Package apierr provides the relay's error taxonomy, the OpenAI-compatible
// error envelope, and HTTP status mapping.
package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind enumerates every failure class the relay distinguishes. The kind fixes
// both the HTTP status and whether the request is retried internally.
type Kind string

const (
	// KindBadRequest is a client schema violation, surfaced immediately.
	KindBadRequest Kind = "bad_request"
	// KindForbidden is a policy rejection: blocked origin, disallowed family.
	KindForbidden Kind = "forbidden"
	// KindTooManyRequests is the per-identity queue concurrency limit.
	KindTooManyRequests Kind = "too_many_requests"
	// KindNoKeyAvailable means every enabled credential in the family is
	// exhausted; surfaced as payment-required.
	KindNoKeyAvailable Kind = "no_key_available"
	// KindRetryableUpstream is a transient upstream signal; the request is
	// reverted and re-enqueued before this ever reaches a client.
	KindRetryableUpstream Kind = "retryable_upstream"
	// KindKeyInvalid means the assigned credential is revoked; the key is
	// disabled and the client told to retry.
	KindKeyInvalid Kind = "key_invalid"
	// KindKeyQuotaExceeded means the credential's quota or billing ran out.
	KindKeyQuotaExceeded Kind = "key_quota_exceeded"
	// KindUpstreamFatal is a non-retryable non-client upstream failure.
	KindUpstreamFatal Kind = "upstream_fatal"
	// KindClientAborted is not an error; the request is purged quietly.
	KindClientAborted Kind = "client_aborted"
)

// Status maps a kind to the HTTP status surfaced to clients.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return fasthttp.StatusBadRequest
	case KindForbidden:
		return fasthttp.StatusForbidden
	case KindTooManyRequests:
		return fasthttp.StatusTooManyRequests
	case KindNoKeyAvailable:
		return fasthttp.StatusPaymentRequired
	case KindKeyInvalid, KindKeyQuotaExceeded, KindRetryableUpstream:
		return fasthttp.StatusServiceUnavailable
	case KindClientAborted:
		return fasthttp.StatusBadRequest
	default:
		return fasthttp.StatusInternalServerError
	}
}

// Retryable reports whether the kind triggers revert + re-enqueue instead of
// a client response.
func (k Kind) Retryable() bool {
	return k == KindRetryableUpstream
}

// Error is a classified relay failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrorType constants for the envelope, OpenAI vocabulary.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypePaymentRequired   = "payment_required_error"
)

// envelopeType maps a kind to the envelope's "type" field.
func (k Kind) envelopeType() string {
	switch k {
	case KindBadRequest:
		return TypeInvalidRequest
	case KindForbidden:
		return TypeAuthenticationErr
	case KindTooManyRequests:
		return TypeRateLimitError
	case KindNoKeyAvailable:
		return TypePaymentRequired
	case KindKeyInvalid, KindKeyQuotaExceeded, KindRetryableUpstream, KindUpstreamFatal:
		return TypeProviderError
	default:
		return TypeServerError
	}
}

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(message, errType, code))
}

// Body renders the envelope without touching a response, for callers that
// embed errors into streams.
func Body(message, errType, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	return body
}

// WriteKind writes a classified error in envelope form.
func WriteKind(ctx *fasthttp.RequestCtx, err *Error) {
	if err.Kind == KindTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "10")
	}
	Write(ctx, err.Kind.Status(), err.Message, err.Kind.envelopeType(), string(err.Kind))
}
