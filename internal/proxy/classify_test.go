package proxy

import (
	"net/http"
	"testing"

	"github.com/openmux/llm-relay/internal/sse"
	"github.com/openmux/llm-relay/pkg/apierr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		body   string
		want   Outcome
	}{
		{
			name:   "success passes through",
			status: 200,
			want:   Outcome{},
		},
		{
			name:   "429 throttle re-enqueues",
			status: 429,
			body:   `{"error":{"message":"Rate limit reached for requests"}}`,
			want: Outcome{
				Kind:            apierr.KindRetryableUpstream,
				MarkRateLimited: true,
				Reenqueue:       true,
			},
		},
		{
			name:   "aws throttling header re-enqueues",
			status: 429,
			header: http.Header{"X-Amzn-Errortype": []string{"ThrottlingException"}},
			want: Outcome{
				Kind:            apierr.KindRetryableUpstream,
				MarkRateLimited: true,
				Reenqueue:       true,
			},
		},
		{
			name:   "429 quota disables without revoke",
			status: 429,
			body:   `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota"}}`,
			want: Outcome{
				Kind:       apierr.KindKeyQuotaExceeded,
				DisableKey: true,
			},
		},
		{
			name:   "429 daily quota surfaces",
			status: 429,
			body:   `{"error":{"message":"Rate limit reached: requests per day"}}`,
			want:   Outcome{Kind: apierr.KindTooManyRequests},
		},
		{
			name:   "401 disables and revokes",
			status: 401,
			want: Outcome{
				Kind:       apierr.KindKeyInvalid,
				DisableKey: true,
				RevokeKey:  true,
			},
		},
		{
			name:   "403 model access surfaces without disabling",
			status: 403,
			body:   `You don't have access to the model with the specified model ID.`,
			want:   Outcome{Kind: apierr.KindUpstreamFatal},
		},
		{
			name:   "403 otherwise revokes",
			status: 403,
			body:   `{"error":"invalid key"}`,
			want: Outcome{
				Kind:       apierr.KindKeyInvalid,
				DisableKey: true,
				RevokeKey:  true,
			},
		},
		{
			name:   "400 preamble flags and retries",
			status: 400,
			body:   `{"error":{"message":"prompt must start with \"\n\nHuman:\" turn"}}`,
			want: Outcome{
				Kind:         apierr.KindRetryableUpstream,
				FlagPreamble: true,
				Reenqueue:    true,
			},
		},
		{
			name:   "400 vision flags and retries",
			status: 400,
			body:   `{"error":{"message":"this model does not support image input"}}`,
			want: Outcome{
				Kind:         apierr.KindRetryableUpstream,
				FlagNoVision: true,
				Reenqueue:    true,
			},
		},
		{
			name:   "400 content filter refunds throttle",
			status: 400,
			body:   `{"error":{"code":"content_filter","message":"blocked"}}`,
			want: Outcome{
				Kind:           apierr.KindBadRequest,
				RefundThrottle: true,
			},
		},
		{
			name:   "400 billing treated as quota",
			status: 400,
			body:   `{"error":{"message":"billing hard limit reached"}}`,
			want: Outcome{
				Kind:       apierr.KindKeyQuotaExceeded,
				DisableKey: true,
			},
		},
		{
			name:   "404 surfaces as bad request",
			status: 404,
			body:   `{"error":{"message":"model not found"}}`,
			want:   Outcome{Kind: apierr.KindBadRequest},
		},
		{
			name:   "503 surfaces as transient without re-enqueue",
			status: 503,
			body:   `{"error":{"type":"overloaded_error"}}`,
			want:   Outcome{Kind: apierr.KindRetryableUpstream},
		},
		{
			name:   "500 is fatal",
			status: 500,
			want:   Outcome{Kind: apierr.KindUpstreamFatal},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.header
			if h == nil {
				h = http.Header{}
			}
			got := Classify(tt.status, h, []byte(tt.body))
			got.Message = ""
			if got != tt.want {
				t.Errorf("Classify() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestClassifyStreamException(t *testing.T) {
	tests := []struct {
		name string
		exc  *sse.StreamException
		want Outcome
	}{
		{
			name: "bedrock throttling locks the key and re-enqueues",
			exc:  &sse.StreamException{Type: "throttlingException", Message: "Too many requests"},
			want: Outcome{
				Kind:            apierr.KindRetryableUpstream,
				MarkRateLimited: true,
				Reenqueue:       true,
			},
		},
		{
			name: "anthropic overloaded error counts as a throttle",
			exc:  &sse.StreamException{Type: "overloaded_error", Message: "Overloaded"},
			want: Outcome{
				Kind:            apierr.KindRetryableUpstream,
				MarkRateLimited: true,
				Reenqueue:       true,
			},
		},
		{
			name: "quota exhaustion disables the key",
			exc:  &sse.StreamException{Type: "invalid_request_error", Message: "insufficient_quota"},
			want: Outcome{
				Kind:       apierr.KindKeyQuotaExceeded,
				DisableKey: true,
			},
		},
		{
			name: "unknown exceptions retry without key actions",
			exc:  &sse.StreamException{Type: "modelStreamErrorException", Message: "internal failure"},
			want: Outcome{
				Kind:      apierr.KindRetryableUpstream,
				Reenqueue: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyStreamException(tt.exc)
			got.Message = ""
			if got != tt.want {
				t.Errorf("ClassifyStreamException() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
