package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/openmux/llm-relay/internal/keypool"
	"github.com/openmux/llm-relay/internal/models"
	"github.com/openmux/llm-relay/internal/translate"
)

// SignedRequest is a pre-computed upstream HTTP envelope for providers whose
// auth covers the exact bytes on the wire (AWS SigV4, GCP OAuth against a
// fully built URL). Once set, dispatch sends it verbatim.
type SignedRequest struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// Request is one in-flight relay request from preprocessing to response.
// Mutators never touch it directly; they go through the Manager so every
// attempt-scoped change can be reverted before a retry.
type Request struct {
	ID       string
	Identity string

	InboundFormat  translate.Format
	OutboundFormat translate.Format
	Service        models.Service
	Family         models.Family
	Model          string

	// Body is the current payload: translated once by preprocessors, then
	// finalized per attempt by mutators.
	Body []byte
	// Headers are the upstream-bound headers, seeded from the client request.
	Headers http.Header
	// Path is the upstream request path. Query is carried inside Path.
	Path string

	Key    *keypool.Key
	Signed *SignedRequest

	Streaming bool

	StartTime    time.Time
	QueueOutTime time.Time
	RetryCount   int

	PromptTokens int64
	OutputTokens int64

	// ctx is canceled when the client goes away; upstream calls inherit it.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRequest builds a request bound to the client's lifetime.
func NewRequest(parent context.Context, id, identity string) *Request {
	ctx, cancel := context.WithCancel(parent)
	return &Request{
		ID:        id,
		Identity:  identity,
		Headers:   make(http.Header),
		StartTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the client-lifetime context.
func (r *Request) Context() context.Context { return r.ctx }

// Abort cancels any in-flight upstream work for the request.
func (r *Request) Abort() {
	if r.cancel != nil {
		r.cancel()
	}
}

// TotalTokens is the scheduling weight.
func (r *Request) TotalTokens() int64 { return r.PromptTokens + r.OutputTokens }
