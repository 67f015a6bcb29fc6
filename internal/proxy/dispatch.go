package proxy

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/openmux/llm-relay/internal/models"
	"github.com/openmux/llm-relay/pkg/apierr"
)

// Dispatcher executes the mutated request against its upstream. One shared
// client with keep-alive pooling serves every provider.
type Dispatcher struct {
	client *http.Client
	cfg    UpstreamConfig
}

func NewDispatcher(client *http.Client, cfg UpstreamConfig) *Dispatcher {
	if client == nil {
		client = &http.Client{
			Timeout: 10 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Dispatcher{client: client, cfg: cfg.withDefaults()}
}

// Do sends the request and returns the raw upstream response. The caller owns
// resp.Body.
func (d *Dispatcher) Do(req *Request) (*http.Response, *apierr.Error) {
	httpReq, aerr := d.build(req)
	if aerr != nil {
		return nil, aerr
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, apierr.New(apierr.KindClientAborted, "client went away")
		}
		return nil, &apierr.Error{
			Kind:    apierr.KindRetryableUpstream,
			Message: "upstream connection failed",
		}
	}
	return resp, nil
}

func (d *Dispatcher) build(req *Request) (*http.Request, *apierr.Error) {
	if s := req.Signed; s != nil {
		httpReq, err := http.NewRequestWithContext(req.Context(), s.Method, s.URL, bytes.NewReader(s.Body))
		if err != nil {
			return nil, apierr.New(apierr.KindUpstreamFatal, "building signed request: %v", err)
		}
		for name, values := range s.Headers {
			httpReq.Header[name] = values
		}
		// Unsigned attempt headers still apply where the envelope is silent.
		for name, values := range req.Headers {
			if _, ok := httpReq.Header[name]; !ok {
				httpReq.Header[name] = values
			}
		}
		return httpReq, nil
	}

	base := d.cfg.BaseURLs[req.Service]
	if base == "" {
		return nil, apierr.New(apierr.KindUpstreamFatal, "no upstream endpoint for service %s", req.Service)
	}
	httpReq, err := http.NewRequestWithContext(req.Context(), http.MethodPost, base+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, apierr.New(apierr.KindUpstreamFatal, "building request: %v", err)
	}
	for name, values := range req.Headers {
		httpReq.Header[name] = values
	}
	if req.Streaming && req.Service != models.GoogleAI {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}
