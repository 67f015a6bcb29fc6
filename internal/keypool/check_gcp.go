package keypool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/openmux/llm-relay/internal/signing"
)

// gcpClaudeVariants are the Vertex publisher models probed per key. Access is
// granted per model, so each variant needs its own probe.
var gcpClaudeVariants = []struct {
	model string
	apply func(*GCPState, bool)
}{
	{"claude-3-sonnet@20240229", func(s *GCPState, ok bool) { s.SonnetEnabled = ok }},
	{"claude-3-haiku@20240307", func(s *GCPState, ok bool) { s.HaikuEnabled = ok }},
	{"claude-3-5-sonnet@20240620", func(s *GCPState, ok bool) { s.Sonnet35Enabled = ok }},
}

// NewGCPChecker probes GCP service accounts: a token exchange to validate the
// credential, then one rawPredict per Claude variant to map which models the
// project can invoke.
func NewGCPChecker(p *Provider, tokens *signing.GCPTokenCache, cfg CheckerConfig) *Checker {
	cfg = cfg.withDefaults()
	probe := func(ctx context.Context, p *Provider, k *Key) error {
		return probeGCPKey(ctx, p, k, tokens, cfg)
	}
	return newChecker(p, probe, cfg)
}

func probeGCPKey(ctx context.Context, p *Provider, k *Key, tokens *signing.GCPTokenCache, cfg CheckerConfig) error {
	if k.GCP == nil {
		return &ProbeError{Status: http.StatusBadRequest, Message: "key has no gcp credential"}
	}

	tok, err := tokens.Token(ctx, k.Hash, k.GCP.ClientEmail, k.GCP.PrivateKeyPEM)
	if err != nil {
		lower := strings.ToLower(err.Error())
		// The OAuth endpoint reports a dead service account as a grant
		// failure, not an HTTP 401 on the exchange itself.
		if strings.Contains(lower, "invalid_grant") || strings.Contains(lower, "invalid_client") {
			return &ProbeError{Status: http.StatusUnauthorized, Code: "invalid_grant", Message: redactHostnames(err.Error())}
		}
		return err
	}
	p.Update(k.Hash, func(live *Key) {
		if live.GCP != nil {
			live.GCP.AccessToken = tok.AccessToken
			live.GCP.AccessTokenExpiresAt = tok.ExpiresAt.UnixMilli()
		}
	})

	type result struct {
		idx     int
		enabled bool
		err     error
	}
	results := make([]result, len(gcpClaudeVariants))
	var wg sync.WaitGroup
	for i, v := range gcpClaudeVariants {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			enabled, err := probeGCPVariant(ctx, cfg, k, tok.AccessToken, model)
			results[i] = result{idx: i, enabled: enabled, err: err}
		}(i, v.model)
	}
	wg.Wait()

	var firstErr error
	p.Update(k.Hash, func(live *Key) {
		if live.GCP == nil {
			return
		}
		for i, v := range gcpClaudeVariants {
			if results[i].err != nil {
				if firstErr == nil {
					firstErr = results[i].err
				}
				continue
			}
			v.apply(live.GCP, results[i].enabled)
		}
	})
	return firstErr
}

// probeGCPVariant sends a one-token message to the variant. Any response that
// proves the project can reach the model counts as enabled, including a 429.
func probeGCPVariant(ctx context.Context, cfg CheckerConfig, k *Key, token, model string) (bool, error) {
	base := cfg.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s-aiplatform.googleapis.com", k.GCP.Region)
	}
	url := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:rawPredict",
		base, k.GCP.ProjectID, k.GCP.Region, model)

	body, _ := json.Marshal(map[string]any{
		"anthropic_version": "vertex-2023-10-16",
		"max_tokens":        1,
		"messages": []map[string]string{
			{"role": "user", "content": "hi"},
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusTooManyRequests:
		return true, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		// Model not enabled for this project; the credential itself is fine.
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return false, &ProbeError{Status: resp.StatusCode, Message: string(respBody)}
	default:
		return false, &ProbeError{Status: resp.StatusCode, Message: string(respBody)}
	}
}
