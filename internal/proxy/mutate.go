package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/openmux/llm-relay/internal/keypool"
	"github.com/openmux/llm-relay/internal/models"
	"github.com/openmux/llm-relay/internal/signing"
	"github.com/openmux/llm-relay/pkg/apierr"
)

// strippedHeaderPrefixes are removed before anything reaches an upstream:
// client identity, CORS/fetch metadata, and infrastructure forwarding headers.
var strippedHeaderPrefixes = []string{
	"origin", "referer", "cookie", "sec-", "x-forwarded-", "forwarded",
	"x-real-ip", "cf-", "cdn-", "via", "true-client-ip", "x-vercel-",
	"authorization", "x-api-key", "api-key",
}

// UpstreamConfig fixes the provider endpoints. Overrides point at mocks in
// tests; empty entries use the production hosts.
type UpstreamConfig struct {
	BaseURLs         map[models.Service]string
	AzureAPIVersion  string
	AnthropicVersion string
}

func (c UpstreamConfig) withDefaults() UpstreamConfig {
	if c.BaseURLs == nil {
		c.BaseURLs = map[models.Service]string{}
	}
	defaults := map[models.Service]string{
		models.OpenAI:    "https://api.openai.com",
		models.Anthropic: "https://api.anthropic.com",
		models.GoogleAI:  "https://generativelanguage.googleapis.com",
		models.Mistral:   "https://api.mistral.ai",
	}
	for svc, url := range defaults {
		if c.BaseURLs[svc] == "" {
			c.BaseURLs[svc] = url
		}
	}
	if c.AzureAPIVersion == "" {
		c.AzureAPIVersion = "2024-02-15-preview"
	}
	if c.AnthropicVersion == "" {
		c.AnthropicVersion = "2023-06-01"
	}
	return c
}

// Mutator applies the per-attempt chain: strip headers, assign and attach a
// credential, finalize the body. Everything goes through the manager so a
// retry can revert to the post-preprocessing state.
type Mutator struct {
	pool      *keypool.Pool
	awsSigner *signing.AWSSigner
	gcpTokens *signing.GCPTokenCache
	cfg       UpstreamConfig
}

func NewMutator(pool *keypool.Pool, gcpTokens *signing.GCPTokenCache, cfg UpstreamConfig) *Mutator {
	return &Mutator{
		pool:      pool,
		awsSigner: signing.NewAWSSigner(),
		gcpTokens: gcpTokens,
		cfg:       cfg.withDefaults(),
	}
}

// Apply runs the full mutation chain for one dispatch attempt.
func (mu *Mutator) Apply(ctx context.Context, m *Manager) *apierr.Error {
	mu.stripHeaders(m)

	req := m.Request()
	key, err := mu.pool.Get(req.Service, req.Model)
	if err != nil {
		if errors.Is(err, keypool.ErrNoKeysAvailable) {
			return apierr.New(apierr.KindNoKeyAvailable,
				"no upstream credential can serve %s right now", req.Model)
		}
		return apierr.New(apierr.KindUpstreamFatal, "key selection failed: %v", err)
	}
	m.AssignKey(key)

	if aerr := mu.attachAuth(ctx, m, key); aerr != nil {
		return aerr
	}
	return mu.finalizeBody(ctx, m, key)
}

func (mu *Mutator) stripHeaders(m *Manager) {
	req := m.Request()
	for name := range req.Headers {
		lower := strings.ToLower(name)
		for _, prefix := range strippedHeaderPrefixes {
			if strings.HasPrefix(lower, prefix) {
				m.RemoveHeader(name)
				break
			}
		}
	}
}

func (mu *Mutator) attachAuth(ctx context.Context, m *Manager, key *keypool.Key) *apierr.Error {
	req := m.Request()

	switch req.Service {
	case models.OpenAI:
		m.SetHeader("Authorization", "Bearer "+key.Secret())
		if key.OpenAI != nil && key.OpenAI.OrganizationID != "" {
			m.SetHeader("OpenAI-Organization", key.OpenAI.OrganizationID)
		}

	case models.Anthropic:
		m.SetHeader("X-API-Key", key.Secret())
		m.SetHeader("Anthropic-Version", mu.cfg.AnthropicVersion)

	case models.Mistral:
		m.SetHeader("Authorization", "Bearer "+key.Secret())

	case models.GoogleAI:
		sep := "?"
		if strings.Contains(req.Path, "?") {
			sep = "&"
		}
		m.SetPath(req.Path + sep + "key=" + key.Secret())

	case models.Azure:
		if key.Azure == nil {
			return apierr.New(apierr.KindUpstreamFatal, "azure key missing credential parts")
		}
		m.SetHeader("Api-Key", key.Azure.APIKey)
		url := fmt.Sprintf("https://%s.openai.azure.com/openai/deployments/%s%s?api-version=%s",
			key.Azure.ResourceName, key.Azure.DeploymentID, azureOperationPath(req.Path), mu.cfg.AzureAPIVersion)
		if base := mu.cfg.BaseURLs[models.Azure]; base != "" {
			url = fmt.Sprintf("%s/openai/deployments/%s%s?api-version=%s",
				base, key.Azure.DeploymentID, azureOperationPath(req.Path), mu.cfg.AzureAPIVersion)
		}
		m.SetSigned(&SignedRequest{
			Method:  http.MethodPost,
			URL:     url,
			Headers: http.Header{},
			Body:    req.Body,
		})

	case models.AWS:
		return mu.signAWS(ctx, m, key)

	case models.GCP:
		return mu.signGCP(ctx, m, key)

	default:
		return apierr.New(apierr.KindUpstreamFatal, "no auth strategy for service %s", req.Service)
	}
	return nil
}

func (mu *Mutator) signAWS(ctx context.Context, m *Manager, key *keypool.Key) *apierr.Error {
	req := m.Request()
	if key.AWS == nil {
		return apierr.New(apierr.KindUpstreamFatal, "aws key missing credential parts")
	}

	// Bedrock carries the model in the URL and versions the payload itself.
	if strings.Contains(awsModelID(req.Model), "anthropic.") {
		m.SetBody(anthropicInvokeBody(req.Body, "bedrock-2023-05-31"))
	} else {
		body, _ := sjson.DeleteBytes(req.Body, "model")
		m.SetBody(body)
	}

	op := "invoke"
	if req.Streaming {
		op = "invoke-with-response-stream"
	}
	base := mu.cfg.BaseURLs[models.AWS]
	if base == "" {
		base = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", key.AWS.Region)
	}
	url := fmt.Sprintf("%s/model/%s/%s", base, awsModelID(req.Model), op)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return apierr.New(apierr.KindUpstreamFatal, "aws request build failed: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	if err := mu.awsSigner.Sign(ctx, httpReq, req.Body, key.AWS.AccessKeyID, key.AWS.SecretAccessKey, key.AWS.Region); err != nil {
		return apierr.New(apierr.KindUpstreamFatal, "sigv4 signing failed: %v", err)
	}

	m.SetSigned(&SignedRequest{
		Method:  http.MethodPost,
		URL:     url,
		Headers: httpReq.Header.Clone(),
		Body:    req.Body,
	})
	return nil
}

func (mu *Mutator) signGCP(ctx context.Context, m *Manager, key *keypool.Key) *apierr.Error {
	req := m.Request()
	if key.GCP == nil {
		return apierr.New(apierr.KindUpstreamFatal, "gcp key missing credential parts")
	}

	// Vertex carries the model in the URL and its own payload version marker.
	m.SetBody(anthropicInvokeBody(req.Body, "vertex-2023-10-16"))

	token := key.GCP.AccessToken
	if token == "" || key.GCP.AccessTokenExpiresAt <= time.Now().Add(time.Minute).UnixMilli() {
		tok, err := mu.gcpTokens.Token(ctx, key.Hash, key.GCP.ClientEmail, key.GCP.PrivateKeyPEM)
		if err != nil {
			return apierr.New(apierr.KindKeyInvalid, "gcp token refresh failed, please retry")
		}
		token = tok.AccessToken
		mu.pool.Update(models.GCP, key.Hash, func(live *keypool.Key) {
			if live.GCP != nil {
				live.GCP.AccessToken = tok.AccessToken
				live.GCP.AccessTokenExpiresAt = tok.ExpiresAt.UnixMilli()
			}
		})
	}

	op := "rawPredict"
	if req.Streaming {
		op = "streamRawPredict"
	}
	base := mu.cfg.BaseURLs[models.GCP]
	if base == "" {
		base = fmt.Sprintf("https://%s-aiplatform.googleapis.com", key.GCP.Region)
	}
	url := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:%s",
		base, key.GCP.ProjectID, key.GCP.Region, gcpModelID(req.Model), op)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Content-Type", "application/json")

	m.SetSigned(&SignedRequest{
		Method:  http.MethodPost,
		URL:     url,
		Headers: headers,
		Body:    req.Body,
	})
	return nil
}

// finalizeBody serializes the final payload and reconciles the signed
// envelope with any body changes made after signing.
func (mu *Mutator) finalizeBody(_ context.Context, m *Manager, _ *keypool.Key) *apierr.Error {
	req := m.Request()

	m.SetHeader("Content-Type", "application/json")
	m.SetHeader("Content-Length", strconv.Itoa(len(req.Body)))

	if req.Signed != nil && !bytes.Equal(req.Signed.Body, req.Body) {
		return apierr.New(apierr.KindUpstreamFatal, "request body changed after signing")
	}
	return nil
}

func azureOperationPath(path string) string {
	if strings.Contains(path, "images") {
		return "/images/generations"
	}
	if strings.Contains(path, "chat") {
		return "/chat/completions"
	}
	return "/completions"
}

// awsModelID maps friendly Claude and Mistral names onto Bedrock model IDs.
// Identifiers already in Bedrock form pass through.
func awsModelID(model string) string {
	if strings.Contains(model, ".") {
		return model
	}
	if id, ok := awsModelIDs[model]; ok {
		return id
	}
	return model
}

var awsModelIDs = map[string]string{
	"claude-v2":                  "anthropic.claude-v2:1",
	"claude-3-haiku-20240307":    "anthropic.claude-3-haiku-20240307-v1:0",
	"claude-3-sonnet-20240229":   "anthropic.claude-3-sonnet-20240229-v1:0",
	"claude-3-opus-20240229":     "anthropic.claude-3-opus-20240229-v1:0",
	"claude-3-5-sonnet-20240620": "anthropic.claude-3-5-sonnet-20240620-v1:0",
	"mistral-large":              "mistral.mistral-large-2402-v1:0",
	"mistral-small":              "mistral.mistral-small-2402-v1:0",
}

// anthropicInvokeBody prepares an Anthropic payload for a model-in-URL invoke
// endpoint: version marker in, routing fields out.
func anthropicInvokeBody(body []byte, version string) []byte {
	out, _ := sjson.SetBytes(body, "anthropic_version", version)
	out, _ = sjson.DeleteBytes(out, "model")
	out, _ = sjson.DeleteBytes(out, "stream")
	return out
}

// gcpModelID maps friendly Claude names onto Vertex publisher model IDs.
func gcpModelID(model string) string {
	if strings.Contains(model, "@") {
		return model
	}
	if id, ok := gcpModelIDs[model]; ok {
		return id
	}
	return model
}

var gcpModelIDs = map[string]string{
	"claude-3-haiku-20240307":    "claude-3-haiku@20240307",
	"claude-3-sonnet-20240229":   "claude-3-sonnet@20240229",
	"claude-3-opus-20240229":     "claude-3-opus@20240229",
	"claude-3-5-sonnet-20240620": "claude-3-5-sonnet@20240620",
}
