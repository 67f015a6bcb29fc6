package keypool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openmux/llm-relay/internal/models"
	"github.com/openmux/llm-relay/internal/signing"
)

// defaultAWSProbeModels are the Bedrock model IDs checked for access when the
// configuration does not narrow the list.
var defaultAWSProbeModels = []string{
	"anthropic.claude-3-5-sonnet-20240620-v1:0",
	"anthropic.claude-3-opus-20240229-v1:0",
	"anthropic.claude-3-haiku-20240307-v1:0",
	"mistral.mistral-large-2402-v1:0",
}

// NewAWSChecker probes Bedrock credentials. Model access is discovered with
// an intentionally malformed invoke: a validation complaint about max_tokens
// proves the model is reachable, a scoped AccessDenied proves it is not.
// The control plane is asked for inference profiles and the invocation
// logging status.
func NewAWSChecker(p *Provider, cfg CheckerConfig) *Checker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = awsProbeConcurrency
	}
	cfg = cfg.withDefaults()
	signer := signing.NewAWSSigner()
	probe := func(ctx context.Context, p *Provider, k *Key) error {
		return probeAWSKey(ctx, p, k, cfg, signer)
	}
	return newChecker(p, probe, cfg)
}

func probeAWSKey(ctx context.Context, p *Provider, k *Key, cfg CheckerConfig, signer *signing.AWSSigner) error {
	if k.AWS == nil {
		return nil
	}
	runtime := cfg.BaseURL
	if runtime == "" {
		runtime = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", k.AWS.Region)
	}
	control := cfg.ControlBaseURL
	if control == "" {
		control = fmt.Sprintf("https://bedrock.%s.amazonaws.com", k.AWS.Region)
	}
	probeModels := cfg.ProbeModels
	if len(probeModels) == 0 {
		probeModels = defaultAWSProbeModels
	}

	var accessible []string
	for _, id := range probeModels {
		ok, err := probeAWSModel(ctx, cfg.HTTPClient, signer, k, runtime, id)
		if err != nil {
			return err
		}
		if ok {
			accessible = append(accessible, id)
		}
	}

	famSet := make(map[models.Family]bool)
	for _, id := range accessible {
		if f := models.FamilyFor(models.AWS, id); f != "" {
			famSet[f] = true
		}
	}
	fams := make([]models.Family, 0, len(famSet))
	for _, f := range models.FamiliesOf(models.AWS) {
		if famSet[f] {
			fams = append(fams, f)
		}
	}

	profiles := listAWSInferenceProfiles(ctx, cfg.HTTPClient, signer, k, control)
	logging := awsLoggingStatus(ctx, cfg.HTTPClient, signer, k, control)

	p.Update(k.Hash, func(live *Key) {
		live.AWS.ModelIDs = accessible
		live.AWS.InferenceProfileIDs = profiles
		live.AWS.LoggingStatus = logging
		if len(fams) > 0 {
			live.Families = fams
		}
	})

	if len(accessible) == 0 {
		p.Disable(k.Hash, false)
	}
	return nil
}

// probeAWSModel reports whether the key can invoke the model. A hard
// credential failure is returned as a ProbeError so the checker revokes.
func probeAWSModel(ctx context.Context, client *http.Client, signer *signing.AWSSigner, k *Key, runtime, modelID string) (bool, error) {
	body := []byte(`{"max_tokens":-1}`)
	url := fmt.Sprintf("%s/model/%s/invoke", strings.TrimRight(runtime, "/"), modelID)

	status, respBody, errType, err := signedAWSCall(ctx, client, signer, k, http.MethodPost, url, body)
	if err != nil {
		return false, err
	}

	switch status {
	case http.StatusBadRequest:
		return strings.Contains(string(respBody), "max_tokens"), nil
	case http.StatusForbidden:
		if strings.Contains(string(respBody), "access to the model with the specified model ID") {
			return false, nil
		}
		return false, &ProbeError{Status: status, Code: errType, Message: string(respBody)}
	case http.StatusUnauthorized:
		return false, &ProbeError{Status: status, Code: errType, Message: string(respBody)}
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		// Throttled or overloaded still proves the model is reachable.
		return true, nil
	case http.StatusOK:
		return true, nil
	default:
		return false, nil
	}
}

func listAWSInferenceProfiles(ctx context.Context, client *http.Client, signer *signing.AWSSigner, k *Key, control string) []string {
	url := strings.TrimRight(control, "/") + "/inference-profiles?maxResults=1000"
	status, body, _, err := signedAWSCall(ctx, client, signer, k, http.MethodGet, url, nil)
	if err != nil || status != http.StatusOK {
		return nil
	}

	var out struct {
		Summaries []struct {
			ID string `json:"inferenceProfileId"`
		} `json:"inferenceProfileSummaries"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil
	}
	ids := make([]string, 0, len(out.Summaries))
	for _, s := range out.Summaries {
		ids = append(ids, s.ID)
	}
	return ids
}

func awsLoggingStatus(ctx context.Context, client *http.Client, signer *signing.AWSSigner, k *Key, control string) LoggingStatus {
	url := strings.TrimRight(control, "/") + "/logging/modelinvocations"
	status, body, _, err := signedAWSCall(ctx, client, signer, k, http.MethodGet, url, nil)
	if err != nil || status != http.StatusOK {
		return LoggingUnknown
	}

	var out struct {
		LoggingConfig json.RawMessage `json:"loggingConfig"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return LoggingUnknown
	}
	if len(out.LoggingConfig) == 0 || string(out.LoggingConfig) == "null" {
		return LoggingDisabled
	}
	return LoggingEnabled
}

// signedAWSCall performs one SigV4-signed request and returns the status,
// body, and the x-amzn-errortype header that Bedrock uses for error classes.
func signedAWSCall(ctx context.Context, client *http.Client, signer *signing.AWSSigner, k *Key, method, url string, body []byte) (int, []byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, "", fmt.Errorf("keypool: aws probe: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := signer.Sign(ctx, req, body, k.AWS.AccessKeyID, k.AWS.SecretAccessKey, k.AWS.Region); err != nil {
		return 0, nil, "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, "", fmt.Errorf("keypool: aws probe: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, "", fmt.Errorf("keypool: aws probe read: %w", err)
	}
	return resp.StatusCode, respBody, resp.Header.Get("x-amzn-errortype"), nil
}
