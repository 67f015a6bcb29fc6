package keypool

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"github.com/openmux/llm-relay/internal/models"
)

// NewGoogleAIChecker probes Google AI Studio keys. The first probe lists the
// key's models and maps them to Gemini families; later probes only revalidate
// the credential.
func NewGoogleAIChecker(p *Provider, cfg CheckerConfig) *Checker {
	cfg = cfg.withDefaults()
	probe := func(ctx context.Context, p *Provider, k *Key) error {
		return probeGoogleAIKey(ctx, p, k, cfg)
	}
	return newChecker(p, probe, cfg)
}

func probeGoogleAIKey(ctx context.Context, p *Provider, k *Key, cfg CheckerConfig) error {
	clientCfg := &genai.ClientConfig{
		APIKey:     k.Secret(),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return err
	}

	if k.LastChecked != 0 && len(k.Families) > 0 {
		_, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
		return toGoogleAIProbeError(err)
	}

	page, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 200})
	if err != nil {
		return toGoogleAIProbeError(err)
	}

	families := map[models.Family]bool{}
	for _, m := range page.Items {
		name := strings.TrimPrefix(m.Name, "models/")
		switch {
		case strings.Contains(name, "flash"):
			families[models.GeminiFlash] = true
		case strings.Contains(name, "ultra"):
			families[models.GeminiUltra] = true
		case strings.Contains(name, "gemini"):
			families[models.GeminiPro] = true
		}
	}

	p.Update(k.Hash, func(live *Key) {
		live.Families = live.Families[:0]
		for f := range families {
			live.Families = append(live.Families, f)
		}
	})
	return nil
}

func toGoogleAIProbeError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProbeError{Status: apiErr.Code, Code: apiErr.Status, Message: apiErr.Message}
	}
	return err
}
