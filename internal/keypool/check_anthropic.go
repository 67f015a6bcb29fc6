package keypool

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicProbeModel keeps the validation message as cheap as possible.
const anthropicProbeModel = "claude-3-haiku-20240307"

// NewAnthropicChecker probes Anthropic keys with a minimal message: validity,
// account tier (from rate-limit headers), filtered-output detection, and the
// preamble requirement that shows up as a distinctive 400.
func NewAnthropicChecker(p *Provider, cfg CheckerConfig) *Checker {
	cfg = cfg.withDefaults()
	probe := func(ctx context.Context, p *Provider, k *Key) error {
		return probeAnthropicKey(ctx, p, k, cfg)
	}
	return newChecker(p, probe, cfg)
}

func probeAnthropicKey(ctx context.Context, p *Provider, k *Key, cfg CheckerConfig) error {
	opts := []option.RequestOption{
		option.WithAPIKey(k.Secret()),
		option.WithHTTPClient(cfg.HTTPClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	var raw *http.Response
	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropicProbeModel,
		MaxTokens: 30,
		Messages: []anthropic.MessageParam{{
			Role: anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{
				{OfText: &anthropic.TextBlockParam{Text: "hi"}},
			},
		}},
	}, option.WithResponseInto(&raw))

	if raw != nil {
		if tier := anthropicTier(raw.Header); tier != "" {
			p.Update(k.Hash, func(live *Key) { live.Anthropic.Tier = tier })
		}
	}

	if err != nil {
		perr := toAnthropicProbeError(err)
		var pe *ProbeError
		if errors.As(perr, &pe) {
			lower := strings.ToLower(pe.Message)
			// A preamble complaint means the key works but the legacy text
			// route needs the Human/Assistant framing.
			if pe.Status == http.StatusBadRequest && strings.Contains(lower, "prompt must start") {
				p.Update(k.Hash, func(live *Key) { live.Anthropic.RequiresPreamble = true })
				return nil
			}
			if isQuotaCode(pe) || strings.Contains(lower, "credit balance") {
				p.Update(k.Hash, func(live *Key) { live.Anthropic.IsOverQuota = true })
				return &ProbeError{Status: pe.Status, Code: "billing", Message: pe.Message}
			}
		}
		return perr
	}

	pozzed := false
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			pozzed = pozzed || looksFiltered(v.Text)
		case *anthropic.TextBlock:
			pozzed = pozzed || looksFiltered(v.Text)
		}
	}
	p.Update(k.Hash, func(live *Key) { live.Anthropic.IsPozzed = pozzed })
	return nil
}

// anthropicTier buckets the account by its requests-per-minute ceiling.
func anthropicTier(h http.Header) string {
	limit, err := strconv.Atoi(h.Get("anthropic-ratelimit-requests-limit"))
	if err != nil || limit <= 0 {
		return ""
	}
	switch {
	case limit >= 4000:
		return "tier-4"
	case limit >= 2000:
		return "tier-3"
	case limit >= 1000:
		return "tier-2"
	default:
		return "tier-1"
	}
}

// looksFiltered spots safety-injected openings in a reply to a bare greeting.
func looksFiltered(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, prefix := range []string{"i apologize", "i'm sorry", "unfortunately, i"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func toAnthropicProbeError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProbeError{
			Status:  apierr.StatusCode,
			Message: apierr.Error(),
		}
	}
	return err
}
