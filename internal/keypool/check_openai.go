package keypool

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/openmux/llm-relay/internal/models"
)

// openaiProbeModel is the cheapest chat snapshot used to validate a key can
// actually complete, not just list models.
const openaiProbeModel = "gpt-3.5-turbo"

// trialRequestLimit is the requests-per-minute ceiling below which a key is
// considered a trial key; paid tiers start far above it.
const trialRequestLimit = 5

// NewOpenAIChecker probes OpenAI keys: model snapshot discovery, organization
// discovery (multi-org keys get sibling records per org), and a one-time
// cheap completion that surfaces trial and exhausted-quota state.
func NewOpenAIChecker(p *Provider, cfg CheckerConfig) *Checker {
	cfg = cfg.withDefaults()
	probe := func(ctx context.Context, p *Provider, k *Key) error {
		return probeOpenAIKey(ctx, p, k, cfg)
	}
	return newChecker(p, probe, cfg)
}

func probeOpenAIKey(ctx context.Context, p *Provider, k *Key, cfg CheckerConfig) error {
	client := newOpenAIClient(k, cfg)

	page, err := client.Models.List(ctx)
	if err != nil {
		return toOpenAIProbeError(err)
	}

	ids := make([]string, 0, len(page.Data))
	famSet := make(map[models.Family]bool)
	for _, m := range page.Data {
		ids = append(ids, m.ID)
		if f := models.FamilyFor(models.OpenAI, m.ID); f != "" {
			famSet[f] = true
		}
	}
	fams := make([]models.Family, 0, len(famSet))
	for _, f := range models.FamiliesOf(models.OpenAI) {
		if famSet[f] {
			fams = append(fams, f)
		}
	}

	p.Update(k.Hash, func(live *Key) {
		live.OpenAI.ModelIDs = ids
		if len(fams) > 0 {
			live.Families = fams
		}
	})

	discoverOpenAIOrgs(ctx, p, k, client)

	// The paid completion probe runs once per key; afterwards live traffic
	// keeps quota state current through the response classifier.
	if k.LastChecked == 0 {
		if err := probeOpenAICompletion(ctx, p, k, client); err != nil {
			return err
		}
	}
	return nil
}

func newOpenAIClient(k *Key, cfg CheckerConfig) openaiSDK.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(k.Secret()),
		option.WithHTTPClient(cfg.HTTPClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if k.OpenAI != nil && k.OpenAI.OrganizationID != "" {
		opts = append(opts, option.WithOrganization(k.OpenAI.OrganizationID))
	}
	return openaiSDK.NewClient(opts...)
}

// discoverOpenAIOrgs lists the key's organizations. The default org is
// recorded on the key itself; every additional org becomes a sibling record
// with independent usage. Errors are ignored: the endpoint is not available
// to all account types.
func discoverOpenAIOrgs(ctx context.Context, p *Provider, k *Key, client openaiSDK.Client) {
	var orgs struct {
		Data []struct {
			ID        string `json:"id"`
			IsDefault bool   `json:"is_default"`
		} `json:"data"`
	}
	if err := client.Get(ctx, "/organizations", nil, &orgs); err != nil {
		return
	}

	for _, org := range orgs.Data {
		if org.IsDefault {
			orgID := org.ID
			p.Update(k.Hash, func(live *Key) {
				if live.OpenAI.OrganizationID == "" {
					live.OpenAI.OrganizationID = orgID
				}
			})
			continue
		}
		p.AddClone(k.Hash, org.ID)
	}
}

func probeOpenAICompletion(ctx context.Context, p *Provider, k *Key, client openaiSDK.Client) error {
	var raw *http.Response
	_, err := client.Chat.Completions.New(ctx, openaiSDK.ChatCompletionNewParams{
		Model:               openaiProbeModel,
		Messages:            []openaiSDK.ChatCompletionMessageParamUnion{openaiSDK.UserMessage("hi")},
		MaxCompletionTokens: openaiSDK.Int(1),
	}, option.WithResponseInto(&raw))

	if raw != nil {
		recordOpenAIRateHeaders(p, k.Hash, raw.Header)
	}

	if err != nil {
		perr := toOpenAIProbeError(err)
		var pe *ProbeError
		if errors.As(perr, &pe) && isQuotaCode(pe) {
			p.Update(k.Hash, func(live *Key) { live.OpenAI.IsOverQuota = true })
		}
		return perr
	}
	return nil
}

// recordOpenAIRateHeaders captures the x-ratelimit-* hints: the request limit
// marks trials, the reset durations size future 429 lockouts.
func recordOpenAIRateHeaders(p *Provider, hash string, h http.Header) {
	if limit, err := strconv.Atoi(h.Get("x-ratelimit-limit-requests")); err == nil {
		isTrial := limit > 0 && limit <= trialRequestLimit
		p.Update(hash, func(live *Key) { live.OpenAI.IsTrial = isTrial })
	}

	reqReset := parseOpenAIReset(h.Get("x-ratelimit-reset-requests"))
	tokReset := parseOpenAIReset(h.Get("x-ratelimit-reset-tokens"))
	if reqReset > 0 || tokReset > 0 {
		p.UpdateRateLimits(hash, reqReset, tokReset)
	}
}

// parseOpenAIReset converts reset header values ("59ms", "7.66s", "6m12s")
// to milliseconds. Bare numbers are taken as seconds.
func parseOpenAIReset(s string) int64 {
	if s == "" {
		return 0
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d.Milliseconds()
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(secs * 1000)
	}
	return 0
}

func toOpenAIProbeError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProbeError{
			Status:  apierr.StatusCode,
			Code:    openaiErrorCode(apierr),
			Message: apierr.Error(),
		}
	}
	return err
}

func openaiErrorCode(apierr *openaiSDK.Error) string {
	msg := strings.ToLower(apierr.Error())
	if strings.Contains(msg, "insufficient_quota") {
		return "insufficient_quota"
	}
	return ""
}
