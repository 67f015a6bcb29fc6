package proxy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/openmux/llm-relay/internal/models"
	"github.com/openmux/llm-relay/internal/tokens"
	"github.com/openmux/llm-relay/internal/translate"
	"github.com/openmux/llm-relay/pkg/apierr"
)

// PreprocessConfig is the policy surface applied once per request, before it
// can enter the queue.
type PreprocessConfig struct {
	// BlockedOrigins rejects requests whose Origin or Referer matches.
	BlockedOrigins []string
	// FilterPatterns are the local content-filter rules.
	FilterPatterns []*regexp.Regexp
	// FilterStrikeBase is the first backoff after a filter hit.
	FilterStrikeBase time.Duration
	// MaxContextTokens bounds promptTokens+outputTokens per family; zero
	// means unbounded.
	MaxContextTokens map[models.Family]int64
	// VisionFamilies lists families allowed to carry image parts.
	VisionFamilies map[models.Family]bool
	// QuotaTokens is the per-identity token quota per family; zero means
	// unbounded.
	QuotaTokens map[models.Family]int64
}

type strike struct {
	count int
	until time.Time
}

// Preprocessor runs the one-time request transforms. Safe for concurrent use.
type Preprocessor struct {
	counter *tokens.Counter
	cfg     PreprocessConfig

	mu      sync.Mutex
	strikes map[string]*strike
	usage   map[string]int64

	now func() time.Time
}

func NewPreprocessor(counter *tokens.Counter, cfg PreprocessConfig) *Preprocessor {
	if cfg.FilterStrikeBase <= 0 {
		cfg.FilterStrikeBase = 30 * time.Second
	}
	return &Preprocessor{
		counter: counter,
		cfg:     cfg,
		strikes: make(map[string]*strike),
		usage:   make(map[string]int64),
		now:     time.Now,
	}
}

// Run applies the preprocessing chain to a request whose route tags
// (service, family, formats) are already set. On success the request is ready
// to enqueue; on error it must be answered and dropped.
func (p *Preprocessor) Run(req *Request, origin, referer, clientIP string) *apierr.Error {
	if err := p.checkOrigin(origin, referer); err != nil {
		return err
	}

	if req.InboundFormat != req.OutboundFormat {
		translated, err := translate.TransformRequest(req.InboundFormat, req.OutboundFormat, req.Body)
		if err != nil {
			return apierr.New(apierr.KindBadRequest, "request cannot be translated for this route: %v", err)
		}
		req.Body = translated
	}

	req.PromptTokens = p.counter.CountBody(req.Service, req.Model, req.Body)
	req.OutputTokens = tokens.RequestedMaxTokens(req.Body)

	if err := p.checkContent(req, clientIP); err != nil {
		return err
	}
	if err := p.validate(req); err != nil {
		return err
	}
	return p.checkQuota(req)
}

func (p *Preprocessor) checkOrigin(origin, referer string) *apierr.Error {
	for _, blocked := range p.cfg.BlockedOrigins {
		if blocked == "" {
			continue
		}
		if strings.Contains(origin, blocked) || strings.Contains(referer, blocked) {
			return apierr.New(apierr.KindForbidden, "requests from this origin are not accepted")
		}
	}
	return nil
}

// checkContent applies the local filter patterns with per-IP exponential
// backoff: each hit doubles the lockout window.
func (p *Preprocessor) checkContent(req *Request, clientIP string) *apierr.Error {
	if len(p.cfg.FilterPatterns) == 0 {
		return nil
	}

	now := p.now()

	p.mu.Lock()
	if s, ok := p.strikes[clientIP]; ok && now.Before(s.until) {
		remaining := s.until.Sub(now).Round(time.Second)
		p.mu.Unlock()
		return apierr.New(apierr.KindForbidden, "content filter cooldown, retry in %s", remaining)
	}
	p.mu.Unlock()

	text := promptText(req.Body)
	for _, pat := range p.cfg.FilterPatterns {
		if pat.MatchString(text) {
			p.mu.Lock()
			s, ok := p.strikes[clientIP]
			if !ok {
				s = &strike{}
				p.strikes[clientIP] = s
			}
			s.count++
			s.until = now.Add(p.cfg.FilterStrikeBase * (1 << (s.count - 1)))
			p.mu.Unlock()
			return apierr.New(apierr.KindForbidden, "request rejected by content filter")
		}
	}
	return nil
}

func (p *Preprocessor) validate(req *Request) *apierr.Error {
	if !models.Known(req.Family) {
		return apierr.New(apierr.KindBadRequest, "unknown model %q", req.Model)
	}
	if max := p.cfg.MaxContextTokens[req.Family]; max > 0 && req.TotalTokens() > max {
		return apierr.New(apierr.KindBadRequest,
			"request exceeds the %d token context limit for this model (prompt %d + max output %d)",
			max, req.PromptTokens, req.OutputTokens)
	}
	if hasImageParts(req.Body) && !p.cfg.VisionFamilies[req.Family] {
		return apierr.New(apierr.KindBadRequest, "image input is not enabled for this model")
	}
	return nil
}

func (p *Preprocessor) checkQuota(req *Request) *apierr.Error {
	quota := p.cfg.QuotaTokens[req.Family]
	if quota <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := quotaKey(req.Identity, req.Family)
	if p.usage[key]+req.TotalTokens() > quota {
		return apierr.New(apierr.KindForbidden, "token quota exhausted for this model family")
	}
	return nil
}

// ConsumeQuota records tokens actually spent, called by the response path.
func (p *Preprocessor) ConsumeQuota(identity string, family models.Family, spent int64) {
	if p.cfg.QuotaTokens[family] <= 0 {
		return
	}
	p.mu.Lock()
	p.usage[quotaKey(identity, family)] += spent
	p.mu.Unlock()
}

func quotaKey(identity string, family models.Family) string {
	return fmt.Sprintf("%s|%s", identity, family)
}

// promptText flattens the request's message text for filtering.
func promptText(body []byte) string {
	var b strings.Builder
	for _, field := range []string{"messages", "contents"} {
		gjson.GetBytes(body, field).ForEach(func(_, msg gjson.Result) bool {
			content := msg.Get("content")
			if content.Type == gjson.String {
				b.WriteString(content.Str)
				b.WriteByte('\n')
			} else if content.IsArray() {
				content.ForEach(func(_, part gjson.Result) bool {
					b.WriteString(part.Get("text").Str)
					b.WriteByte('\n')
					return true
				})
			}
			msg.Get("parts").ForEach(func(_, part gjson.Result) bool {
				b.WriteString(part.Get("text").Str)
				b.WriteByte('\n')
				return true
			})
			return true
		})
	}
	if sys := gjson.GetBytes(body, "system"); sys.Type == gjson.String {
		b.WriteString(sys.Str)
	}
	if prompt := gjson.GetBytes(body, "prompt"); prompt.Type == gjson.String {
		b.WriteString(prompt.Str)
	}
	return b.String()
}

func hasImageParts(body []byte) bool {
	found := false
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			t := part.Get("type").Str
			if t == "image_url" || t == "image" {
				found = true
				return false
			}
			return true
		})
		return !found
	})
	return found
}
