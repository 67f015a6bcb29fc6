package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/openmux/llm-relay/internal/models"
	"github.com/openmux/llm-relay/internal/translate"
)

// bindings is the full client surface: one entry per provider-shaped route.
var bindings = []routeBinding{
	{name: "openai_chat", service: models.OpenAI, inbound: translate.OpenAIChat, outbound: translate.OpenAIChat, path: "/v1/chat/completions"},
	{name: "openai_images", service: models.OpenAI, inbound: translate.OpenAIImage, outbound: translate.OpenAIImage, path: "/v1/images/generations"},
	{name: "anthropic_messages", service: models.Anthropic, inbound: translate.AnthropicChat, outbound: translate.AnthropicChat, path: "/v1/messages"},
	{name: "anthropic_complete", service: models.Anthropic, inbound: translate.AnthropicText, outbound: translate.AnthropicText, path: "/v1/complete"},
	{name: "aws_chat", service: models.AWS, inbound: translate.OpenAIChat, outbound: translate.AnthropicChat},
	{name: "aws_messages", service: models.AWS, inbound: translate.AnthropicChat, outbound: translate.AnthropicChat},
	{name: "gcp_chat", service: models.GCP, inbound: translate.OpenAIChat, outbound: translate.AnthropicChat},
	{name: "gcp_messages", service: models.GCP, inbound: translate.AnthropicChat, outbound: translate.AnthropicChat},
	{name: "azure_chat", service: models.Azure, inbound: translate.OpenAIChat, outbound: translate.OpenAIChat, path: "/chat/completions"},
	{name: "azure_images", service: models.Azure, inbound: translate.OpenAIImage, outbound: translate.OpenAIImage, path: "/images/generations"},
	{name: "googleai_generate", service: models.GoogleAI, inbound: translate.GoogleAI, outbound: translate.GoogleAI},
	{name: "mistral_chat", service: models.Mistral, inbound: translate.MistralChat, outbound: translate.MistralChat, path: "/v1/chat/completions"},
	{name: "mistral_text", service: models.Mistral, inbound: translate.MistralText, outbound: translate.MistralText, path: "/v1/completions"},
}

func (g *Gateway) binding(name string) routeBinding {
	for _, b := range bindings {
		if b.name == name {
			return b
		}
	}
	return routeBinding{}
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string) error {
	srv := g.Server()
	return srv.ListenAndServe(addr)
}

// Server builds the configured fasthttp server without binding a listener,
// so tests can serve it on an in-memory transport.
func (g *Gateway) Server() *fasthttp.Server {
	r := router.New()

	r.POST("/proxy/openai/v1/chat/completions", g.relay(g.binding("openai_chat")))
	r.POST("/proxy/openai/v1/images/generations", g.relay(g.binding("openai_images")))
	r.GET("/proxy/openai/v1/models", g.handleModels(models.OpenAI))

	r.POST("/proxy/anthropic/v1/messages", g.relay(g.binding("anthropic_messages")))
	r.POST("/proxy/anthropic/v1/complete", g.relay(g.binding("anthropic_complete")))
	r.GET("/proxy/anthropic/v1/models", g.handleModels(models.Anthropic))

	r.POST("/proxy/aws/claude/v1/chat/completions", g.relay(g.binding("aws_chat")))
	r.POST("/proxy/aws/claude/v1/messages", g.relay(g.binding("aws_messages")))
	r.GET("/proxy/aws/claude/v1/models", g.handleModels(models.AWS))

	r.POST("/proxy/gcp/claude/v1/chat/completions", g.relay(g.binding("gcp_chat")))
	r.POST("/proxy/gcp/claude/v1/messages", g.relay(g.binding("gcp_messages")))
	r.GET("/proxy/gcp/claude/v1/models", g.handleModels(models.GCP))

	r.POST("/proxy/azure/openai/v1/chat/completions", g.relay(g.binding("azure_chat")))
	r.POST("/proxy/azure/openai/v1/images/generations", g.relay(g.binding("azure_images")))
	r.GET("/proxy/azure/openai/v1/models", g.handleModels(models.Azure))

	// {action} is "model:generateContent" or "model:streamGenerateContent".
	r.POST("/proxy/google-ai/v1beta/models/{action}", g.relay(g.binding("googleai_generate")))
	r.GET("/proxy/google-ai/v1beta/models", g.handleModels(models.GoogleAI))

	r.POST("/proxy/mistral/v1/chat/completions", g.relay(g.binding("mistral_chat")))
	r.POST("/proxy/mistral/v1/completions", g.relay(g.binding("mistral_text")))
	r.GET("/proxy/mistral/v1/models", g.handleModels(models.Mistral))

	r.GET("/healthz", g.handleHealthz)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	return &fasthttp.Server{
		Handler: handler,
		// Long enough for a queued streaming request to live out its five
		// minutes plus the upstream stream itself.
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       15 * time.Minute,
		MaxRequestBodySize: 10 << 20,
	}
}

// handleModels serves the cached per-service model listing.
func (g *Gateway) handleModels(svc models.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		cacheKey := "models:" + string(svc)
		if g.modelCache != nil {
			if body, ok := g.modelCache.Get(ctx, cacheKey); ok {
				ctx.SetContentType("application/json")
				ctx.SetBody(body)
				return
			}
		}

		body := g.renderModels(svc)
		if g.modelCache != nil {
			g.modelCache.Set(ctx, cacheKey, body, g.modelListTTL) //nolint:errcheck
		}
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
	}
}

// renderModels synthesizes the listing from the pool's discovered model IDs,
// falling back to family defaults when no key reported a list. Google AI uses
// its native shape; everything else speaks the OpenAI list schema.
func (g *Gateway) renderModels(svc models.Service) []byte {
	ids := g.modelIDs(svc)

	if svc == models.GoogleAI {
		type entry struct {
			Name string `json:"name"`
		}
		out := struct {
			Models []entry `json:"models"`
		}{Models: make([]entry, 0, len(ids))}
		for _, id := range ids {
			out.Models = append(out.Models, entry{Name: "models/" + id})
		}
		body, _ := json.Marshal(out)
		return body
	}

	type entry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	out := struct {
		Object string  `json:"object"`
		Data   []entry `json:"data"`
	}{Object: "list", Data: make([]entry, 0, len(ids))}
	for _, id := range ids {
		out.Data = append(out.Data, entry{ID: id, Object: "model", OwnedBy: string(svc)})
	}
	body, _ := json.Marshal(out)
	return body
}

// modelIDs collects the union of model identifiers the pool's keys can serve.
func (g *Gateway) modelIDs(svc models.Service) []string {
	p := g.pool.Provider(svc)
	if p == nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	add := func(ids []string) {
		for _, id := range ids {
			if seen[id] || g.blockedModels.Matches(id) {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}

	families := make(map[models.Family]bool)
	for _, key := range p.List() {
		if key.Disabled {
			continue
		}
		switch {
		case key.OpenAI != nil:
			add(key.OpenAI.ModelIDs)
		case key.AWS != nil:
			add(key.AWS.ModelIDs)
		case key.Azure != nil:
			add(key.Azure.ModelIDs)
		}
		for _, f := range key.Families {
			families[f] = true
		}
	}
	for f := range families {
		add(defaultModelIDs[f])
	}
	return out
}

// defaultModelIDs backs the listing for families whose checkers discover
// capability flags rather than model lists.
var defaultModelIDs = map[models.Family][]string{
	models.Claude:        {"claude-3-haiku-20240307", "claude-3-sonnet-20240229", "claude-3-5-sonnet-20240620"},
	models.ClaudeOpus:    {"claude-3-opus-20240229"},
	models.AWSClaude:     {"anthropic.claude-3-haiku-20240307-v1:0", "anthropic.claude-3-5-sonnet-20240620-v1:0"},
	models.AWSClaudeOpus: {"anthropic.claude-3-opus-20240229-v1:0"},
	models.AWSMistral:    {"mistral.mistral-large-2402-v1:0"},
	models.GCPClaude:     {"claude-3-haiku@20240307", "claude-3-5-sonnet@20240620"},
	models.GCPClaudeOpus: {"claude-3-opus@20240229"},
	models.GeminiFlash:   {"gemini-1.5-flash"},
	models.GeminiPro:     {"gemini-1.5-pro"},
	models.GeminiUltra:   {"gemini-1.0-ultra"},
	models.MistralTiny:   {"open-mistral-7b"},
	models.MistralSmall:  {"mistral-small-latest"},
	models.MistralMedium: {"open-mixtral-8x22b"},
	models.MistralLarge:  {"mistral-large-latest"},
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
