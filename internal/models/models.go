// Package models defines the static mapping between model identifiers, model
// families, and the upstream services that host them. The mapping is pure data:
// no I/O, no locking, resolved once per request.
package models

import "strings"

// Service identifies an upstream provider API.
type Service string

const (
	OpenAI    Service = "openai"
	Anthropic Service = "anthropic"
	AWS       Service = "aws"
	GCP       Service = "gcp"
	Azure     Service = "azure"
	GoogleAI  Service = "google-ai"
	Mistral   Service = "mistral"
)

// Family is a coarse model class used for queue partitioning, per-key token
// accounting, and lockout tracking. Every family belongs to exactly one service.
type Family string

const (
	Turbo      Family = "turbo"
	GPT4       Family = "gpt4"
	GPT4Turbo  Family = "gpt4-turbo"
	GPT4o      Family = "gpt4o"
	O1         Family = "o1"
	DallE      Family = "dall-e"
	Claude     Family = "claude"
	ClaudeOpus Family = "claude-opus"

	AWSClaude     Family = "aws-claude"
	AWSClaudeOpus Family = "aws-claude-opus"
	AWSMistral    Family = "aws-mistral"

	GCPClaude     Family = "gcp-claude"
	GCPClaudeOpus Family = "gcp-claude-opus"

	AzureTurbo Family = "azure-turbo"
	AzureGPT4  Family = "azure-gpt4"
	AzureGPT4o Family = "azure-gpt4o"
	AzureDallE Family = "azure-dall-e"

	GeminiFlash Family = "gemini-flash"
	GeminiPro   Family = "gemini-pro"
	GeminiUltra Family = "gemini-ultra"

	MistralTiny   Family = "mistral-tiny"
	MistralSmall  Family = "mistral-small"
	MistralMedium Family = "mistral-medium"
	MistralLarge  Family = "mistral-large"
)

// familyService maps each family to its owning service.
var familyService = map[Family]Service{
	Turbo:      OpenAI,
	GPT4:       OpenAI,
	GPT4Turbo:  OpenAI,
	GPT4o:      OpenAI,
	O1:         OpenAI,
	DallE:      OpenAI,
	Claude:     Anthropic,
	ClaudeOpus: Anthropic,

	AWSClaude:     AWS,
	AWSClaudeOpus: AWS,
	AWSMistral:    AWS,

	GCPClaude:     GCP,
	GCPClaudeOpus: GCP,

	AzureTurbo: Azure,
	AzureGPT4:  Azure,
	AzureGPT4o: Azure,
	AzureDallE: Azure,

	GeminiFlash: GoogleAI,
	GeminiPro:   GoogleAI,
	GeminiUltra: GoogleAI,

	MistralTiny:   Mistral,
	MistralSmall:  Mistral,
	MistralMedium: Mistral,
	MistralLarge:  Mistral,
}

// ServiceOf returns the service hosting the given family, or "" if unknown.
func ServiceOf(f Family) Service { return familyService[f] }

// pattern is a longest-prefix rule mapping model identifiers to a family.
type pattern struct {
	prefix string
	family Family
}

// Patterns are checked in order; the first prefix match wins, so more specific
// prefixes must be listed before the generic ones they extend.
var openaiPatterns = []pattern{
	{"gpt-4o", GPT4o},
	{"chatgpt-4o", GPT4o},
	{"gpt-4-turbo", GPT4Turbo},
	{"gpt-4-1106", GPT4Turbo},
	{"gpt-4-0125", GPT4Turbo},
	{"gpt-4-vision", GPT4Turbo},
	{"gpt-4", GPT4},
	{"o1", O1},
	{"gpt-3.5-turbo", Turbo},
	{"dall-e", DallE},
	{"text-embedding", Turbo},
}

var anthropicPatterns = []pattern{
	{"claude-3-opus", ClaudeOpus},
	{"claude-opus", ClaudeOpus},
	{"claude", Claude},
	{"anthropic.claude-3-opus", ClaudeOpus},
	{"anthropic.claude", Claude},
}

var awsPatterns = []pattern{
	{"anthropic.claude-3-opus", AWSClaudeOpus},
	{"anthropic.claude", AWSClaude},
	{"claude-3-opus", AWSClaudeOpus},
	{"claude-opus", AWSClaudeOpus},
	{"claude", AWSClaude},
	{"mistral.", AWSMistral},
	{"mistral", AWSMistral},
}

var gcpPatterns = []pattern{
	{"claude-3-opus", GCPClaudeOpus},
	{"claude-opus", GCPClaudeOpus},
	{"claude", GCPClaude},
}

var azurePatterns = []pattern{
	{"gpt-4o", AzureGPT4o},
	{"gpt-4", AzureGPT4},
	{"gpt-3.5-turbo", AzureTurbo},
	{"dall-e", AzureDallE},
}

var googleAIPatterns = []pattern{
	{"gemini-1.5-flash", GeminiFlash},
	{"gemini-2.0-flash", GeminiFlash},
	{"gemini-flash", GeminiFlash},
	{"gemini-1.0-ultra", GeminiUltra},
	{"gemini-ultra", GeminiUltra},
	{"gemini", GeminiPro},
}

var mistralPatterns = []pattern{
	{"mistral-tiny", MistralTiny},
	{"open-mistral-7b", MistralTiny},
	{"mistral-small", MistralSmall},
	{"open-mixtral-8x7b", MistralSmall},
	{"mistral-medium", MistralMedium},
	{"open-mixtral-8x22b", MistralMedium},
	{"mistral-large", MistralLarge},
	{"mistral", MistralSmall},
}

var servicePatterns = map[Service][]pattern{
	OpenAI:    openaiPatterns,
	Anthropic: anthropicPatterns,
	AWS:       awsPatterns,
	GCP:       gcpPatterns,
	Azure:     azurePatterns,
	GoogleAI:  googleAIPatterns,
	Mistral:   mistralPatterns,
}

// FamilyFor resolves a model identifier to its family within a service
// namespace. The service comes from route configuration; the same bare model
// name (e.g. "claude-3-5-sonnet-20240620") resolves to a different family on
// the Anthropic and AWS routes. Returns "" when the model is unknown.
func FamilyFor(svc Service, model string) Family {
	for _, p := range servicePatterns[svc] {
		if strings.HasPrefix(model, p.prefix) {
			return p.family
		}
	}
	return ""
}

// Resolve is FamilyFor with the service derived from the model alone, for
// callers without route context (listings, config parsing). Namespaced AWS ids
// win over bare Anthropic names.
func Resolve(model string) (Service, Family) {
	for _, svc := range []Service{AWS, GoogleAI, Mistral, Anthropic, OpenAI} {
		if svc == AWS && !strings.Contains(model, ".") {
			continue
		}
		if f := FamilyFor(svc, model); f != "" {
			return svc, f
		}
	}
	return "", ""
}

// FamiliesOf returns every family hosted by the given service, in stable order.
func FamiliesOf(svc Service) []Family {
	out := make([]Family, 0, 4)
	for _, f := range allFamilies {
		if familyService[f] == svc {
			out = append(out, f)
		}
	}
	return out
}

// allFamilies fixes the iteration order for FamiliesOf.
var allFamilies = []Family{
	Turbo, GPT4, GPT4Turbo, GPT4o, O1, DallE,
	Claude, ClaudeOpus,
	AWSClaude, AWSClaudeOpus, AWSMistral,
	GCPClaude, GCPClaudeOpus,
	AzureTurbo, AzureGPT4, AzureGPT4o, AzureDallE,
	GeminiFlash, GeminiPro, GeminiUltra,
	MistralTiny, MistralSmall, MistralMedium, MistralLarge,
}

// Known reports whether f is a defined family.
func Known(f Family) bool {
	_, ok := familyService[f]
	return ok
}
