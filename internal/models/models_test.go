package models

import "testing"

func TestFamilyFor(t *testing.T) {
	tests := []struct {
		svc   Service
		model string
		want  Family
	}{
		{OpenAI, "gpt-4o-2024-05-13", GPT4o},
		{OpenAI, "gpt-4-turbo-2024-04-09", GPT4Turbo},
		{OpenAI, "gpt-4-0613", GPT4},
		{OpenAI, "gpt-3.5-turbo-0125", Turbo},
		{OpenAI, "o1-mini", O1},
		{OpenAI, "dall-e-3", DallE},
		{Anthropic, "claude-3-5-sonnet-20240620", Claude},
		{Anthropic, "claude-3-opus-20240229", ClaudeOpus},
		{AWS, "claude-3-5-sonnet-20240620", AWSClaude},
		{AWS, "anthropic.claude-3-5-sonnet-20240620-v1:0", AWSClaude},
		{AWS, "anthropic.claude-3-opus-20240229-v1:0", AWSClaudeOpus},
		{AWS, "mistral.mistral-large-2402-v1:0", AWSMistral},
		{GCP, "claude-3-5-sonnet@20240620", GCPClaude},
		{Azure, "gpt-4o", AzureGPT4o},
		{GoogleAI, "gemini-1.5-pro-latest", GeminiPro},
		{GoogleAI, "gemini-1.5-flash", GeminiFlash},
		{Mistral, "mistral-large-latest", MistralLarge},
		{Mistral, "open-mixtral-8x7b", MistralSmall},
		{OpenAI, "llama-3-70b", ""},
	}

	for _, tt := range tests {
		if got := FamilyFor(tt.svc, tt.model); got != tt.want {
			t.Errorf("FamilyFor(%s, %q) = %q, want %q", tt.svc, tt.model, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		model   string
		wantSvc Service
		wantFam Family
	}{
		{"gpt-4o-2024-05-13", OpenAI, GPT4o},
		{"claude-3-5-sonnet-20240620", Anthropic, Claude},
		{"anthropic.claude-3-5-sonnet-20240620-v1:0", AWS, AWSClaude},
		{"gemini-1.5-pro", GoogleAI, GeminiPro},
		{"mistral-small-latest", Mistral, MistralSmall},
		{"unknown-model", "", ""},
	}

	for _, tt := range tests {
		svc, fam := Resolve(tt.model)
		if svc != tt.wantSvc || fam != tt.wantFam {
			t.Errorf("Resolve(%q) = (%s, %s), want (%s, %s)", tt.model, svc, fam, tt.wantSvc, tt.wantFam)
		}
	}
}

func TestServiceOfCoversEveryFamily(t *testing.T) {
	for _, f := range allFamilies {
		if ServiceOf(f) == "" {
			t.Errorf("family %q has no service", f)
		}
	}
	if ServiceOf("nope") != "" {
		t.Error("unknown family should map to empty service")
	}
}

func TestFamiliesOf(t *testing.T) {
	fams := FamiliesOf(Anthropic)
	if len(fams) != 2 {
		t.Fatalf("FamiliesOf(anthropic) = %v, want [claude claude-opus]", fams)
	}
	for _, f := range fams {
		if ServiceOf(f) != Anthropic {
			t.Errorf("family %q not owned by anthropic", f)
		}
	}
}
