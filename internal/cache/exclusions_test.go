package cache

import (
	"testing"
)

func TestExclusionList_NilSafe(t *testing.T) {
	var el *ExclusionList
	if el.Matches("gpt-4o") {
		t.Fatal("nil ExclusionList must never match")
	}
	if el.Len() != 0 {
		t.Fatal("nil ExclusionList Len must be 0")
	}
}

func TestExclusionList_ExactMatch(t *testing.T) {
	el, err := NewExclusionList([]string{"gpt-4o", "claude-3-opus-20240229"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"claude-3-opus-20240229", true},
		{"gpt-4o-mini", false}, // exact means exact, not prefix
		{"GPT-4O", false},      // case-sensitive
		{"gpt-4", false},
		{"mistral-large-latest", false},
	}
	for _, c := range cases {
		if got := el.Matches(c.model); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

// Pattern rules cover whole model generations, the typical way an operator
// withholds expensive tiers from the relay.
func TestExclusionList_RegexMatch(t *testing.T) {
	el, err := NewExclusionList(nil, []string{`-opus`, `^o1-`, `-preview$`})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"claude-3-opus-20240229", true},
		{"claude-3-opus@20240229", true},
		{"o1-mini", true},
		{"gpt-4.5-preview", true},
		{"o1", false}, // no trailing dash
		{"claude-3-5-sonnet-20240620", false},
		{"gpt-4o", false},
	}
	for _, c := range cases {
		if got := el.Matches(c.model); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestExclusionList_ExactAndRegexCombined(t *testing.T) {
	el, err := NewExclusionList(
		[]string{"mistral-large-latest"},
		[]string{`-opus`},
	)
	if err != nil {
		t.Fatal(err)
	}

	if !el.Matches("mistral-large-latest") {
		t.Error("exact rule missed")
	}
	if !el.Matches("anthropic.claude-3-opus-20240229-v1:0") {
		t.Error("pattern rule missed")
	}
	if el.Matches("mistral-medium-latest") {
		t.Error("unlisted model must not match")
	}
}

func TestExclusionList_InvalidPattern(t *testing.T) {
	_, err := NewExclusionList(nil, []string{`[invalid(`})
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestExclusionList_EmptyStringsSkipped(t *testing.T) {
	el, err := NewExclusionList([]string{"", "gpt-4o", ""}, []string{"", `-opus`})
	if err != nil {
		t.Fatal(err)
	}
	if !el.Matches("gpt-4o") {
		t.Error("should match gpt-4o")
	}
	if !el.Matches("claude-3-opus-20240229") {
		t.Error("should match via pattern")
	}
	if el.Len() != 2 { // 1 exact + 1 pattern
		t.Errorf("Len = %d, want 2", el.Len())
	}
}
