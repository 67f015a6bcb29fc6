package keypool

import (
	"testing"

	"github.com/openmux/llm-relay/internal/models"
)

func key(hash string, lastUsed, limitedUntil int64) *Key {
	return &Key{
		Hash:             hash,
		Service:          models.OpenAI,
		Families:         []models.Family{models.Turbo},
		LastUsed:         lastUsed,
		RateLimitedUntil: limitedUntil,
	}
}

func order(keys []*Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Hash
	}
	return out
}

func TestPrioritizeOrdering(t *testing.T) {
	const now = int64(10_000)

	tests := []struct {
		name string
		keys []*Key
		tb   Tiebreaker
		want []string
	}{
		{
			name: "free before rate limited",
			keys: []*Key{key("limited", 0, now+5000), key("free", 99, 0)},
			want: []string{"free", "limited"},
		},
		{
			name: "earliest expiry among limited",
			keys: []*Key{key("late", 0, now+9000), key("soon", 0, now+1000)},
			want: []string{"soon", "late"},
		},
		{
			name: "least recently used among free",
			keys: []*Key{key("recent", 500, 0), key("stale", 5, 0), key("never", 0, 0)},
			want: []string{"never", "stale", "recent"},
		},
		{
			name: "expired lockout counts as free",
			keys: []*Key{key("expired", 0, now-1), key("used", 1, 0)},
			want: []string{"expired", "used"},
		},
		{
			name: "tiebreaker beats recency",
			keys: []*Key{
				func() *Key { k := key("trial", 0, 0); k.OpenAI = &OpenAIState{IsTrial: true}; return k }(),
				func() *Key { k := key("paid", 100, 0); k.OpenAI = &OpenAIState{}; return k }(),
			},
			tb:   preferNonTrial,
			want: []string{"paid", "trial"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prioritize(tt.keys, now, tt.tb)
			got := order(tt.keys)
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("order = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestPrioritizeIsStable(t *testing.T) {
	a := key("a", 7, 0)
	b := key("b", 7, 0)
	keys := []*Key{a, b}
	prioritize(keys, 10_000, nil)
	if keys[0] != a || keys[1] != b {
		t.Error("equal keys were reordered")
	}
}

func TestPreferInferenceProfile(t *testing.T) {
	with := key("with", 50, 0)
	with.AWS = &AWSState{InferenceProfileIDs: []string{"anthropic.claude-3-5-sonnet-20240620-v1:0"}}
	without := key("without", 0, 0)
	without.AWS = &AWSState{}

	keys := []*Key{without, with}
	prioritize(keys, 10_000, preferInferenceProfile("anthropic.claude-3-5-sonnet-20240620-v1:0"))
	if keys[0] != with {
		t.Errorf("order = %v, want inference-profile key first", order(keys))
	}
}
