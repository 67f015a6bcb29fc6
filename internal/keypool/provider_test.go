package keypool

import (
	"errors"
	"testing"
	"time"

	"github.com/openmux/llm-relay/internal/models"
)

// testProvider builds a provider with a controllable clock starting at t0.
func testProvider(t *testing.T, svc models.Service, secrets ...string) (*Provider, *int64) {
	t.Helper()

	keys, err := ParseKeys(svc, join(secrets))
	if err != nil {
		t.Fatalf("ParseKeys: %v", err)
	}
	p := NewProvider(svc, keys, GetOptions{}, nil)

	now := int64(1_700_000_000_000)
	p.nowMS = func() int64 { return now }
	return p, &now
}

func join(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func mustGet(t *testing.T, p *Provider, model string) *Key {
	t.Helper()
	k, err := p.Get(model)
	if err != nil {
		t.Fatalf("Get(%s): %v", model, err)
	}
	return k
}

func TestGetFiltersAndThrottles(t *testing.T) {
	p, now := testProvider(t, models.Anthropic, "sk-ant-one", "sk-ant-two")

	k := mustGet(t, p, "claude-3-5-sonnet-20240620")
	if k.Disabled {
		t.Fatal("got a disabled key")
	}
	if !k.ServesFamily(models.Claude) {
		t.Fatalf("key families = %v, want claude", k.Families)
	}
	wantUntil := *now + anthropicReuseDelay.Milliseconds()
	if k.RateLimitedUntil < wantUntil {
		t.Errorf("RateLimitedUntil = %d, want >= %d (reuse throttle)", k.RateLimitedUntil, wantUntil)
	}
	if k.LastUsed != *now {
		t.Errorf("LastUsed = %d, want %d", k.LastUsed, *now)
	}

	// The copy must be independent of pool state.
	k.Families[0] = "mangled"
	for _, live := range p.List() {
		if live.Families[0] == "mangled" {
			t.Error("Get returned a live reference into the pool")
		}
	}
}

func TestGetSpreadsAcrossKeys(t *testing.T) {
	p, _ := testProvider(t, models.Anthropic, "sk-ant-one", "sk-ant-two")

	first := mustGet(t, p, "claude-3-5-sonnet-20240620")
	second := mustGet(t, p, "claude-3-5-sonnet-20240620")
	if first.Hash == second.Hash {
		t.Errorf("second Get reused throttled key %s", first.Hash)
	}
}

func TestGetPrefersLeastRecentlyUsed(t *testing.T) {
	p, now := testProvider(t, models.Anthropic, "sk-ant-one", "sk-ant-two")

	a := mustGet(t, p, "claude-3-5-sonnet-20240620")
	*now += 600 // past the 500ms reuse delay for both
	b := mustGet(t, p, "claude-3-5-sonnet-20240620")
	*now += 600
	c := mustGet(t, p, "claude-3-5-sonnet-20240620")

	if a.Hash == b.Hash {
		t.Fatal("expected rotation between two keys")
	}
	if c.Hash != a.Hash {
		t.Errorf("third Get = %s, want LRU key %s", c.Hash, a.Hash)
	}
}

func TestGetNoKeysAvailable(t *testing.T) {
	p, _ := testProvider(t, models.Anthropic, "sk-ant-one")
	p.Disable(KeyHash("sk-ant-one"), false)

	_, err := p.Get("claude-3-5-sonnet-20240620")
	if !errors.Is(err, ErrNoKeysAvailable) {
		t.Fatalf("err = %v, want ErrNoKeysAvailable", err)
	}
}

func TestGetUnknownFamily(t *testing.T) {
	p, _ := testProvider(t, models.Anthropic, "sk-ant-one")

	_, err := p.Get("gpt-4o-2024-05-13")
	if !errors.Is(err, ErrNoKeysAvailable) {
		t.Fatalf("err = %v, want ErrNoKeysAvailable for foreign model", err)
	}
}

func TestDisableIdempotentAndRevokeSticky(t *testing.T) {
	p, _ := testProvider(t, models.Anthropic, "sk-ant-one")
	hash := KeyHash("sk-ant-one")

	p.Disable(hash, true)
	p.Disable(hash, true)
	p.Disable(hash, false) // must not clear revocation

	keys := p.List()
	if len(keys) != 1 {
		t.Fatalf("List() = %d keys, want 1", len(keys))
	}
	if !keys[0].Disabled || !keys[0].Revoked {
		t.Errorf("key = disabled:%v revoked:%v, want both true", keys[0].Disabled, keys[0].Revoked)
	}
}

func TestMarkRateLimitedIdempotentWithinWindow(t *testing.T) {
	p, now := testProvider(t, models.Anthropic, "sk-ant-one")
	hash := KeyHash("sk-ant-one")

	p.MarkRateLimited(hash)
	firstUntil := p.List()[0].RateLimitedUntil
	if want := *now + anthropicLockout.Milliseconds(); firstUntil != want {
		t.Fatalf("RateLimitedUntil = %d, want %d", firstUntil, want)
	}

	p.MarkRateLimited(hash)
	if got := p.List()[0].RateLimitedUntil; got != firstUntil {
		t.Errorf("second MarkRateLimited moved the window: %d != %d", got, firstUntil)
	}
}

func TestGetLockoutPeriod(t *testing.T) {
	p, now := testProvider(t, models.Anthropic, "sk-ant-one", "sk-ant-two")
	hashA, hashB := KeyHash("sk-ant-one"), KeyHash("sk-ant-two")

	if got := p.GetLockoutPeriod(models.Claude); got != 0 {
		t.Fatalf("lockout with free keys = %v, want 0", got)
	}

	p.MarkRateLimited(hashA)
	if got := p.GetLockoutPeriod(models.Claude); got != 0 {
		t.Fatalf("lockout with one free key = %v, want 0", got)
	}

	p.MarkRateLimited(hashB)
	got := p.GetLockoutPeriod(models.Claude)
	if got <= 0 || got > anthropicLockout {
		t.Fatalf("lockout with all keys limited = %v, want (0, %v]", got, anthropicLockout)
	}

	// Expiry frees the family again.
	*now += anthropicLockout.Milliseconds()
	if got := p.GetLockoutPeriod(models.Claude); got != 0 {
		t.Errorf("lockout after expiry = %v, want 0", got)
	}

	// No enabled keys at all: zero, so requests fail fast downstream.
	p.Disable(hashA, false)
	p.Disable(hashB, false)
	if got := p.GetLockoutPeriod(models.Claude); got != 0 {
		t.Errorf("lockout with no enabled keys = %v, want 0", got)
	}
}

func TestUpdateStampsLastChecked(t *testing.T) {
	p, now := testProvider(t, models.Anthropic, "sk-ant-one")
	hash := KeyHash("sk-ant-one")

	*now += 1234
	p.Update(hash, func(k *Key) { k.Anthropic.RequiresPreamble = true })

	k := p.List()[0]
	if k.LastChecked != *now {
		t.Errorf("LastChecked = %d, want %d", k.LastChecked, *now)
	}
	if !k.Anthropic.RequiresPreamble {
		t.Error("mutation not applied")
	}
}

func TestIncrementUsage(t *testing.T) {
	p, _ := testProvider(t, models.OpenAI, "sk-oai-one")
	hash := KeyHash("sk-oai-one")
	p.Update(hash, func(k *Key) {
		k.Families = []models.Family{models.Turbo, models.GPT4o}
	})

	p.IncrementUsage(hash, "gpt-4o-2024-05-13", 42)
	p.IncrementUsage(hash, "gpt-4o-2024-05-13", 8)

	k := p.List()[0]
	if k.PromptCount != 2 {
		t.Errorf("PromptCount = %d, want 2", k.PromptCount)
	}
	if got := k.TokensByFamily[models.GPT4o]; got != 50 {
		t.Errorf("TokensByFamily[gpt4o] = %d, want 50", got)
	}
}

func TestOpenAILockoutDerivedFromHeaders(t *testing.T) {
	p, now := testProvider(t, models.OpenAI, "sk-oai-one")
	hash := KeyHash("sk-oai-one")

	// Below the floor: the 10s minimum wins.
	p.UpdateRateLimits(hash, 3000, 0)
	p.MarkRateLimited(hash)
	k := p.List()[0]
	if want := *now + openaiRateLimitFloor.Milliseconds(); k.RateLimitedUntil != want {
		t.Fatalf("floored lockout until = %d, want %d", k.RateLimitedUntil, want)
	}

	// Above the floor: the header hint wins.
	*now += time.Hour.Milliseconds()
	p.UpdateRateLimits(hash, 30_000, 15_000)
	p.MarkRateLimited(hash)
	k = p.List()[0]
	if want := *now + 30_000; k.RateLimitedUntil != want {
		t.Fatalf("header lockout until = %d, want %d", k.RateLimitedUntil, want)
	}
}

func TestRecheckResetsKeys(t *testing.T) {
	p, _ := testProvider(t, models.Anthropic, "sk-ant-one")
	hash := KeyHash("sk-ant-one")

	p.Disable(hash, true)
	p.Recheck()

	k := p.List()[0]
	if k.Disabled || k.Revoked || k.LastChecked != 0 {
		t.Errorf("after Recheck: disabled:%v revoked:%v lastChecked:%d, want all zero",
			k.Disabled, k.Revoked, k.LastChecked)
	}

	select {
	case <-p.rechecked:
	default:
		t.Error("Recheck did not wake the checker")
	}
}

func TestAddClone(t *testing.T) {
	p, _ := testProvider(t, models.OpenAI, "sk-oai-one")
	src := KeyHash("sk-oai-one")
	p.IncrementUsage(src, "gpt-3.5-turbo", 10)

	hash := p.AddClone(src, "org-alpha")
	if hash == "" || hash == src {
		t.Fatalf("AddClone = %q, want a distinct hash", hash)
	}
	if again := p.AddClone(src, "org-alpha"); again != hash {
		t.Errorf("duplicate AddClone = %q, want %q", again, hash)
	}

	var org *Key
	for _, k := range p.List() {
		if k.Hash == hash {
			org = k
		}
	}
	if org == nil {
		t.Fatal("clone not in listing")
	}
	if org.OpenAI.OrganizationID != "org-alpha" {
		t.Errorf("clone org = %q, want org-alpha", org.OpenAI.OrganizationID)
	}
	if org.PromptCount != 0 {
		t.Errorf("clone PromptCount = %d, want independent counter", org.PromptCount)
	}
}

func TestListRedactsSecrets(t *testing.T) {
	aws := "AKIAEXAMPLE:supersecret:us-east-1"
	p, _ := testProvider(t, models.AWS, aws)

	k := p.List()[0]
	if k.Secret() != "" {
		t.Error("listing leaked the composite secret")
	}
	if k.AWS.SecretAccessKey != "" {
		t.Error("listing leaked the AWS secret access key")
	}
	if k.AWS.AccessKeyID != "AKIAEXAMPLE" {
		t.Errorf("access key id = %q, want preserved", k.AWS.AccessKeyID)
	}
}
