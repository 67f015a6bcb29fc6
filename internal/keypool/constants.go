package keypool

import (
	"time"

	"github.com/openmux/llm-relay/internal/models"
)

// Per-service selection and lockout constants. The reuse delay is the
// artificial throttle applied when a key is handed out; the lockout is the
// penalty applied when the upstream reports 429. OpenAI's lockout is derived
// from its rate-limit reset headers with a floor.
const (
	openaiReuseDelay    = 1000 * time.Millisecond
	anthropicReuseDelay = 500 * time.Millisecond
	awsReuseDelay       = 250 * time.Millisecond
	gcpReuseDelay       = 500 * time.Millisecond
	azureReuseDelay     = 500 * time.Millisecond
	googleAIReuseDelay  = 500 * time.Millisecond
	mistralReuseDelay   = 500 * time.Millisecond

	openaiRateLimitFloor = 10 * time.Second
	anthropicLockout     = 2000 * time.Millisecond
	awsLockout           = 5000 * time.Millisecond
	gcpLockout           = 4000 * time.Millisecond
	azureLockout         = 4000 * time.Millisecond
	googleAILockout      = 2000 * time.Millisecond
	mistralLockout       = 2000 * time.Millisecond
)

// Checker cadence.
const (
	// MinCheckInterval is the floor between two probes of the same key.
	MinCheckInterval = 60 * time.Second
	// recheckDelay delays the next probe after a 429 or a network error.
	recheckDelay = time.Minute
	// awsProbeConcurrency bounds parallel AWS invoke probes.
	awsProbeConcurrency = 2
)

// profile carries the per-service behaviour the shared provider machinery is
// parameterized with.
type profile struct {
	service    models.Service
	reuseDelay time.Duration
	// lockout computes the 429 penalty for a key. Most services use a fixed
	// constant; OpenAI derives it from the last seen reset headers.
	lockout func(k *Key) time.Duration
	// tiebreak orders equally-limited candidates, e.g. non-trial first.
	tiebreak Tiebreaker
	// eligible applies service-specific selection predicates beyond the
	// disabled/family filters.
	eligible func(k *Key, model string, opts GetOptions) bool
}

func fixedLockout(d time.Duration) func(*Key) time.Duration {
	return func(*Key) time.Duration { return d }
}

func openaiLockout(k *Key) time.Duration {
	d := openaiRateLimitFloor
	if k.OpenAI != nil {
		if r := time.Duration(k.OpenAI.RateLimitRequestsReset) * time.Millisecond; r > d {
			d = r
		}
		if r := time.Duration(k.OpenAI.RateLimitTokensReset) * time.Millisecond; r > d {
			d = r
		}
	}
	return d
}

// preferNonTrial sorts paid OpenAI keys ahead of trial keys.
func preferNonTrial(a, b *Key) int {
	at := a.OpenAI != nil && a.OpenAI.IsTrial
	bt := b.OpenAI != nil && b.OpenAI.IsTrial
	switch {
	case at == bt:
		return 0
	case bt:
		return -1
	default:
		return 1
	}
}

// preferInferenceProfile sorts AWS keys that carry an inference profile for
// the requested model ahead of those that do not.
func preferInferenceProfile(model string) Tiebreaker {
	return func(a, b *Key) int {
		ap := hasInferenceProfile(a, model)
		bp := hasInferenceProfile(b, model)
		switch {
		case ap == bp:
			return 0
		case ap:
			return -1
		default:
			return 1
		}
	}
}

func hasInferenceProfile(k *Key, model string) bool {
	if k.AWS == nil {
		return false
	}
	for _, id := range k.AWS.InferenceProfileIDs {
		if id == model {
			return true
		}
	}
	return false
}

func openaiEligible(k *Key, model string, opts GetOptions) bool {
	if k.OpenAI == nil {
		return false
	}
	if opts.ExcludeTrials && k.OpenAI.IsTrial {
		return false
	}
	// Snapshot-level availability: a key serving the gpt4o family may still
	// lack a specific dated snapshot.
	if len(k.OpenAI.ModelIDs) > 0 && !containsString(k.OpenAI.ModelIDs, model) {
		return false
	}
	return true
}

func awsEligible(k *Key, model string, opts GetOptions) bool {
	if k.AWS == nil {
		return false
	}
	if !opts.AllowAWSLogging && k.AWS.LoggingStatus == LoggingEnabled {
		return false
	}
	return true
}

func gcpEligible(k *Key, model string, _ GetOptions) bool {
	if k.GCP == nil {
		return false
	}
	switch {
	case isGCPSonnet35(model):
		return k.GCP.Sonnet35Enabled
	case isGCPHaiku(model):
		return k.GCP.HaikuEnabled
	case isGCPSonnet(model):
		return k.GCP.SonnetEnabled
	}
	return true
}

func isGCPSonnet35(model string) bool { return hasAnyPrefix(model, "claude-3-5-sonnet") }
func isGCPHaiku(model string) bool    { return hasAnyPrefix(model, "claude-3-haiku", "claude-3-5-haiku") }
func isGCPSonnet(model string) bool   { return hasAnyPrefix(model, "claude-3-sonnet") }

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, have := range list {
		if have == s {
			return true
		}
	}
	return false
}

// profileFor returns the behaviour bundle for a service.
func profileFor(svc models.Service) profile {
	switch svc {
	case models.OpenAI:
		return profile{
			service:    svc,
			reuseDelay: openaiReuseDelay,
			lockout:    openaiLockout,
			tiebreak:   preferNonTrial,
			eligible:   openaiEligible,
		}
	case models.Anthropic:
		return profile{service: svc, reuseDelay: anthropicReuseDelay, lockout: fixedLockout(anthropicLockout)}
	case models.AWS:
		return profile{service: svc, reuseDelay: awsReuseDelay, lockout: fixedLockout(awsLockout), eligible: awsEligible}
	case models.GCP:
		return profile{service: svc, reuseDelay: gcpReuseDelay, lockout: fixedLockout(gcpLockout), eligible: gcpEligible}
	case models.Azure:
		return profile{service: svc, reuseDelay: azureReuseDelay, lockout: fixedLockout(azureLockout)}
	case models.GoogleAI:
		return profile{service: svc, reuseDelay: googleAIReuseDelay, lockout: fixedLockout(googleAILockout)}
	case models.Mistral:
		return profile{service: svc, reuseDelay: mistralReuseDelay, lockout: fixedLockout(mistralLockout)}
	}
	return profile{service: svc, reuseDelay: 500 * time.Millisecond, lockout: fixedLockout(2 * time.Second)}
}
