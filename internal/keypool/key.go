// Package keypool maintains the per-service credential registries: key state,
// priority-based selection, usage accounting, rate-limit lockouts, and the
// background checkers that probe each credential's health and capabilities.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/openmux/llm-relay/internal/models"
)

// LoggingStatus describes whether an AWS account has invocation logging
// enabled. Keys with logging enabled can be excluded from selection.
type LoggingStatus string

const (
	LoggingUnknown  LoggingStatus = "unknown"
	LoggingDisabled LoggingStatus = "disabled"
	LoggingEnabled  LoggingStatus = "enabled"
)

// Key is a single upstream credential plus its runtime state. All fields are
// owned by the provider that holds the key; other packages see copies only.
// Timestamps are milliseconds since epoch, zero meaning "never".
type Key struct {
	secret string

	Hash     string
	Service  models.Service
	Families []models.Family

	Disabled bool
	Revoked  bool

	PromptCount      int64
	LastUsed         int64
	LastChecked      int64
	RateLimitedAt    int64
	RateLimitedUntil int64

	TokensByFamily map[models.Family]int64

	OpenAI    *OpenAIState
	Anthropic *AnthropicState
	AWS       *AWSState
	GCP       *GCPState
	Azure     *AzureState
}

// OpenAIState holds OpenAI-specific key state.
type OpenAIState struct {
	IsTrial        bool
	IsOverQuota    bool
	OrganizationID string
	// Parsed from the x-ratelimit-reset-* response headers, in milliseconds.
	RateLimitRequestsReset int64
	RateLimitTokensReset   int64
	ModelIDs               []string
}

// AnthropicState holds Anthropic-specific key state.
type AnthropicState struct {
	Tier                string
	IsPozzed            bool
	IsOverQuota         bool
	RequiresPreamble    bool
	AllowsMultimodality bool
}

// AWSState holds the decomposed AWS credential and discovered capabilities.
type AWSState struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string

	LoggingStatus       LoggingStatus
	ModelIDs            []string
	InferenceProfileIDs []string
}

// GCPState holds the decomposed GCP service-account credential and the cached
// OAuth access token. Refreshes go through the signing package under a
// per-key lock; the provider's update path is the only writer.
type GCPState struct {
	ProjectID     string
	ClientEmail   string
	Region        string
	PrivateKeyPEM []byte

	AccessToken          string
	AccessTokenExpiresAt int64

	SonnetEnabled   bool
	HaikuEnabled    bool
	Sonnet35Enabled bool
}

// AzureState holds the decomposed Azure OpenAI credential.
type AzureState struct {
	ResourceName string
	DeploymentID string
	APIKey       string

	ContentFiltering bool
	ModelIDs         []string
}

// KeyHash derives the short stable identifier for a secret. The secret itself
// never appears in logs or listings.
func KeyHash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:8]
}

// orgKeyHash derives the identifier for an organization clone of an OpenAI
// key, so siblings sharing a secret stay distinguishable.
func orgKeyHash(secret, orgID string) string {
	sum := sha256.Sum256([]byte(secret + ":" + orgID))
	return hex.EncodeToString(sum[:])[:8]
}

// Secret returns the raw credential material for request signing and auth
// header construction. Callers must not log it.
func (k *Key) Secret() string { return k.secret }

// ServesFamily reports whether the key is believed to service f.
func (k *Key) ServesFamily(f models.Family) bool {
	for _, have := range k.Families {
		if have == f {
			return true
		}
	}
	return false
}

// RateLimited reports whether the key is inside an active lockout window.
func (k *Key) RateLimited(nowMS int64) bool {
	return k.RateLimitedUntil > nowMS
}

// clone returns an independent copy. Slices and maps are duplicated so the
// caller cannot reach pool state; the secret is carried over.
func (k *Key) clone() *Key {
	c := *k
	c.Families = append([]models.Family(nil), k.Families...)
	if k.TokensByFamily != nil {
		c.TokensByFamily = make(map[models.Family]int64, len(k.TokensByFamily))
		for f, n := range k.TokensByFamily {
			c.TokensByFamily[f] = n
		}
	}
	if k.OpenAI != nil {
		oa := *k.OpenAI
		oa.ModelIDs = append([]string(nil), k.OpenAI.ModelIDs...)
		c.OpenAI = &oa
	}
	if k.Anthropic != nil {
		an := *k.Anthropic
		c.Anthropic = &an
	}
	if k.AWS != nil {
		aw := *k.AWS
		aw.ModelIDs = append([]string(nil), k.AWS.ModelIDs...)
		aw.InferenceProfileIDs = append([]string(nil), k.AWS.InferenceProfileIDs...)
		c.AWS = &aw
	}
	if k.GCP != nil {
		g := *k.GCP
		g.PrivateKeyPEM = append([]byte(nil), k.GCP.PrivateKeyPEM...)
		c.GCP = &g
	}
	if k.Azure != nil {
		az := *k.Azure
		az.ModelIDs = append([]string(nil), k.Azure.ModelIDs...)
		c.Azure = &az
	}
	return &c
}

// redacted returns a copy with every piece of secret material cleared, for
// listings and status endpoints.
func (k *Key) redacted() *Key {
	c := k.clone()
	c.secret = ""
	if c.AWS != nil {
		c.AWS.SecretAccessKey = ""
	}
	if c.GCP != nil {
		c.GCP.PrivateKeyPEM = nil
		c.GCP.AccessToken = ""
	}
	if c.Azure != nil {
		c.Azure.APIKey = ""
	}
	return c
}
