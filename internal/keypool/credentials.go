package keypool

import (
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/openmux/llm-relay/internal/models"
)

// ParseKeys turns a comma-separated credential list into Key records for one
// service. Composite formats:
//
//	aws:   accessKeyId:secretAccessKey:region
//	gcp:   projectId:clientEmail:region:base64PKCS8PrivateKey
//	azure: resourceName:deploymentId:apiKey
//
// Everything else is a bare string. Duplicate secrets collapse to one key.
func ParseKeys(svc models.Service, csv string) ([]*Key, error) {
	seen := make(map[string]bool)
	var keys []*Key

	for _, raw := range strings.Split(csv, ",") {
		secret := strings.TrimSpace(raw)
		if secret == "" {
			continue
		}
		if seen[secret] {
			continue
		}
		seen[secret] = true

		k, err := newKey(svc, secret)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func newKey(svc models.Service, secret string) (*Key, error) {
	k := &Key{
		secret:         secret,
		Hash:           KeyHash(secret),
		Service:        svc,
		Families:       initialFamilies(svc),
		TokensByFamily: make(map[models.Family]int64),
	}

	switch svc {
	case models.OpenAI:
		k.OpenAI = &OpenAIState{}
	case models.Anthropic:
		k.Anthropic = &AnthropicState{AllowsMultimodality: true}
	case models.AWS:
		parts := strings.Split(secret, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("keypool: aws credential %s: want accessKeyId:secretAccessKey:region", k.Hash)
		}
		k.AWS = &AWSState{
			AccessKeyID:     parts[0],
			SecretAccessKey: parts[1],
			Region:          parts[2],
			LoggingStatus:   LoggingUnknown,
		}
	case models.GCP:
		parts := strings.Split(secret, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("keypool: gcp credential %s: want projectId:clientEmail:region:privateKey", k.Hash)
		}
		pemBytes, err := decodePrivateKey(parts[3])
		if err != nil {
			return nil, fmt.Errorf("keypool: gcp credential %s: %w", k.Hash, err)
		}
		k.GCP = &GCPState{
			ProjectID:     parts[0],
			ClientEmail:   parts[1],
			Region:        parts[2],
			PrivateKeyPEM: pemBytes,
		}
	case models.Azure:
		parts := strings.Split(secret, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("keypool: azure credential %s: want resourceName:deploymentId:apiKey", k.Hash)
		}
		k.Azure = &AzureState{
			ResourceName: parts[0],
			DeploymentID: parts[1],
			APIKey:       parts[2],
		}
	}
	return k, nil
}

// initialFamilies is what a fresh key is trusted to serve before the checker
// has run. Services without a probe keep these permanently.
func initialFamilies(svc models.Service) []models.Family {
	switch svc {
	case models.OpenAI:
		return []models.Family{models.Turbo}
	case models.Anthropic:
		return []models.Family{models.Claude, models.ClaudeOpus}
	case models.AWS:
		return []models.Family{models.AWSClaude}
	case models.GCP:
		return []models.Family{models.GCPClaude}
	case models.Azure:
		return append([]models.Family(nil), models.FamiliesOf(models.Azure)...)
	case models.GoogleAI:
		return []models.Family{models.GeminiPro}
	case models.Mistral:
		return append([]models.Family(nil), models.FamiliesOf(models.Mistral)...)
	}
	return nil
}

// decodePrivateKey rebuilds a PEM block from the single-line base64 PKCS#8
// payload carried in the credential string (PEM markers and newlines are
// stripped when the credential is provisioned).
func decodePrivateKey(b64 string) ([]byte, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("private key is not valid base64: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}
