// Package signing produces the per-request credentials material for upstreams
// that do not take a plain bearer token: AWS SigV4 request signatures and GCP
// service-account OAuth access tokens.
package signing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// bedrockService is the SigV4 service name shared by all Bedrock endpoints,
// including bedrock-runtime.
const bedrockService = "bedrock"

// AWSSigner signs HTTP requests for Bedrock with static credentials.
type AWSSigner struct {
	signer *v4.Signer
	now    func() time.Time
}

// NewAWSSigner returns a ready signer.
func NewAWSSigner() *AWSSigner {
	return &AWSSigner{signer: v4.NewSigner(), now: time.Now}
}

// Sign computes the SigV4 signature over req and body and sets the
// Authorization and X-Amz-* headers in place. The body is hashed separately
// because req.Body may already be a consumed reader.
func (s *AWSSigner) Sign(ctx context.Context, req *http.Request, body []byte, accessKeyID, secretAccessKey, region string) error {
	provider := credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")
	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("signing: aws credentials: %w", err)
	}

	payloadHash := sha256.Sum256(body)
	if err := s.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(payloadHash[:]), bedrockService, region, s.now()); err != nil {
		return fmt.Errorf("signing: aws sigv4: %w", err)
	}
	return nil
}
