package signing

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestAWSSignerSetsSigV4Headers(t *testing.T) {
	s := NewAWSSigner()
	s.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }

	body := []byte(`{"max_tokens":256}`)
	req, err := http.NewRequest(http.MethodPost,
		"https://bedrock-runtime.us-east-1.amazonaws.com/model/anthropic.claude-3-5-sonnet-20240620-v1:0/invoke",
		bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := s.Sign(context.Background(), req, body, "AKIAEXAMPLE", "secret", "us-east-1"); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	auth := req.Header.Get("Authorization")
	switch {
	case !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 "):
		t.Errorf("Authorization = %q, want SigV4 scheme", auth)
	case !strings.Contains(auth, "Credential=AKIAEXAMPLE/20240601/us-east-1/bedrock/aws4_request"):
		t.Errorf("Authorization = %q, want credential scope for bedrock/us-east-1", auth)
	case !strings.Contains(auth, "Signature="):
		t.Errorf("Authorization = %q, missing signature", auth)
	}
	if req.Header.Get("X-Amz-Date") == "" {
		t.Error("X-Amz-Date not set")
	}
}

func TestAWSSignerDeterministic(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"prompt":"hi"}`)

	sign := func() string {
		t.Helper()
		s := NewAWSSigner()
		s.now = func() time.Time { return fixed }
		req, err := http.NewRequest(http.MethodPost,
			"https://bedrock-runtime.eu-west-1.amazonaws.com/model/m/invoke", bytes.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if err := s.Sign(context.Background(), req, body, "AKIA", "sak", "eu-west-1"); err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return req.Header.Get("Authorization")
	}

	if sign() != sign() {
		t.Error("same request and clock produced different signatures")
	}
}
