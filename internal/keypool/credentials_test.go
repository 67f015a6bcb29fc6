package keypool

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/openmux/llm-relay/internal/models"
)

func TestParseKeysBareAndDedup(t *testing.T) {
	keys, err := ParseKeys(models.OpenAI, " sk-a , sk-b ,sk-a,, ")
	if err != nil {
		t.Fatalf("ParseKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2 after dedup", len(keys))
	}
	for _, k := range keys {
		if len(k.Hash) != 8 {
			t.Errorf("hash %q, want 8 hex chars", k.Hash)
		}
		if k.OpenAI == nil {
			t.Error("missing OpenAI state")
		}
		if len(k.Families) == 0 {
			t.Error("fresh key has no families")
		}
	}
}

func TestParseKeysAWSComposite(t *testing.T) {
	keys, err := ParseKeys(models.AWS, "AKIA123:s3cret:us-west-2")
	if err != nil {
		t.Fatalf("ParseKeys: %v", err)
	}
	k := keys[0]
	if k.AWS.AccessKeyID != "AKIA123" || k.AWS.SecretAccessKey != "s3cret" || k.AWS.Region != "us-west-2" {
		t.Errorf("parsed = %+v", k.AWS)
	}
	if k.AWS.LoggingStatus != LoggingUnknown {
		t.Errorf("logging = %q, want unknown", k.AWS.LoggingStatus)
	}

	if _, err := ParseKeys(models.AWS, "missing-parts"); err == nil {
		t.Error("malformed AWS credential accepted")
	}
}

func TestParseKeysGCPComposite(t *testing.T) {
	der := base64.StdEncoding.EncodeToString([]byte("fake-der-bytes"))
	keys, err := ParseKeys(models.GCP, "proj-1:svc@proj-1.iam.gserviceaccount.com:us-east5:"+der)
	if err != nil {
		t.Fatalf("ParseKeys: %v", err)
	}
	g := keys[0].GCP
	if g.ProjectID != "proj-1" || g.Region != "us-east5" {
		t.Errorf("parsed = %+v", g)
	}
	if !strings.Contains(string(g.PrivateKeyPEM), "BEGIN PRIVATE KEY") {
		t.Error("private key not re-wrapped as PEM")
	}

	if _, err := ParseKeys(models.GCP, "proj:email:region:!!!notbase64!!!"); err == nil {
		t.Error("invalid base64 private key accepted")
	}
}

func TestParseKeysAzureComposite(t *testing.T) {
	keys, err := ParseKeys(models.Azure, "myres:gpt4o-dep:azkey123")
	if err != nil {
		t.Fatalf("ParseKeys: %v", err)
	}
	a := keys[0].Azure
	if a.ResourceName != "myres" || a.DeploymentID != "gpt4o-dep" || a.APIKey != "azkey123" {
		t.Errorf("parsed = %+v", a)
	}
}

func TestKeyHashStable(t *testing.T) {
	if KeyHash("sk-a") != KeyHash("sk-a") {
		t.Error("hash not deterministic")
	}
	if KeyHash("sk-a") == KeyHash("sk-b") {
		t.Error("distinct secrets collided")
	}
	if KeyHash("sk-a") == orgKeyHash("sk-a", "org-1") {
		t.Error("org clone hash must differ from the source hash")
	}
}
