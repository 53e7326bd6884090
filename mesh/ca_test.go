package mesh

import (
	"testing"
	"time"

	"github.com/dws-network/dws-core/internal/config"
)

func testIdentity() ServiceIdentity {
	return ServiceIdentity{ID: ServiceID("prod", "billing"), Name: "billing", Namespace: "prod"}
}

func TestCAIssueLeafSelfSigned(t *testing.T) {
	ca, err := NewCA(&config.Config{})
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	cert, err := ca.IssueLeaf(testIdentity())
	if err != nil {
		t.Fatalf("IssueLeaf: %v", err)
	}
	if len(cert.CertPEM) == 0 || len(cert.KeyPEM) == 0 {
		t.Fatalf("expected non-empty cert/key PEM")
	}
	wantCN := "billing.prod.mesh.dws"
	leaf, err := ca.VerifyCertificate(cert.CertPEM, wantCN)
	if err != nil {
		t.Fatalf("VerifyCertificate: %v", err)
	}
	if leaf.Subject.CommonName != wantCN {
		t.Fatalf("CN = %q, want %q", leaf.Subject.CommonName, wantCN)
	}
}

func TestCAIssueLeafReusesWithin24h(t *testing.T) {
	ca, err := NewCA(&config.Config{})
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	identity := testIdentity()
	first, err := ca.IssueLeaf(identity)
	if err != nil {
		t.Fatalf("IssueLeaf first: %v", err)
	}
	second, err := ca.IssueLeaf(identity)
	if err != nil {
		t.Fatalf("IssueLeaf second: %v", err)
	}
	if string(first.CertPEM) != string(second.CertPEM) {
		t.Fatalf("expected cached certificate to be reused within validity window")
	}
}

func TestCAIssueLeafReissuesNearExpiry(t *testing.T) {
	ca, err := NewCA(&config.Config{})
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	identity := testIdentity()
	first, err := ca.IssueLeaf(identity)
	if err != nil {
		t.Fatalf("IssueLeaf: %v", err)
	}
	ca.cacheMu.Lock()
	stale := ca.cache[identity.ID]
	stale.NotAfter = time.Now().Add(12 * time.Hour)
	ca.cache[identity.ID] = stale
	ca.cacheMu.Unlock()

	second, err := ca.IssueLeaf(identity)
	if err != nil {
		t.Fatalf("IssueLeaf reissue: %v", err)
	}
	if string(first.CertPEM) == string(second.CertPEM) {
		t.Fatalf("expected reissue once remaining validity dropped below the reuse window")
	}
}

func TestCAVerifyCertificateRejectsForeignRoot(t *testing.T) {
	caA, err := NewCA(&config.Config{})
	if err != nil {
		t.Fatalf("NewCA A: %v", err)
	}
	caB, err := NewCA(&config.Config{})
	if err != nil {
		t.Fatalf("NewCA B: %v", err)
	}
	cert, err := caA.IssueLeaf(testIdentity())
	if err != nil {
		t.Fatalf("IssueLeaf: %v", err)
	}
	if _, err := caB.VerifyCertificate(cert.CertPEM, ""); err == nil {
		t.Fatalf("expected verification against a different CA to fail")
	}
}

func TestCAVerifyCertificateWrongCN(t *testing.T) {
	ca, err := NewCA(&config.Config{})
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	cert, err := ca.IssueLeaf(testIdentity())
	if err != nil {
		t.Fatalf("IssueLeaf: %v", err)
	}
	if _, err := ca.VerifyCertificate(cert.CertPEM, "other.prod.mesh.dws"); err == nil {
		t.Fatalf("expected CN mismatch to fail verification")
	}
}
