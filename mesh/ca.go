package mesh

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/dws-network/dws-core/internal/config"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	// reuseWindow is the minimum remaining validity a cached leaf must
	// have to be returned instead of reissued (base spec §4.6
	// "generateCertificate": "if a cached certificate ... is unexpired
	// for >= 24h, return it").
	reuseWindow = 24 * time.Hour
)

// CA is a process-local certificate authority. Storage is in-memory and
// scoped to the process lifetime: in production the operator supplies
// cert+key via DWS_MESH_CA_CERT/DWS_MESH_CA_KEY; otherwise a fresh
// self-signed root is minted on first use, a deliberate trust-root
// rotation on every restart accepted as a non-prod degradation (base
// spec §4.6).
type CA struct {
	mu   sync.Mutex
	cert *x509.Certificate
	key  *ecdsa.PrivateKey

	cacheMu sync.Mutex
	cache   map[string]Certificate
}

// NewCA constructs a CA that lazily self-generates its root, or adopts
// an operator-supplied one if cfg carries both PEM values.
func NewCA(cfg *config.Config) (*CA, error) {
	ca := &CA{cache: make(map[string]Certificate)}
	if cfg != nil && cfg.HasMeshCA() {
		cert, key, err := loadCA([]byte(cfg.MeshCACertPEM), []byte(cfg.MeshCAKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("loading configured mesh CA: %w", err)
		}
		ca.cert, ca.key = cert, key
	}
	return ca, nil
}

func loadCA(certPEM, keyPEM []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block in mesh CA certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing mesh CA certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block in mesh CA key")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing mesh CA key: %w", err)
	}
	return cert, key, nil
}

// ensureLocked generates a fresh self-signed root if none exists yet.
// Caller must hold ca.mu.
func (ca *CA) ensureLocked() error {
	if ca.cert != nil && ca.key != nil {
		return nil
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating mesh CA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generating mesh CA serial: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "dws-mesh-ca", Organization: []string{"dws"}},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("self-signing mesh CA: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parsing freshly minted mesh CA: %w", err)
	}
	ca.cert, ca.key = cert, key
	return nil
}

// RootPEM returns the CA's certificate in PEM form, generating a root
// first if one doesn't exist yet.
func (ca *CA) RootPEM() ([]byte, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if err := ca.ensureLocked(); err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw}), nil
}

// IssueLeaf issues (or returns a cached, still-fresh) leaf certificate
// for the given service identity, per base spec §4.6
// "generateCertificate": CN "name.namespace.mesh.dws", SANs
// {CN, name.namespace, name}, 365d validity, CA:FALSE, server+client
// auth key usage.
func (ca *CA) IssueLeaf(identity ServiceIdentity) (Certificate, error) {
	ca.cacheMu.Lock()
	if cached, ok := ca.cache[identity.ID]; ok && time.Until(cached.NotAfter) >= reuseWindow {
		ca.cacheMu.Unlock()
		return cached, nil
	}
	ca.cacheMu.Unlock()

	ca.mu.Lock()
	if err := ca.ensureLocked(); err != nil {
		ca.mu.Unlock()
		return Certificate{}, err
	}
	caCert, caKey := ca.cert, ca.key
	ca.mu.Unlock()

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Certificate{}, fmt.Errorf("generating leaf key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Certificate{}, fmt.Errorf("generating leaf serial: %w", err)
	}
	cn := fmt.Sprintf("%s.%s.mesh.dws", identity.Name, identity.Namespace)
	now := time.Now()
	notBefore := now.Add(-5 * time.Minute)
	notAfter := now.Add(leafValidity)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn, Organization: []string{identity.Namespace}},
		DNSNames:              []string{cn, identity.Name + "." + identity.Namespace, identity.Name},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return Certificate{}, fmt.Errorf("issuing leaf for %s: %w", cn, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		return Certificate{}, fmt.Errorf("marshaling leaf key for %s: %w", cn, err)
	}
	out := Certificate{
		ServiceID: identity.ID,
		CertPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:    pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		NotBefore: notBefore,
		NotAfter:  notAfter,
	}
	ca.cacheMu.Lock()
	ca.cache[identity.ID] = out
	ca.cacheMu.Unlock()
	return out, nil
}

// VerifyCertificate checks that certPEM chains to this CA, is within
// its validity window, and (if expectedCN is non-empty) carries it as
// CommonName.
func (ca *CA) VerifyCertificate(certPEM []byte, expectedCN string) (*x509.Certificate, error) {
	ca.mu.Lock()
	if err := ca.ensureLocked(); err != nil {
		ca.mu.Unlock()
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	ca.mu.Unlock()

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in certificate")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	opts := x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return nil, fmt.Errorf("verifying certificate chain: %w", err)
	}
	if expectedCN != "" && leaf.Subject.CommonName != expectedCN {
		return nil, fmt.Errorf("certificate CN %q does not match expected %q", leaf.Subject.CommonName, expectedCN)
	}
	return leaf, nil
}
