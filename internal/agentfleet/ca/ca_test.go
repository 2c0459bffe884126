package ca

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureCA_CreatesNewCA(t *testing.T) {
	dir := t.TempDir()
	c, err := EnsureCA(dir)
	if err != nil {
		t.Fatalf("EnsureCA failed: %v", err)
	}

	certPath := filepath.Join(dir, "ca.crt")
	if _, err := os.Stat(certPath); err != nil {
		t.Fatalf("ca.crt not found: %v", err)
	}

	keyPath := filepath.Join(dir, "ca.key")
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("ca.key not found: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("ca.key permissions: got %o, want 0600", perm)
	}

	if !c.cert.IsCA {
		t.Error("CA cert should have IsCA=true")
	}
	if c.cert.Subject.CommonName != "SysManage CA" {
		t.Errorf("CA CN: got %q, want %q", c.cert.Subject.CommonName, "SysManage CA")
	}
	if c.cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("CA cert should have KeyUsageCertSign")
	}
	if c.cert.MaxPathLen != 0 || !c.cert.MaxPathLenZero {
		t.Error("CA cert should be leaf-only")
	}
	if _, ok := c.cert.PublicKey.(*rsa.PublicKey); !ok {
		t.Fatal("CA public key is not RSA")
	}
	if pub := c.cert.PublicKey.(*rsa.PublicKey); pub.N.BitLen() != rsaKeyBits {
		t.Errorf("CA key size: got %d bits, want %d", pub.N.BitLen(), rsaKeyBits)
	}
}

func TestEnsureCA_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	first, err := EnsureCA(dir)
	if err != nil {
		t.Fatalf("first EnsureCA failed: %v", err)
	}
	second, err := EnsureCA(dir)
	if err != nil {
		t.Fatalf("second EnsureCA failed: %v", err)
	}
	if first.cert.SerialNumber.Cmp(second.cert.SerialNumber) != 0 {
		t.Error("EnsureCA should reuse the persisted CA, not regenerate it")
	}
}

// TestClientCertRoundTrip exercises P5: validate(mint(fqdn, hid)) == (fqdn, hid).
func TestClientCertRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := EnsureCA(dir)
	if err != nil {
		t.Fatalf("EnsureCA failed: %v", err)
	}

	certPEM, _, err := c.MintClientCert("agent-7.example.com", "4f6a9b2e-0000-4000-8000-000000000001")
	if err != nil {
		t.Fatalf("MintClientCert failed: %v", err)
	}

	result := c.ValidateClientCert(certPEM)
	if result == nil {
		t.Fatal("ValidateClientCert rejected a freshly minted certificate")
	}
	if result.FQDN != "agent-7.example.com" {
		t.Errorf("FQDN: got %q, want %q", result.FQDN, "agent-7.example.com")
	}
	if result.HostID != "4f6a9b2e-0000-4000-8000-000000000001" {
		t.Errorf("HostID: got %q, want %q", result.HostID, "4f6a9b2e-0000-4000-8000-000000000001")
	}
}

func TestValidateClientCert_RejectsTampered(t *testing.T) {
	dir := t.TempDir()
	c, err := EnsureCA(dir)
	if err != nil {
		t.Fatalf("EnsureCA failed: %v", err)
	}
	certPEM, _, err := c.MintClientCert("agent-1.example.com", "1")
	if err != nil {
		t.Fatalf("MintClientCert failed: %v", err)
	}

	tampered := append([]byte(nil), certPEM...)
	// Flip a byte inside the base64 body, not the PEM header/footer lines.
	for i := len(tampered) - 40; i < len(tampered)-10; i++ {
		if tampered[i] != '\n' {
			tampered[i] ^= 0x01
			break
		}
	}

	if result := c.ValidateClientCert(tampered); result != nil {
		t.Error("ValidateClientCert accepted a tampered certificate")
	}
}

func TestEnsureServerCert_HasExpectedSANs(t *testing.T) {
	dir := t.TempDir()
	_, certPEM, _, err := EnsureServerCert(dir, "sysmanage.internal")
	if err != nil {
		t.Fatalf("EnsureServerCert failed: %v", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("server certificate is not PEM-encoded")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse server certificate: %v", err)
	}
	for _, want := range []string{"localhost", "sysmanage.internal"} {
		found := false
		for _, name := range cert.DNSNames {
			if name == want {
				found = true
			}
		}
		if !found {
			t.Errorf("DNS SANs %v missing %q", cert.DNSNames, want)
		}
	}
	for _, want := range []string{"127.0.0.1", "::1"} {
		found := false
		for _, ip := range cert.IPAddresses {
			if ip.String() == want {
				found = true
			}
		}
		if !found {
			t.Errorf("IP SANs %v missing %s", cert.IPAddresses, want)
		}
	}

	fp, err := ServerFingerprint(certPEM)
	if err != nil {
		t.Fatalf("ServerFingerprint failed: %v", err)
	}
	if len(fp) != 64 {
		t.Errorf("fingerprint length: got %d, want 64 (hex SHA-256)", len(fp))
	}
}
