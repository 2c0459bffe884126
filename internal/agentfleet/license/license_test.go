package license

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"testing"
	"time"
)

// issueTestLicense builds a valid ES512 token with the given expiry, signed
// by a freshly generated P-521 key, and returns the token plus its public key PEM.
func issueTestLicense(t *testing.T, expiresAt time.Time) (token string, publicKeyPEM string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	h, err := json.Marshal(map[string]string{"alg": "ES512"})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	p, err := json.Marshal(map[string]any{
		"lic":   "LIC-TEST-1",
		"tier":  "professional",
		"exp":   expiresAt.Unix(),
		"iat":   time.Now().UTC().Unix(),
		"features": []string{"health_monitoring"},
		"modules":  []string{"vulnerability_scan"},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	headerSeg := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(h)
	payloadSeg := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(p)
	signedData := headerSeg + "." + payloadSeg
	digest := sha512.Sum512([]byte(signedData))

	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	sigSeg := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sig)

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	return signedData + "." + sigSeg, string(pubPEM)
}

func TestValidate_NotExpiredNoWarning(t *testing.T) {
	token, pub := issueTestLicense(t, time.Now().Add(30*24*time.Hour))
	result := Validate(token, pub)
	if !result.Valid {
		t.Fatalf("expected valid license, got error: %s", result.Error)
	}
	if result.Warning != "" {
		t.Errorf("expected no warning for a far-future expiry, got %q", result.Warning)
	}
}

func TestValidate_ExpiringSoonWarns(t *testing.T) {
	token, pub := issueTestLicense(t, time.Now().Add(10*24*time.Hour))
	result := Validate(token, pub)
	if !result.Valid {
		t.Fatalf("expected valid license, got error: %s", result.Error)
	}
	if result.Warning == "" {
		t.Error("expected an expiry warning within 30 days of expiration")
	}
}

func TestValidate_WithinGracePeriod(t *testing.T) {
	token, pub := issueTestLicense(t, time.Now().Add(-3*24*time.Hour))
	result := Validate(token, pub)
	if !result.Valid {
		t.Fatalf("expected a grace-period license to still validate, got error: %s", result.Error)
	}
	if result.Warning == "" {
		t.Error("expected a grace-period warning")
	}
}

func TestValidate_BeyondGracePeriodInvalid(t *testing.T) {
	token, pub := issueTestLicense(t, time.Now().Add(-10*24*time.Hour))
	result := Validate(token, pub)
	if result.Valid {
		t.Error("expected a license expired beyond the grace period to be invalid")
	}
}

func TestValidate_RejectsWrongAlgorithm(t *testing.T) {
	h, _ := json.Marshal(map[string]string{"alg": "HS256"})
	p, _ := json.Marshal(map[string]any{"lic": "x", "tier": "community", "exp": time.Now().Add(time.Hour).Unix()})
	token := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(h) + "." +
		base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(p) + "." + "AA"

	result := Validate(token, "")
	if result.Valid {
		t.Error("expected rejection of a non-ES512 algorithm")
	}
}

func TestHashToken_Stable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Error("HashToken must be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Error("HashToken must differ for different inputs")
	}
}
