// Package license is the signed-token license validator (C3): parses and
// verifies license keys, and exposes feature/module predicates. Grounded on
// backend/licensing/validator.py's parse/verify/validate pipeline, carried
// into Go with crypto/ecdsa instead of the `cryptography` package.
package license

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Tier is the license level, each mapping to a fixed feature/module set.
type Tier string

const (
	TierCommunity     Tier = "community"
	TierProfessional  Tier = "professional"
	TierEnterprise    Tier = "enterprise"
)

// ExpirationGraceDays is the window after expiry during which a license still
// validates, with a warning (spec.md §4.3).
const ExpirationGraceDays = 7

// ExpiryWarningWindowDays is how close to expiry a still-valid license starts
// carrying a non-fatal warning.
const ExpiryWarningWindowDays = 30

// Payload is the decoded license payload, accepting both the compact new key
// names and the legacy long key names on the wire (spec.md §4.3, §9
// supplement from validate_payload's dual-format support).
type Payload struct {
	LicenseID      string
	Tier           Tier
	Features       []string
	Modules        []string
	ExpiresAt      time.Time
	IssuedAt       time.Time
	OfflineDays    int
	CustomerID     string
	CustomerName   string
	ParentHosts    *int
	ChildHosts     *int
	GraceSeconds   *int
	RevocationURL  string
	RevocationNonce string
}

// Result is the outcome of validating a license token.
type Result struct {
	Valid   bool
	Payload *Payload
	Error   string
	Warning string
}

type header struct {
	Alg string `json:"alg"`
}

// rawPayload mirrors the JSON shape accepted on the wire, both key families.
type rawPayload struct {
	Lic       string   `json:"lic"`
	LicenseID string   `json:"license_id"`
	Tier      string   `json:"tier"`
	Features  []string `json:"features"`
	Modules   []string `json:"modules"`

	Exp       *int64  `json:"exp"`
	ExpiresAt *string `json:"expires_at"`
	Iat       *int64  `json:"iat"`
	IssuedAt  *string `json:"issued_at"`

	OfflineDays int     `json:"offline_days"`
	Cust        string  `json:"cust"`
	CustomerID  string  `json:"customer_id"`
	Org         string  `json:"org"`
	CustomerName string `json:"customer_name"`
	ParentHosts *int    `json:"parent_hosts"`
	ChildHosts  *int    `json:"child_hosts"`
	Grace       *int    `json:"grace"`
	RevCheck    string  `json:"rev_check"`
	RevNonce    string  `json:"rev_nonce"`
}

// decodeBase64URL decodes a base64url segment, tolerating missing padding.
func decodeBase64URL(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(s)
}

// parseLicenseKey splits a token into (header, payload, signature), spec.md §4.3/§6.3.
func parseLicenseKey(licenseKey string) (header, rawPayload, []byte, error) {
	var h header
	var p rawPayload

	parts := strings.Split(strings.TrimSpace(licenseKey), ".")
	if len(parts) != 3 {
		return h, p, nil, errors.New("invalid license key format: expected 3 dot-separated parts")
	}

	headerJSON, err := decodeBase64URL(parts[0])
	if err != nil {
		return h, p, nil, fmt.Errorf("invalid header encoding: %w", err)
	}
	payloadJSON, err := decodeBase64URL(parts[1])
	if err != nil {
		return h, p, nil, fmt.Errorf("invalid payload encoding: %w", err)
	}
	sig, err := decodeBase64URL(parts[2])
	if err != nil {
		return h, p, nil, fmt.Errorf("invalid signature encoding: %w", err)
	}

	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return h, p, nil, fmt.Errorf("invalid header json: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &p); err != nil {
		return h, p, nil, fmt.Errorf("invalid payload json: %w", err)
	}
	return h, p, sig, nil
}

// verifySignature checks the ECDSA P-521/SHA-512 signature over "header.payload".
func verifySignature(licenseKey string, signature []byte, publicKeyPEM string) bool {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return false
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return false
	}

	parts := strings.Split(licenseKey, ".")
	if len(parts) != 3 {
		return false
	}
	signedData := parts[0] + "." + parts[1]
	digest := sha512.Sum512([]byte(signedData))

	return ecdsa.VerifyASN1(ecPub, digest[:], signature)
}

// validatePayload maps the wire payload onto Payload, accepting both key
// families (spec.md §4.3).
func validatePayload(p rawPayload) (*Payload, error) {
	licenseID := p.Lic
	if licenseID == "" {
		licenseID = p.LicenseID
	}
	if licenseID == "" {
		return nil, errors.New("missing required field: lic or license_id")
	}
	if p.Tier == "" {
		return nil, errors.New("missing required field: tier")
	}

	tier := Tier(p.Tier)
	switch tier {
	case TierCommunity, TierProfessional, TierEnterprise:
	default:
		return nil, fmt.Errorf("invalid tier: %s", p.Tier)
	}

	expiresAt, err := resolveTime(p.Exp, p.ExpiresAt, "exp", "expires_at", time.Time{})
	if err != nil {
		return nil, err
	}
	if expiresAt.IsZero() {
		return nil, errors.New("missing required field: exp or expires_at")
	}

	issuedAt, err := resolveTime(p.Iat, p.IssuedAt, "iat", "issued_at", time.Now().UTC())
	if err != nil {
		return nil, err
	}

	offlineDays := p.OfflineDays
	if offlineDays == 0 {
		offlineDays = 30
	}

	customerID := p.Cust
	if customerID == "" {
		customerID = p.CustomerID
	}
	customerName := p.Org
	if customerName == "" {
		customerName = p.CustomerName
	}

	features, modules := p.Features, p.Modules
	defaultFeatures, defaultModules := TierDefaults(tier)
	if features == nil {
		features = defaultFeatures
	}
	if modules == nil {
		modules = defaultModules
	}

	return &Payload{
		LicenseID:       licenseID,
		Tier:            tier,
		Features:        features,
		Modules:         modules,
		ExpiresAt:       expiresAt,
		IssuedAt:        issuedAt,
		OfflineDays:     offlineDays,
		CustomerID:      customerID,
		CustomerName:    customerName,
		ParentHosts:     p.ParentHosts,
		ChildHosts:      p.ChildHosts,
		GraceSeconds:    p.Grace,
		RevocationURL:   p.RevCheck,
		RevocationNonce: p.RevNonce,
	}, nil
}

func resolveTime(unix *int64, iso *string, unixField, isoField string, fallback time.Time) (time.Time, error) {
	if unix != nil {
		return time.Unix(*unix, 0).UTC(), nil
	}
	if iso != nil && *iso != "" {
		s := strings.Replace(*iso, "Z", "+00:00", 1)
		t, err := time.Parse("2006-01-02T15:04:05.999999999-07:00", s)
		if err != nil {
			// Also accept the variant without fractional seconds.
			t, err = time.Parse("2006-01-02T15:04:05-07:00", s)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid %s/%s: %w", unixField, isoField, err)
			}
		}
		return t.UTC(), nil
	}
	return fallback, nil
}

// checkExpiration implements spec.md §4.3's expiry/grace/warning policy.
func checkExpiration(expiresAt time.Time) (valid bool, warning string) {
	now := time.Now().UTC()
	if now.Before(expiresAt) {
		daysRemaining := int(math.Ceil(expiresAt.Sub(now).Hours() / 24))
		if daysRemaining < ExpiryWarningWindowDays {
			return true, fmt.Sprintf("License expires in %d days", daysRemaining)
		}
		return true, ""
	}

	daysExpired := int(now.Sub(expiresAt).Hours() / 24)
	if daysExpired <= ExpirationGraceDays {
		return true, fmt.Sprintf("License expired %d days ago (grace period ends in %d days)",
			daysExpired, ExpirationGraceDays-daysExpired)
	}
	return false, ""
}

// Validate performs full local license validation (spec.md §4.3):
// parse -> verify ES512 signature -> validate payload -> check expiration.
func Validate(licenseKey, publicKeyPEM string) Result {
	h, rawP, sig, err := parseLicenseKey(licenseKey)
	if err != nil {
		return Result{Valid: false, Error: err.Error()}
	}

	if h.Alg != "ES512" {
		return Result{Valid: false, Error: fmt.Sprintf("unsupported algorithm: %s", h.Alg)}
	}

	if !verifySignature(licenseKey, sig, publicKeyPEM) {
		return Result{Valid: false, Error: "invalid license signature"}
	}

	payload, err := validatePayload(rawP)
	if err != nil {
		return Result{Valid: false, Error: err.Error()}
	}

	valid, warning := checkExpiration(payload.ExpiresAt)
	if !valid {
		return Result{Valid: false, Payload: payload, Error: "license has expired beyond the grace period"}
	}

	return Result{Valid: true, Payload: payload, Warning: warning}
}

// HashToken returns a stable SHA-256 hex hash of the raw token, for storage/lookup.
func HashToken(licenseKey string) string {
	sum := sha256.Sum256([]byte(licenseKey))
	return hex.EncodeToString(sum[:])
}

// HasFeature reports whether the payload grants the named feature.
func (p *Payload) HasFeature(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// HasModule reports whether the payload grants the named module.
func (p *Payload) HasModule(module string) bool {
	for _, m := range p.Modules {
		if m == module {
			return true
		}
	}
	return false
}

// TierDefaults returns the fixed feature/module set shipped for a tier
// (Glossary: "Tier (license)"), used when a payload omits explicit lists.
func TierDefaults(tier Tier) (features, modules []string) {
	switch tier {
	case TierProfessional:
		return []string{"health_monitoring"}, []string{"vulnerability_scan", "compliance_basic"}
	case TierEnterprise:
		return []string{"health_monitoring", "predictive_analysis", "anomaly_detection"},
			[]string{"vulnerability_scan", "compliance_basic", "compliance_advanced", "predictive", "anomaly"}
	default:
		return nil, nil
	}
}
