package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

// CurrentVersion is the signature version used for new records.
const CurrentVersion = "v1"

// scheme is one signature algorithm, selected by the token prefix.
type scheme struct {
	info      string
	canonical func(Fields) ([]byte, error)
}

var schemes = map[string]scheme{
	"v1": {info: "trustcore/audit-signature/v1", canonical: CanonicalV1},
}

// Signer produces and checks "<version>:<hex>" tokens over canonical activity
// fields using HMAC-SHA256. Each version uses its own HKDF-derived key.
type Signer struct {
	keys map[string][]byte
}

// NewSigner derives per-version keys from the master secret. An empty secret
// yields a Signer whose Sign always fails with a configuration error.
func NewSigner(secret []byte) (*Signer, error) {
	s := &Signer{keys: make(map[string][]byte, len(schemes))}
	if len(secret) == 0 {
		return s, nil
	}
	for version, sc := range schemes {
		key := make([]byte, sha256.Size)
		if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sc.info)), key); err != nil {
			return nil, fmt.Errorf("audit: derive %s key: %w", version, err)
		}
		s.keys[version] = key
	}
	return s, nil
}

// Configured reports whether a signing secret is available.
func (s *Signer) Configured() bool {
	return s != nil && len(s.keys) > 0
}

// Sign returns the current-version token for f.
func (s *Signer) Sign(f Fields) (string, error) {
	if !s.Configured() {
		return "", &shared.ConfigurationError{Setting: "AUDIT_SIGNING_KEY", Reason: "signing key not configured"}
	}
	digest, err := s.digest(CurrentVersion, f)
	if err != nil {
		return "", err
	}
	return CurrentVersion + ":" + hex.EncodeToString(digest), nil
}

// Verify recomputes the token with the algorithm named by its prefix and
// compares in constant time. It never panics and treats every error as a mismatch.
func (s *Signer) Verify(f Fields, token string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if !s.Configured() {
		return false
	}
	version, encoded, found := strings.Cut(token, ":")
	if !found || encoded == "" {
		return false
	}
	want, err := hex.DecodeString(encoded)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got, err := s.digest(version, f)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

func (s *Signer) digest(version string, f Fields) ([]byte, error) {
	sc, ok := schemes[version]
	if !ok {
		return nil, fmt.Errorf("audit: unknown signature version %q", version)
	}
	key, ok := s.keys[version]
	if !ok {
		return nil, fmt.Errorf("audit: no key for signature version %q", version)
	}
	payload, err := sc.canonical(f)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return mac.Sum(nil), nil
}
