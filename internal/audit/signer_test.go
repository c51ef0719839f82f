package audit

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

func int64Ptr(v int64) *int64 { return &v }

func sampleFields() Fields {
	return Fields{
		Type:        "login",
		Event:       "auth.login",
		Description: "User logged in",
		Module:      "auth",
		UserID:      int64Ptr(42),
		SubjectType: "user",
		SubjectID:   "42",
		Properties:  json.RawMessage(`{"b":1.50,"a":{"y":true,"x":null}}`),
		IPAddress:   "10.0.0.1",
		UserAgent:   "Mozilla/5.0",
		Result:      ResultFailed,
		RiskLevel:   2,
		CreatedAt:   time.Date(2024, 5, 1, 3, 4, 5, 123456789, time.UTC),
	}
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner([]byte("test-master-secret"))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func TestCanonicalV1Layout(t *testing.T) {
	f := sampleFields()
	f.SubjectType = ""
	f.UserAgent = ""
	got, err := CanonicalV1(f)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	want := `{"type":"login","event":"auth.login","description":"User logged in","module":"auth","user_id":42,` +
		`"subject_type":null,"subject_id":"42","properties":{"a":{"x":null,"y":true},"b":1.50},` +
		`"ip_address":"10.0.0.1","user_agent":null,"result":"failed","risk_level":2,"created_at":"2024-05-01T03:04:05.123456Z"}`
	if string(got) != want {
		t.Fatalf("unexpected canonical form\n got: %s\nwant: %s", got, want)
	}
}

func TestCanonicalV1NormalisesTimezone(t *testing.T) {
	f := sampleFields()
	g := sampleFields()
	g.CreatedAt = f.CreatedAt.In(time.FixedZone("WIB", 7*3600))
	a, _ := CanonicalV1(f)
	b, _ := CanonicalV1(g)
	if string(a) != string(b) {
		t.Fatalf("expected identical encodings across zones")
	}
}

func TestSignIsDeterministic(t *testing.T) {
	s := newTestSigner(t)
	first, err := s.Sign(sampleFields())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	second, _ := s.Sign(sampleFields())
	if first != second {
		t.Fatalf("signatures differ: %s vs %s", first, second)
	}
	if !strings.HasPrefix(first, "v1:") || len(first) != len("v1:")+64 {
		t.Fatalf("unexpected token format %q", first)
	}

	reordered := sampleFields()
	reordered.Properties = json.RawMessage(`{ "a": {"x": null, "y": true}, "b": 1.50 }`)
	third, _ := s.Sign(reordered)
	if third != first {
		t.Fatalf("key order or whitespace in properties changed the signature")
	}
}

func TestSignDiffersPerField(t *testing.T) {
	s := newTestSigner(t)
	base, _ := s.Sign(sampleFields())
	for name, mutate := range fieldMutations() {
		f := sampleFields()
		mutate(&f)
		sig, err := s.Sign(f)
		if err != nil {
			t.Fatalf("%s: sign: %v", name, err)
		}
		if sig == base {
			t.Fatalf("%s: mutation did not change signature", name)
		}
	}
}

func TestSignWithoutSecret(t *testing.T) {
	s, err := NewSigner(nil)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	_, err = s.Sign(sampleFields())
	var cfgErr *shared.ConfigurationError
	if !errors.As(err, &cfgErr) || !errors.Is(err, shared.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if s.Verify(sampleFields(), "v1:00") {
		t.Fatalf("unconfigured signer must not verify")
	}
}

func TestVerifyRejectsMalformedTokens(t *testing.T) {
	s := newTestSigner(t)
	good, _ := s.Sign(sampleFields())
	digest := strings.TrimPrefix(good, "v1:")
	for _, token := range []string{"", "v1:", digest, "v2:" + digest, "v1:zz" + digest[2:], "v1:" + digest[:10]} {
		if s.Verify(sampleFields(), token) {
			t.Fatalf("token %q unexpectedly verified", token)
		}
	}
	if !s.Verify(sampleFields(), good) {
		t.Fatalf("good token rejected")
	}
}

func TestSignersWithDifferentSecretsDisagree(t *testing.T) {
	a := newTestSigner(t)
	b, _ := NewSigner([]byte("another-secret"))
	sig, _ := a.Sign(sampleFields())
	if b.Verify(sampleFields(), sig) {
		t.Fatalf("signature verified under a different secret")
	}
}

func fieldMutations() map[string]func(*Fields) {
	return map[string]func(*Fields){
		"type":         func(f *Fields) { f.Type = "logout" },
		"event":        func(f *Fields) { f.Event = "auth.logout" },
		"description":  func(f *Fields) { f.Description = "edited" },
		"module":       func(f *Fields) { f.Module = "users" },
		"user_id":      func(f *Fields) { f.UserID = int64Ptr(43) },
		"user_id_nil":  func(f *Fields) { f.UserID = nil },
		"subject_type": func(f *Fields) { f.SubjectType = "role" },
		"subject_id":   func(f *Fields) { f.SubjectID = "43" },
		"properties":   func(f *Fields) { f.Properties = json.RawMessage(`{"b":1.5,"a":{"y":true,"x":null}}`) },
		"no_props":     func(f *Fields) { f.Properties = nil },
		"ip_address":   func(f *Fields) { f.IPAddress = "10.0.0.2" },
		"user_agent":   func(f *Fields) { f.UserAgent = "curl/8.0" },
		"result":       func(f *Fields) { f.Result = ResultSuccess },
		"risk_level":   func(f *Fields) { f.RiskLevel = 3 },
		"created_at":   func(f *Fields) { f.CreatedAt = f.CreatedAt.Add(time.Microsecond) },
	}
}
