package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

func newEdManager(t *testing.T, ttl time.Duration) (*Manager, ed25519.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	m, err := NewManager(Config{
		AccessTTL:     ttl,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "authgate-test",
		Audience:      "app",
		Leeway:        30 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m, pub
}

func TestCreateParseRoundTrip(t *testing.T) {
	m, _ := newEdManager(t, 15*time.Minute)

	token, err := m.CreateAccess("id-42", "sess-7")
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}

	claims, err := m.ParseAccess(token)
	if err != nil {
		t.Fatalf("ParseAccess failed: %v", err)
	}
	if claims.UID != "id-42" || claims.SID != "sess-7" {
		t.Fatalf("got uid=%q sid=%q", claims.UID, claims.SID)
	}
	if claims.Issuer != "authgate-test" {
		t.Fatalf("got issuer %q", claims.Issuer)
	}
}

func TestParseRejectsForeignKey(t *testing.T) {
	signer, _ := newEdManager(t, 15*time.Minute)
	verifier, _ := newEdManager(t, 15*time.Minute)

	token, err := signer.CreateAccess("id-1", "s-1")
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}

	if _, err := verifier.ParseAccess(token); err == nil {
		t.Fatal("token signed with a foreign key accepted")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	m, _ := newEdManager(t, 15*time.Minute)

	for _, token := range []string{"", "garbage", "a.b.c"} {
		if _, err := m.ParseAccess(token); err == nil {
			t.Fatalf("token %q accepted", token)
		}
	}
}

func TestParseRejectsIssuerMismatch(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	base := Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
	}

	issuerA := base
	issuerA.Issuer = "a"
	signer, err := NewManager(issuerA)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	issuerB := base
	issuerB.Issuer = "b"
	verifier, err := NewManager(issuerB)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token, err := signer.CreateAccess("id-1", "s-1")
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}
	if _, err := verifier.ParseAccess(token); err == nil {
		t.Fatal("issuer mismatch accepted")
	}
}

func TestHS256RoundTrip(t *testing.T) {
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token, err := m.CreateAccess("id-1", "s-1")
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}
	claims, err := m.ParseAccess(token)
	if err != nil {
		t.Fatalf("ParseAccess failed: %v", err)
	}
	if claims.UID != "id-1" {
		t.Fatalf("got uid %q", claims.UID)
	}
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero ttl", Config{SigningMethod: MethodEd25519, PrivateKey: priv, PublicKey: pub}},
		{"negative leeway", Config{AccessTTL: time.Minute, Leeway: -time.Second, SigningMethod: MethodEd25519, PrivateKey: priv, PublicKey: pub}},
		{"oversized leeway", Config{AccessTTL: time.Minute, Leeway: time.Hour, SigningMethod: MethodEd25519, PrivateKey: priv, PublicKey: pub}},
		{"unknown method", Config{AccessTTL: time.Minute, SigningMethod: "rs256", PrivateKey: priv, PublicKey: pub}},
		{"hs256 without key", Config{AccessTTL: time.Minute, SigningMethod: MethodHS256}},
		{"ed25519 truncated key", Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PrivateKey: priv[:10], PublicKey: pub}},
		{"ed25519 without public key", Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PrivateKey: priv}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewManager(tc.cfg); err == nil {
				t.Fatal("expected configuration rejection")
			}
		})
	}
}
