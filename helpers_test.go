package authgate

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cordant/authgate/kv"
)

type fakeProvider struct {
	mu         sync.Mutex
	identities map[string]*Identity // keyed by lowercase email
	roles      map[string]*Role     // keyed by identity ID
	lookups    int
	failAll    bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		identities: make(map[string]*Identity),
		roles:      make(map[string]*Role),
	}
}

func (p *fakeProvider) add(ident *Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := *ident
	p.identities[strings.ToLower(ident.Email)] = &clone
}

func (p *fakeProvider) get(email string) *Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	ident := p.identities[strings.ToLower(email)]
	if ident == nil {
		return nil
	}
	clone := *ident
	return &clone
}

func (p *fakeProvider) FindIdentityByEmail(_ context.Context, email string) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lookups++
	if p.failAll {
		return nil, context.DeadlineExceeded
	}
	ident, ok := p.identities[strings.ToLower(email)]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	clone := *ident
	return &clone, nil
}

func (p *fakeProvider) FindIdentityByID(_ context.Context, identityID string) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lookups++
	if p.failAll {
		return nil, context.DeadlineExceeded
	}
	for _, ident := range p.identities {
		if ident.ID == identityID {
			clone := *ident
			return &clone, nil
		}
	}
	return nil, ErrIdentityNotFound
}

func (p *fakeProvider) UpdateIdentity(_ context.Context, identityID string, patch IdentityPatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failAll {
		return context.DeadlineExceeded
	}
	for _, ident := range p.identities {
		if ident.ID != identityID {
			continue
		}
		if patch.FailedAttempts != nil {
			ident.FailedAttempts = *patch.FailedAttempts
		}
		if patch.LockedUntil != nil {
			ident.LockedUntil = *patch.LockedUntil
		}
		if patch.LastLoginAt != nil {
			ident.LastLoginAt = *patch.LastLoginAt
		}
		return nil
	}
	return ErrIdentityNotFound
}

func (p *fakeProvider) FindRoleByIdentity(_ context.Context, identityID string) (*Role, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failAll {
		return nil, context.DeadlineExceeded
	}
	return p.roles[identityID], nil
}

type fakeSMS struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (s *fakeSMS) SendSMS(_ context.Context, _, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return context.DeadlineExceeded
	}
	s.messages = append(s.messages, message)
	return nil
}

func (s *fakeSMS) lastCode(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		t.Fatal("no sms delivered")
	}
	msg := s.messages[len(s.messages)-1]
	parts := strings.Fields(msg)
	return parts[len(parts)-1]
}

type fakeEmail struct {
	mu        sync.Mutex
	templates []string
}

func (e *fakeEmail) SendEmail(_ context.Context, template string, _ map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates = append(e.templates, template)
	return nil
}

// plainVerifier treats the stored hash as "plain:" + password. Hashing is a
// collaborator concern; tests only need a deterministic verifier.
var plainVerifier = PasswordVerifierFunc(func(plain, hash string) bool {
	return hash == "plain:"+plain
})

func testConfig(t *testing.T) Config {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	cfg := defaultConfig()
	cfg.Tokens.PrivateKey = priv
	cfg.Tokens.PublicKey = pub
	cfg.Tokens.Issuer = "authgate-test"
	return cfg
}

type testEnv struct {
	engine   *Engine
	store    kv.Store
	provider *fakeProvider
	sms      *fakeSMS
	email    *fakeEmail
	sink     *ChannelSink
}

func newTestEngine(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}

	store := kv.NewMemory()
	provider := newFakeProvider()
	sms := &fakeSMS{}
	email := &fakeEmail{}
	sink := NewChannelSink(64)

	engine, err := New().
		WithConfig(cfg).
		WithKV(store).
		WithIdentityProvider(provider).
		WithPasswordVerifier(plainVerifier).
		WithSMSSender(sms).
		WithEmailSender(email).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{
		engine:   engine,
		store:    store,
		provider: provider,
		sms:      sms,
		email:    email,
		sink:     sink,
	}
}

func seedIdentity(env *testEnv, email, password string) *Identity {
	ident := &Identity{
		ID:            "id-" + strings.ToLower(email),
		Email:         email,
		PasswordHash:  "plain:" + password,
		Status:        StatusActive,
		EmailVerified: true,
	}
	env.provider.add(ident)
	return ident
}

func testAuthContext() AuthContext {
	return AuthContext{
		IP:        "203.0.113.7",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X) Chrome/120.0",
		Location:  "Berlin, DE",
	}
}

// codeForSecret derives the current TOTP code for a base32 secret the way an
// authenticator app would.
func codeForSecret(t *testing.T, secretBase32 string, at time.Time) string {
	t.Helper()

	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	secret, err := enc.DecodeString(secretBase32)
	if err != nil {
		t.Fatalf("decode totp secret: %v", err)
	}
	code, err := hotpCode(secret, at.Unix()/totpPeriod, 6, "SHA1")
	if err != nil {
		t.Fatalf("derive totp code: %v", err)
	}
	return code
}
