package authgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cordant/authgate/kv"
)

func TestCacheServesRepeatLookupsWithoutProvider(t *testing.T) {
	env := newTestEngine(t, nil)
	seedIdentity(env, "alice@example.com", "correct-horse")

	if _, err := env.engine.cache.Identity(context.Background(), "alice@example.com"); err != nil {
		t.Fatalf("first lookup failed: %v", err)
	}
	before := env.provider.lookups

	for i := 0; i < 5; i++ {
		if _, err := env.engine.cache.Identity(context.Background(), "alice@example.com"); err != nil {
			t.Fatalf("cached lookup failed: %v", err)
		}
	}
	if env.provider.lookups != before {
		t.Fatalf("expected no provider traffic on cache hits, got %d extra", env.provider.lookups-before)
	}
}

func TestCacheInvalidationForcesFreshRead(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "alice@example.com", "correct-horse")

	if _, err := env.engine.cache.Identity(context.Background(), "alice@example.com"); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}

	ident.Status = StatusSuspended
	env.provider.add(ident)

	// Stale until invalidated.
	got, err := env.engine.cache.Identity(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.Status != StatusActive {
		t.Fatal("expected the cached record before invalidation")
	}

	env.engine.cache.InvalidateIdentity(context.Background(), "alice@example.com", "")

	got, err = env.engine.cache.Identity(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.Status != StatusSuspended {
		t.Fatal("expected the fresh record after invalidation")
	}
}

func TestCacheExpiryFallsBackToProvider(t *testing.T) {
	env := newTestEngine(t, func(cfg *Config) {
		cfg.Cache.IdentityTTL = time.Millisecond
	})
	seedIdentity(env, "alice@example.com", "correct-horse")

	if _, err := env.engine.cache.Identity(context.Background(), "alice@example.com"); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	before := env.provider.lookups

	time.Sleep(5 * time.Millisecond)

	if _, err := env.engine.cache.Identity(context.Background(), "alice@example.com"); err != nil {
		t.Fatalf("lookup after expiry failed: %v", err)
	}
	if env.provider.lookups != before+1 {
		t.Fatalf("expected one provider read after ttl expiry, got %d", env.provider.lookups-before)
	}
}

// brokenStore fails every operation; it stands in for a partitioned backend.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, kv.ErrUnavailable }
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return kv.ErrUnavailable
}
func (brokenStore) Incr(context.Context, string) (int64, error) { return 0, kv.ErrUnavailable }
func (brokenStore) Expire(context.Context, string, time.Duration) error {
	return kv.ErrUnavailable
}
func (brokenStore) Del(context.Context, ...string) error { return kv.ErrUnavailable }
func (brokenStore) Update(context.Context, string, kv.UpdateFunc) error {
	return kv.ErrUnavailable
}

func TestCacheDegradesToProviderWhenStoreDown(t *testing.T) {
	provider := newFakeProvider()
	provider.add(&Identity{ID: "u1", Email: "alice@example.com", Status: StatusActive, EmailVerified: true})

	cache := newCacheLayer(brokenStore{}, provider, defaultConfig().Cache, NewMetrics(MetricsConfig{Enabled: true}))

	ident, err := cache.Identity(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("expected provider fallback, got %v", err)
	}
	if ident.ID != "u1" {
		t.Fatalf("unexpected identity %q", ident.ID)
	}
}

func TestCacheRoleReadThrough(t *testing.T) {
	env := newTestEngine(t, nil)
	ident := seedIdentity(env, "alice@example.com", "correct-horse")
	env.provider.roles[ident.ID] = &Role{ID: "r1", Name: "admin", Permissions: []string{"users:read"}}

	role, err := env.engine.cache.Role(context.Background(), ident.ID)
	if err != nil {
		t.Fatalf("role lookup failed: %v", err)
	}
	if role == nil || role.Name != "admin" {
		t.Fatalf("unexpected role %+v", role)
	}

	// Cached copy survives provider-side changes until invalidated.
	env.provider.roles[ident.ID] = &Role{ID: "r1", Name: "member"}
	role, err = env.engine.cache.Role(context.Background(), ident.ID)
	if err != nil {
		t.Fatalf("role lookup failed: %v", err)
	}
	if role.Name != "admin" {
		t.Fatal("expected cached role before invalidation")
	}

	env.engine.cache.InvalidateRole(context.Background(), ident.ID)
	role, err = env.engine.cache.Role(context.Background(), ident.ID)
	if err != nil {
		t.Fatalf("role lookup failed: %v", err)
	}
	if role.Name != "member" {
		t.Fatal("expected fresh role after invalidation")
	}
}

func TestCacheUnknownIdentityNotCached(t *testing.T) {
	env := newTestEngine(t, nil)

	for i := 0; i < 2; i++ {
		if _, err := env.engine.cache.Identity(context.Background(), "ghost@example.com"); !errors.Is(err, ErrIdentityNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if env.provider.lookups != 2 {
		t.Fatalf("expected both misses to reach the provider, got %d", env.provider.lookups)
	}
}

func TestSessionIdentityResolvesOwner(t *testing.T) {
	env := newTestEngine(t, nil)
	seedIdentity(env, "alice@example.com", "pw")

	out := login(t, env, "alice@example.com", "pw")

	ident, err := env.engine.SessionIdentity(context.Background(), out.SessionID)
	if err != nil {
		t.Fatalf("SessionIdentity failed: %v", err)
	}
	if ident.Email != "alice@example.com" {
		t.Fatalf("got %q", ident.Email)
	}

	// A repeat resolve is served from the cache.
	before := env.provider.lookups
	if _, err := env.engine.SessionIdentity(context.Background(), out.SessionID); err != nil {
		t.Fatalf("second SessionIdentity failed: %v", err)
	}
	if env.provider.lookups != before {
		t.Fatal("cached resolve reached the provider")
	}
}

func TestSessionIdentityRejectsGuestSession(t *testing.T) {
	env := newTestEngine(t, nil)

	guest, err := env.engine.NewGuestSession(context.Background(), testAuthContext())
	if err != nil {
		t.Fatalf("NewGuestSession failed: %v", err)
	}

	if _, err := env.engine.SessionIdentity(context.Background(), guest.ID); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
	if _, err := env.engine.SessionIdentity(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
