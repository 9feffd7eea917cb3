package authgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cordant/authgate/kv"
)

// Cache key prefixes per record class.
const (
	cacheIdentityPrefix   = "aci:"
	cacheIdentityIDPrefix = "acd:"
	cacheRolePrefix       = "acr:"
	cacheMFAPrefix        = "acm:"
)

// cacheLayer is the read-through cache in front of the identity provider.
// Hits come from the key-value store; misses go to the provider and the
// result is written back with the class TTL. A store failure degrades to a
// direct provider read, never to a request failure.
type cacheLayer struct {
	store    kv.Store
	provider IdentityProvider
	cfg      CacheConfig
	metrics  *Metrics

	mfaLoader func(ctx context.Context, identityID string) (*MFAStatus, error)
}

func newCacheLayer(store kv.Store, provider IdentityProvider, cfg CacheConfig, metrics *Metrics) *cacheLayer {
	return &cacheLayer{
		store:    store,
		provider: provider,
		cfg:      cfg,
		metrics:  metrics,
	}
}

// identityKey hashes the normalized email so raw addresses never appear in
// store keys.
func identityKey(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return cacheIdentityPrefix + hex.EncodeToString(sum[:16])
}

func identityIDKey(identityID string) string {
	return cacheIdentityIDPrefix + identityID
}

func roleKey(identityID string) string {
	return cacheRolePrefix + identityID
}

func mfaStatusKey(identityID string) string {
	return cacheMFAPrefix + identityID
}

// Identity returns the identity for an email, read through the cache.
// Not-found answers are not cached; every miss for an unknown email reaches
// the provider.
func (c *cacheLayer) Identity(ctx context.Context, email string) (*Identity, error) {
	key := identityKey(email)

	data, err := c.store.Get(ctx, key)
	if err == nil {
		var ident Identity
		if jsonErr := json.Unmarshal(data, &ident); jsonErr == nil {
			c.metrics.Inc(MetricCacheHit)
			return &ident, nil
		}
		_ = c.store.Del(ctx, key)
	} else if !errors.Is(err, kv.ErrNotFound) {
		c.metrics.Inc(MetricStoreError)
		log.Printf("authgate: identity cache read failed, falling back to provider: %v", err)
	}
	c.metrics.Inc(MetricCacheMiss)

	ident, err := c.provider.FindIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrIdentityNotFound
		}
		c.metrics.Inc(MetricProviderError)
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if ident == nil {
		return nil, ErrIdentityNotFound
	}

	if encoded, jsonErr := json.Marshal(ident); jsonErr == nil {
		if setErr := c.store.Set(ctx, key, encoded, c.cfg.IdentityTTL); setErr != nil {
			c.metrics.Inc(MetricStoreError)
			log.Printf("authgate: identity cache write failed: %v", setErr)
		}
	}
	return ident, nil
}

// IdentityByID returns the identity owning the given ID, read through the
// cache. Serves session-to-identity resolution after login.
func (c *cacheLayer) IdentityByID(ctx context.Context, identityID string) (*Identity, error) {
	key := identityIDKey(identityID)

	data, err := c.store.Get(ctx, key)
	if err == nil {
		var ident Identity
		if jsonErr := json.Unmarshal(data, &ident); jsonErr == nil {
			c.metrics.Inc(MetricCacheHit)
			return &ident, nil
		}
		_ = c.store.Del(ctx, key)
	} else if !errors.Is(err, kv.ErrNotFound) {
		c.metrics.Inc(MetricStoreError)
		log.Printf("authgate: identity cache read failed, falling back to provider: %v", err)
	}
	c.metrics.Inc(MetricCacheMiss)

	ident, err := c.provider.FindIdentityByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrIdentityNotFound
		}
		c.metrics.Inc(MetricProviderError)
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if ident == nil {
		return nil, ErrIdentityNotFound
	}

	if encoded, jsonErr := json.Marshal(ident); jsonErr == nil {
		if setErr := c.store.Set(ctx, key, encoded, c.cfg.IdentityTTL); setErr != nil {
			c.metrics.Inc(MetricStoreError)
			log.Printf("authgate: identity cache write failed: %v", setErr)
		}
	}
	return ident, nil
}

// Role returns the role for an identity, read through the cache.
func (c *cacheLayer) Role(ctx context.Context, identityID string) (*Role, error) {
	key := roleKey(identityID)

	data, err := c.store.Get(ctx, key)
	if err == nil {
		var role Role
		if jsonErr := json.Unmarshal(data, &role); jsonErr == nil {
			c.metrics.Inc(MetricCacheHit)
			return &role, nil
		}
		_ = c.store.Del(ctx, key)
	} else if !errors.Is(err, kv.ErrNotFound) {
		c.metrics.Inc(MetricStoreError)
		log.Printf("authgate: role cache read failed, falling back to provider: %v", err)
	}
	c.metrics.Inc(MetricCacheMiss)

	role, err := c.provider.FindRoleByIdentity(ctx, identityID)
	if err != nil {
		c.metrics.Inc(MetricProviderError)
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if role == nil {
		return nil, nil
	}

	if encoded, jsonErr := json.Marshal(role); jsonErr == nil {
		if setErr := c.store.Set(ctx, key, encoded, c.cfg.RoleTTL); setErr != nil {
			c.metrics.Inc(MetricStoreError)
			log.Printf("authgate: role cache write failed: %v", setErr)
		}
	}
	return role, nil
}

// MFAStatus returns the cached MFA posture for an identity, loading it
// through the configured loader on a miss.
func (c *cacheLayer) MFAStatus(ctx context.Context, identityID string) (*MFAStatus, error) {
	if c.mfaLoader == nil {
		return &MFAStatus{}, nil
	}
	key := mfaStatusKey(identityID)

	data, err := c.store.Get(ctx, key)
	if err == nil {
		var status MFAStatus
		if jsonErr := json.Unmarshal(data, &status); jsonErr == nil {
			c.metrics.Inc(MetricCacheHit)
			return &status, nil
		}
		_ = c.store.Del(ctx, key)
	} else if !errors.Is(err, kv.ErrNotFound) {
		c.metrics.Inc(MetricStoreError)
	}
	c.metrics.Inc(MetricCacheMiss)

	status, err := c.mfaLoader(ctx, identityID)
	if err != nil {
		return nil, err
	}

	if encoded, jsonErr := json.Marshal(status); jsonErr == nil {
		if setErr := c.store.Set(ctx, key, encoded, c.cfg.MFAStatusTTL); setErr != nil {
			c.metrics.Inc(MetricStoreError)
		}
	}
	return status, nil
}

// InvalidateIdentity drops the cached identity under both its email and ID
// keys. Called after any write to the identity record so the next read
// observes it.
func (c *cacheLayer) InvalidateIdentity(ctx context.Context, email, identityID string) {
	keys := []string{identityKey(email)}
	if identityID != "" {
		keys = append(keys, identityIDKey(identityID))
	}
	if err := c.store.Del(ctx, keys...); err != nil {
		c.metrics.Inc(MetricStoreError)
		log.Printf("authgate: identity cache invalidation failed: %v", err)
	}
}

// InvalidateRole drops the cached role for an identity.
func (c *cacheLayer) InvalidateRole(ctx context.Context, identityID string) {
	if err := c.store.Del(ctx, roleKey(identityID)); err != nil {
		c.metrics.Inc(MetricStoreError)
		log.Printf("authgate: role cache invalidation failed: %v", err)
	}
}

// InvalidateMFAStatus drops the cached MFA posture for an identity.
func (c *cacheLayer) InvalidateMFAStatus(ctx context.Context, identityID string) {
	if err := c.store.Del(ctx, mfaStatusKey(identityID)); err != nil {
		c.metrics.Inc(MetricStoreError)
		log.Printf("authgate: mfa status cache invalidation failed: %v", err)
	}
}
