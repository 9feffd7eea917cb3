package authgate

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordant/authgate/internal/rate"
	"github.com/cordant/authgate/jwt"
	"github.com/cordant/authgate/kv"
	"github.com/cordant/authgate/session"
)

// Builder assembles an [Engine]. Every collaborator is wired explicitly; a
// builder is single-use and not safe for concurrent mutation.
type Builder struct {
	config Config
	store  kv.Store

	provider IdentityProvider
	verifier PasswordVerifier
	sms      SMSSender
	email    EmailSender
	sink     AuditSink

	built bool
}

// New returns a [Builder] preloaded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration. Zero-valued sections keep
// their defaults only if the caller preserves them; validation runs at
// Build.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithKV sets the key-value store backing sessions, tokens, challenges,
// rate limiting, and the cache.
func (b *Builder) WithKV(store kv.Store) *Builder {
	b.store = store
	return b
}

// WithRedis wires a Redis client as the key-value store.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.store = kv.NewRedis(client)
	return b
}

// WithIdentityProvider sets the persistent identity store collaborator.
func (b *Builder) WithIdentityProvider(p IdentityProvider) *Builder {
	b.provider = p
	return b
}

// WithPasswordVerifier sets the opaque password hash verifier.
func (b *Builder) WithPasswordVerifier(v PasswordVerifier) *Builder {
	b.verifier = v
	return b
}

// WithSMSSender sets the SMS delivery collaborator used for SMS challenges.
func (b *Builder) WithSMSSender(s SMSSender) *Builder {
	b.sms = s
	return b
}

// WithEmailSender sets the alert email collaborator. Optional; without it
// lockout and reuse alerts are skipped.
func (b *Builder) WithEmailSender(s EmailSender) *Builder {
	b.email = s
	return b
}

// WithAuditSink sets the destination of audit events.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// WithMetricsEnabled toggles counter collection.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles latency bucket collection.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.LatencyHistograms = enabled
	return b
}

// WithSigningKeys sets the access token key material.
func (b *Builder) WithSigningKeys(private, public []byte) *Builder {
	b.config.Tokens.PrivateKey = private
	b.config.Tokens.PublicKey = public
	return b
}

// Build validates the configuration, wires every component, and returns a
// ready engine. A builder can build at most once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	if b.store == nil {
		return nil, fmt.Errorf("%w: key-value store required", ErrEngineNotReady)
	}
	if b.provider == nil {
		return nil, fmt.Errorf("%w: identity provider required", ErrEngineNotReady)
	}
	if b.verifier == nil {
		return nil, fmt.Errorf("%w: password verifier required", ErrEngineNotReady)
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	jwtManager, err := jwt.NewManager(jwt.Config{
		AccessTTL:     b.config.Tokens.AccessTTL,
		SigningMethod: b.config.Tokens.SigningMethod,
		PrivateKey:    b.config.Tokens.PrivateKey,
		PublicKey:     b.config.Tokens.PublicKey,
		Issuer:        b.config.Tokens.Issuer,
		Audience:      b.config.Tokens.Audience,
		Leeway:        b.config.Tokens.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineNotReady, err)
	}

	metrics := NewMetrics(b.config.Metrics)

	e := &Engine{
		config:   b.config,
		store:    b.store,
		provider: b.provider,
		verifier: b.verifier,
		sms:      b.sms,
		email:    b.email,

		cache:      newCacheLayer(b.store, b.provider, b.config.Cache, metrics),
		sessions:   session.NewStore(b.store, b.config.Session.KeyPrefix, b.config.Session.GuestTTL, b.config.Session.AuthTTL),
		limiter:    rate.New(b.store, b.config.RateLimit.limiterConfig()),
		tokens:     newTokenLifecycle(b.store, b.config.Tokens.RefreshTTL),
		mfa:        newMFAStore(b.store, b.config.MFA.ChallengeTTL, b.config.MFA.MaxAttempts),
		totp:       newTOTPManager(b.config.MFA.TOTPIssuer, b.config.MFA.OTPDigits, b.config.MFA.TOTPSkew),
		jwtManager: jwtManager,
		audit:      newAuditDispatcher(b.config.Audit, b.sink),
		metrics:    metrics,

		nowFunc: time.Now,
	}
	e.cache.mfaLoader = e.mfaStatusLoader

	return e, nil
}
