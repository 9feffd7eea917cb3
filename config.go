package authgate

import (
	"fmt"
	"time"

	"github.com/cordant/authgate/internal/rate"
	"github.com/cordant/authgate/jwt"
)

// Config groups every tunable of the core by concern. Zero values are filled
// from defaultConfig by the builder; Validate runs once during Build.
type Config struct {
	Tokens    TokenConfig
	Session   SessionConfig
	MFA       MFAConfig
	RateLimit RateLimitConfig
	Lockout   LockoutConfig
	Cache     CacheConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

// TokenConfig controls access and refresh token lifetimes and signing.
type TokenConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod jwt.SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// SessionConfig controls guest and authenticated session lifetimes.
type SessionConfig struct {
	KeyPrefix string
	GuestTTL  time.Duration
	AuthTTL   time.Duration
}

// MFAConfig controls challenge lifetime and attempt budget.
type MFAConfig struct {
	ChallengeTTL    time.Duration
	MaxAttempts     int
	TOTPIssuer      string
	TOTPSkew        int
	OTPDigits       int
	BackupCodeCount int
	BackupCodeLen   int
}

// RateLimitConfig controls the adaptive per-origin attempt budget.
type RateLimitConfig struct {
	Window         time.Duration
	HistoryTTL     time.Duration
	BaseMax        int
	MinMax         int
	MaxMax         int
	FailurePenalty int
	SuccessBonus   int
	SuccessCap     int
}

// LockoutConfig controls the per-identity failure lock.
type LockoutConfig struct {
	Threshold int
	Cooldown  time.Duration
}

// CacheConfig controls the read-through cache TTL per record class.
type CacheConfig struct {
	IdentityTTL  time.Duration
	RoleTTL      time.Duration
	MFAStatusTTL time.Duration
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls counter and latency collection.
type MetricsConfig struct {
	Enabled           bool
	LatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		Tokens: TokenConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    30 * 24 * time.Hour,
			SigningMethod: jwt.MethodEd25519,
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			KeyPrefix: "ags",
			GuestTTL:  30 * time.Minute,
			AuthTTL:   24 * time.Hour,
		},
		MFA: MFAConfig{
			ChallengeTTL:    5 * time.Minute,
			MaxAttempts:     3,
			TOTPIssuer:      "authgate",
			TOTPSkew:        1,
			OTPDigits:       6,
			BackupCodeCount: 10,
			BackupCodeLen:   10,
		},
		RateLimit: RateLimitConfig{
			Window:         15 * time.Minute,
			HistoryTTL:     24 * time.Hour,
			BaseMax:        10,
			MinMax:         3,
			MaxMax:         30,
			FailurePenalty: 2,
			SuccessBonus:   1,
			SuccessCap:     10,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Cooldown:  15 * time.Minute,
		},
		Cache: CacheConfig{
			IdentityTTL:  10 * time.Minute,
			RoleTTL:      time.Hour,
			MFAStatusTTL: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate checks cross-field consistency. It is called by Build after
// defaults are applied.
func (c *Config) Validate() error {
	if c.Tokens.AccessTTL <= 0 {
		return fmt.Errorf("%w: tokens: access ttl must be positive", ErrEngineNotReady)
	}
	if c.Tokens.RefreshTTL <= c.Tokens.AccessTTL {
		return fmt.Errorf("%w: tokens: refresh ttl must exceed access ttl", ErrEngineNotReady)
	}
	if len(c.Tokens.PrivateKey) == 0 {
		return fmt.Errorf("%w: tokens: signing key required", ErrEngineNotReady)
	}
	if c.Session.GuestTTL <= 0 || c.Session.AuthTTL <= 0 {
		return fmt.Errorf("%w: session: ttls must be positive", ErrEngineNotReady)
	}
	if c.MFA.ChallengeTTL <= 0 {
		return fmt.Errorf("%w: mfa: challenge ttl must be positive", ErrEngineNotReady)
	}
	if c.MFA.MaxAttempts < 1 {
		return fmt.Errorf("%w: mfa: max attempts must be at least 1", ErrEngineNotReady)
	}
	if c.MFA.OTPDigits < 6 || c.MFA.OTPDigits > 10 {
		return fmt.Errorf("%w: mfa: otp digits must be 6..10", ErrEngineNotReady)
	}
	if c.RateLimit.MinMax < 1 || c.RateLimit.BaseMax < c.RateLimit.MinMax || c.RateLimit.MaxMax < c.RateLimit.BaseMax {
		return fmt.Errorf("%w: ratelimit: need 1 <= min <= base <= max", ErrEngineNotReady)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("%w: ratelimit: window must be positive", ErrEngineNotReady)
	}
	if c.Lockout.Threshold < 1 {
		return fmt.Errorf("%w: lockout: threshold must be at least 1", ErrEngineNotReady)
	}
	if c.Lockout.Cooldown <= 0 {
		return fmt.Errorf("%w: lockout: cooldown must be positive", ErrEngineNotReady)
	}
	if c.Cache.IdentityTTL <= 0 || c.Cache.RoleTTL <= 0 || c.Cache.MFAStatusTTL <= 0 {
		return fmt.Errorf("%w: cache: ttls must be positive", ErrEngineNotReady)
	}
	if c.Audit.Enabled && c.Audit.BufferSize < 1 {
		return fmt.Errorf("%w: audit: buffer size must be at least 1", ErrEngineNotReady)
	}
	return nil
}

func (c *RateLimitConfig) limiterConfig() rate.Config {
	return rate.Config{
		Window:         c.Window,
		HistoryTTL:     c.HistoryTTL,
		BaseMax:        c.BaseMax,
		MinMax:         c.MinMax,
		MaxMax:         c.MaxMax,
		FailurePenalty: c.FailurePenalty,
		SuccessBonus:   c.SuccessBonus,
		SuccessCap:     c.SuccessCap,
	}
}
