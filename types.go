package authgate

import (
	"context"
	"time"
)

// AccountStatus represents the lifecycle state of an identity.
type AccountStatus uint8

const (
	// StatusActive allows authentication.
	StatusActive AccountStatus = iota
	// StatusInactive blocks authentication until reactivated.
	StatusInactive
	// StatusSuspended blocks authentication pending review.
	StatusSuspended
	// StatusPending blocks authentication until verification completes.
	StatusPending
)

// Identity is the authenticating principal as loaded from the persistent
// store collaborator. The core mutates failure bookkeeping and lock state
// through [IdentityProvider.UpdateIdentity]; it never creates or destroys
// identities.
type Identity struct {
	ID           string
	Email        string
	PasswordHash string
	Status       AccountStatus

	EmailVerified bool
	PhoneVerified bool

	FailedAttempts int
	LockedUntil    time.Time // zero means not locked
	LastLoginAt    time.Time
}

// Locked reports whether the identity is under an active lock at now.
func (i *Identity) Locked(now time.Time) bool {
	return i != nil && !i.LockedUntil.IsZero() && now.Before(i.LockedUntil)
}

// IdentityPatch carries partial identity updates. Nil fields are left
// untouched; a non-nil zero LockedUntil clears the lock.
type IdentityPatch struct {
	FailedAttempts *int
	LockedUntil    *time.Time
	LastLoginAt    *time.Time
}

// Role is the authorization role resolved for an identity.
type Role struct {
	ID          string
	Name        string
	Permissions []string
}

// IdentityProvider is the persistent-store collaborator. Implementations own
// durable user storage; the core only reads identities and patches failure
// bookkeeping.
type IdentityProvider interface {
	FindIdentityByEmail(ctx context.Context, email string) (*Identity, error)
	FindIdentityByID(ctx context.Context, identityID string) (*Identity, error)
	UpdateIdentity(ctx context.Context, identityID string, patch IdentityPatch) error
	FindRoleByIdentity(ctx context.Context, identityID string) (*Role, error)
}

// PasswordVerifier is the opaque hashing collaborator.
type PasswordVerifier interface {
	Verify(plain, hash string) bool
}

// PasswordVerifierFunc adapts a plain function to [PasswordVerifier].
type PasswordVerifierFunc func(plain, hash string) bool

// Verify implements [PasswordVerifier].
func (f PasswordVerifierFunc) Verify(plain, hash string) bool {
	return f(plain, hash)
}

// SMSSender delivers MFA codes out of band. A returned error aborts the
// operation that required delivery, never the whole pipeline.
type SMSSender interface {
	SendSMS(ctx context.Context, to, message string) error
}

// EmailSender delivers non-critical alert emails. Dispatch is fire-and-forget
// from the pipeline's perspective; failures are logged, never surfaced.
type EmailSender interface {
	SendEmail(ctx context.Context, template string, data map[string]string) error
}

// MFAMethod identifies a second-factor mechanism.
type MFAMethod string

const (
	// MethodTOTP is a time-based one-time password (RFC 6238).
	MethodTOTP MFAMethod = "totp"
	// MethodSMS is a numeric code delivered via [SMSSender].
	MethodSMS MFAMethod = "sms"
	// MethodBackupCode is a single-use recovery code.
	MethodBackupCode MFAMethod = "backup"
)

// MFAStatus is the cached MFA posture of an identity.
type MFAStatus struct {
	Enabled bool        `json:"enabled"`
	Methods []MFAMethod `json:"methods,omitempty"`
}

// TOTPSetup is returned by [Engine.SetupTOTP]: the raw secret (base32), the
// otpauth:// payload for QR rendering, and the plaintext backup codes. The
// plaintext codes are shown exactly once; only hashes are stored.
type TOTPSetup struct {
	SecretBase32 string
	QRPayload    string
	BackupCodes  []string
}

// AuthContext carries the request-boundary facts the pipeline needs:
// origin IP, user agent, an optional device hint, an approximate location,
// and the guest session (if any) that anchored the login form's CSRF token.
// It is constructed once at the boundary and passed by value.
type AuthContext struct {
	IP         string
	UserAgent  string
	DeviceHint string
	Location   string
	SessionID  string
}

// OutcomeStatus tags the result of an authentication attempt.
type OutcomeStatus uint8

const (
	// OutcomeSuccess carries tokens and a session ID.
	OutcomeSuccess OutcomeStatus = iota
	// OutcomeMFARequired carries a challenge handle; no tokens are issued.
	OutcomeMFARequired
	// OutcomeRateLimited rejects before any credential work.
	OutcomeRateLimited
	// OutcomeUnauthorized is the uniform bad-credentials rejection.
	OutcomeUnauthorized
	// OutcomeAccountLocked rejects until the lock window elapses.
	OutcomeAccountLocked
	// OutcomeAccountInactive rejects inactive or suspended accounts.
	OutcomeAccountInactive
	// OutcomeEmailUnverified rejects accounts pending verification.
	OutcomeEmailUnverified
)

// String returns the wire-stable name of the outcome status.
func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSuccess:
		return "success"
	case OutcomeMFARequired:
		return "mfa_required"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeAccountLocked:
		return "account_locked"
	case OutcomeAccountInactive:
		return "account_inactive"
	case OutcomeEmailUnverified:
		return "email_unverified"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of [Engine.Authenticate] and
// [Engine.CompleteMFA]. Expected rejection branches are ordinary values
// here; only infrastructure faults travel as errors.
type Outcome struct {
	Status OutcomeStatus

	AccessToken  string
	RefreshToken string
	SessionID    string

	ChallengeID string
	Method      MFAMethod

	Reason string
}

// TokenPair is returned by [Engine.Refresh].
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// HealthStatus is the derived, observational health of the core.
type HealthStatus string

const (
	// HealthHealthy indicates normal failure ratios.
	HealthHealthy HealthStatus = "healthy"
	// HealthDegraded indicates elevated failure or infrastructure errors.
	HealthDegraded HealthStatus = "degraded"
	// HealthUnhealthy indicates the core is mostly failing.
	HealthUnhealthy HealthStatus = "unhealthy"
)
