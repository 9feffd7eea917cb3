package authgate

import "errors"

// Sentinel errors returned by the engine and its subpackages. Expected
// rejection branches of Authenticate are reported through [Outcome], not
// through these; errors here mean an operation could not run or a submitted
// token, code, challenge, or session handle was unusable.
var (
	// ErrEngineNotReady is returned by Build when required collaborators
	// or configuration are missing.
	ErrEngineNotReady = errors.New("authgate: engine not ready")

	// ErrEngineClosed is returned after Close has been called.
	ErrEngineClosed = errors.New("authgate: engine closed")

	// ErrStoreUnavailable wraps key-value store infrastructure failures.
	ErrStoreUnavailable = errors.New("authgate: store unavailable")

	// ErrProviderUnavailable wraps identity-provider failures.
	ErrProviderUnavailable = errors.New("authgate: identity provider unavailable")

	// ErrIdentityNotFound is returned by IdentityProvider implementations
	// when no identity matches. It never escapes Authenticate; lookups that
	// miss produce the uniform unauthorized outcome.
	ErrIdentityNotFound = errors.New("authgate: identity not found")

	// ErrChallengeNotFound is returned when a challenge ID is unknown,
	// expired, or already consumed.
	ErrChallengeNotFound = errors.New("authgate: challenge not found")

	// ErrChallengeExhausted is returned when a challenge has no attempts
	// left; the challenge is evicted.
	ErrChallengeExhausted = errors.New("authgate: challenge attempts exhausted")

	// ErrMFANotConfigured is returned when an MFA operation targets an
	// identity with no enrolled factor of the requested method.
	ErrMFANotConfigured = errors.New("authgate: mfa not configured")

	// ErrMFAAlreadyEnabled is returned by setup when the method is
	// already confirmed for the identity.
	ErrMFAAlreadyEnabled = errors.New("authgate: mfa already enabled")

	// ErrTOTPInvalid is returned when a TOTP code fails verification.
	ErrTOTPInvalid = errors.New("authgate: invalid totp code")

	// ErrTOTPReplayed is returned when a TOTP code matches a counter
	// that was already accepted.
	ErrTOTPReplayed = errors.New("authgate: totp code already used")

	// ErrBackupCodeInvalid is returned when a backup code does not match
	// any unconsumed code.
	ErrBackupCodeInvalid = errors.New("authgate: invalid backup code")

	// ErrSMSDeliveryFailed wraps SMSSender failures.
	ErrSMSDeliveryFailed = errors.New("authgate: sms delivery failed")

	// ErrTokenMissing is returned when a token argument is empty.
	ErrTokenMissing = errors.New("authgate: token missing")

	// ErrTokenInvalid is the uniform rejection for unknown, expired, or
	// revoked tokens. Callers cannot distinguish the cases.
	ErrTokenInvalid = errors.New("authgate: token invalid")

	// ErrRefreshReuse is returned when a rotated-out refresh token is
	// presented again. The descendant chain has been revoked.
	ErrRefreshReuse = errors.New("authgate: refresh token reuse detected")

	// ErrSessionNotFound is returned for unknown, expired, or revoked
	// sessions.
	ErrSessionNotFound = errors.New("authgate: session not found")

	// ErrCSRFMismatch is returned when a CSRF token does not match the
	// session's stored token.
	ErrCSRFMismatch = errors.New("authgate: csrf token mismatch")
)
