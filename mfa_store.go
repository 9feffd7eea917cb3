package authgate

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cordant/authgate/kv"
)

// Key prefixes for MFA state. Settings have no TTL; enrollments and
// challenges expire on their own.
const (
	mfaSettingsPrefix   = "ams:"
	mfaEnrollmentPrefix = "ame:"
	mfaChallengePrefix  = "amc:"
)

const enrollmentTTL = 10 * time.Minute

// mfaSettings is the durable second-factor state of one identity.
type mfaSettings struct {
	TOTPSecret  []byte   `json:"totp_secret,omitempty"`
	TOTPCounter int64    `json:"totp_counter"` // last accepted counter
	Phone       string   `json:"phone,omitempty"`
	BackupCodes []string `json:"backup_codes,omitempty"` // sha256 hex

	Methods []MFAMethod `json:"methods,omitempty"`
}

func (s *mfaSettings) hasMethod(m MFAMethod) bool {
	for _, have := range s.Methods {
		if have == m {
			return true
		}
	}
	return false
}

// pendingEnrollment holds a generated but unconfirmed TOTP secret. It is
// promoted into settings only after the holder proves possession of the
// secret with a valid code.
type pendingEnrollment struct {
	Secret      []byte   `json:"secret"`
	BackupCodes []string `json:"backup_codes"` // sha256 hex
}

// challengeRecord is one outstanding second-factor challenge. Email is
// carried so completion can resume the identity lookup without a find-by-id
// operation on the provider.
type challengeRecord struct {
	IdentityID string    `json:"identity_id"`
	Email      string    `json:"email"`
	Method     MFAMethod `json:"method"`
	CodeHash   string    `json:"code_hash,omitempty"` // sms only, sha256 hex

	Setup bool   `json:"setup,omitempty"` // enrollment confirmation, not login
	Phone string `json:"phone,omitempty"` // pending phone for sms enrollment

	SessionID string `json:"session_id,omitempty"` // guest session to promote
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Location  string `json:"location,omitempty"`

	ExpiresAt   time.Time `json:"expires_at"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
}

func (c *challengeRecord) expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// mfaStore persists MFA settings, pending enrollments, and challenges in the
// key-value store.
type mfaStore struct {
	store        kv.Store
	challengeTTL time.Duration
	maxAttempts  int
	nowFunc      func() time.Time
}

func newMFAStore(store kv.Store, challengeTTL time.Duration, maxAttempts int) *mfaStore {
	return &mfaStore{
		store:        store,
		challengeTTL: challengeTTL,
		maxAttempts:  maxAttempts,
		nowFunc:      time.Now,
	}
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func codeHashEqual(storedHex, code string) bool {
	sum := sha256.Sum256([]byte(code))
	stored, err := hex.DecodeString(storedHex)
	if err != nil || len(stored) != len(sum) {
		return false
	}
	return subtle.ConstantTimeCompare(stored, sum[:]) == 1
}

func (m *mfaStore) Settings(ctx context.Context, identityID string) (*mfaSettings, error) {
	data, err := m.store.Get(ctx, mfaSettingsPrefix+identityID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrMFANotConfigured
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var s mfaSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: corrupt mfa settings", ErrStoreUnavailable)
	}
	return &s, nil
}

func (m *mfaStore) SaveSettings(ctx context.Context, identityID string, s *mfaSettings) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, mfaSettingsPrefix+identityID, encoded, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// UpdateSettings applies fn to the stored settings atomically. fn runs on a
// private copy and may be retried under contention.
func (m *mfaStore) UpdateSettings(ctx context.Context, identityID string, fn func(*mfaSettings) error) error {
	err := m.store.Update(ctx, mfaSettingsPrefix+identityID, func(current []byte) ([]byte, error) {
		var s mfaSettings
		if err := json.Unmarshal(current, &s); err != nil {
			return nil, fmt.Errorf("%w: corrupt mfa settings", ErrStoreUnavailable)
		}
		if err := fn(&s); err != nil {
			return nil, err
		}
		return json.Marshal(&s)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return ErrMFANotConfigured
	}
	if errors.Is(err, kv.ErrUnavailable) || errors.Is(err, kv.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

func (m *mfaStore) SaveEnrollment(ctx context.Context, identityID string, e *pendingEnrollment) error {
	encoded, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, mfaEnrollmentPrefix+identityID, encoded, enrollmentTTL); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (m *mfaStore) Enrollment(ctx context.Context, identityID string) (*pendingEnrollment, error) {
	data, err := m.store.Get(ctx, mfaEnrollmentPrefix+identityID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var e pendingEnrollment
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: corrupt enrollment", ErrStoreUnavailable)
	}
	return &e, nil
}

func (m *mfaStore) DeleteEnrollment(ctx context.Context, identityID string) error {
	return m.store.Del(ctx, mfaEnrollmentPrefix+identityID)
}

// CreateChallenge stores a new challenge and returns its ID. The record
// expires with the store TTL; ExpiresAt is also embedded so a stale record
// surviving in a lazy backend is still rejected.
func (m *mfaStore) CreateChallenge(ctx context.Context, rec *challengeRecord) (string, error) {
	id := uuid.NewString()
	now := m.nowFunc()

	rec.ExpiresAt = now.Add(m.challengeTTL)
	rec.Attempts = 0
	rec.MaxAttempts = m.maxAttempts

	encoded, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := m.store.Set(ctx, mfaChallengePrefix+id, encoded, m.challengeTTL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return id, nil
}

// Challenge loads a challenge by ID. Expired records are evicted and
// reported as not found.
func (m *mfaStore) Challenge(ctx context.Context, challengeID string) (*challengeRecord, error) {
	data, err := m.store.Get(ctx, mfaChallengePrefix+challengeID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var rec challengeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt challenge", ErrStoreUnavailable)
	}

	if rec.expired(m.nowFunc()) {
		_ = m.store.Del(ctx, mfaChallengePrefix+challengeID)
		return nil, ErrChallengeNotFound
	}
	return &rec, nil
}

// RecordFailure burns one attempt on the challenge. When the budget is
// exhausted the record is removed and ErrChallengeExhausted is returned;
// otherwise the remaining attempt count is returned.
func (m *mfaStore) RecordFailure(ctx context.Context, challengeID string) (int, error) {
	var remaining int
	exhausted := false

	err := m.store.Update(ctx, mfaChallengePrefix+challengeID, func(current []byte) ([]byte, error) {
		var rec challengeRecord
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, fmt.Errorf("%w: corrupt challenge", ErrStoreUnavailable)
		}
		if rec.expired(m.nowFunc()) {
			exhausted = false
			return nil, ErrChallengeNotFound
		}

		rec.Attempts++
		remaining = rec.MaxAttempts - rec.Attempts
		if remaining <= 0 {
			exhausted = true
			return nil, nil // delete the record
		}
		return json.Marshal(&rec)
	})

	switch {
	case errors.Is(err, kv.ErrNotFound):
		return 0, ErrChallengeNotFound
	case err != nil && !exhausted:
		if errors.Is(err, ErrChallengeNotFound) {
			return 0, ErrChallengeNotFound
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if exhausted {
		return 0, ErrChallengeExhausted
	}
	return remaining, nil
}

// ConsumeChallenge removes a challenge after terminal use.
func (m *mfaStore) ConsumeChallenge(ctx context.Context, challengeID string) error {
	return m.store.Del(ctx, mfaChallengePrefix+challengeID)
}
