package authgate

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cordant/authgate/internal"
	"github.com/cordant/authgate/kv"
)

const (
	refreshPrefix      = "art:"
	refreshIndexPrefix = "artx:"
)

// refreshRecord is the stored state of one refresh token, keyed by the
// sha256 of the opaque token value. Rotated-out records stay in the store
// until natural expiry so that a replay of an old token is detectable.
type refreshRecord struct {
	IdentityID string    `json:"identity_id"`
	SessionID  string    `json:"session_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`

	Revoked    bool      `json:"revoked,omitempty"`
	RevokedAt  time.Time `json:"revoked_at,omitempty"`
	ReplacedBy string    `json:"replaced_by,omitempty"` // sha256 hex of successor

	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

func (r *refreshRecord) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// tokenLifecycle issues, rotates, and revokes refresh tokens. Plaintext
// token values never touch the store.
type tokenLifecycle struct {
	store   kv.Store
	ttl     time.Duration
	nowFunc func() time.Time
}

func newTokenLifecycle(store kv.Store, ttl time.Duration) *tokenLifecycle {
	return &tokenLifecycle{store: store, ttl: ttl, nowFunc: time.Now}
}

func refreshKey(token string) string {
	sum := internal.HashToken(token)
	return refreshPrefix + hex.EncodeToString(sum[:])
}

// Issue mints a fresh refresh token bound to an identity and session.
func (t *tokenLifecycle) Issue(ctx context.Context, identityID, sessionID string, actx AuthContext) (string, error) {
	token, err := internal.NewRefreshSecret()
	if err != nil {
		return "", err
	}

	now := t.nowFunc()
	rec := refreshRecord{
		IdentityID: identityID,
		SessionID:  sessionID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(t.ttl),
		IP:         actx.IP,
		UserAgent:  actx.UserAgent,
	}

	key := refreshKey(token)
	if err := t.save(ctx, key, &rec, t.ttl); err != nil {
		return "", err
	}
	if err := t.indexAdd(ctx, identityID, key); err != nil {
		// Token stays usable; a missed index entry only weakens revoke-all.
		log.Printf("authgate: refresh token index update failed: %v", err)
	}
	return token, nil
}

func (t *tokenLifecycle) save(ctx context.Context, key string, rec *refreshRecord, ttl time.Duration) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := t.store.Set(ctx, key, encoded, ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Rotate exchanges a live refresh token for a successor. Exactly one caller
// wins a concurrent rotation: the losing caller observes the record already
// revoked and gets ErrTokenInvalid. Presenting a token whose record is
// revoked with a successor set is treated as reuse.
func (t *tokenLifecycle) Rotate(ctx context.Context, token string, actx AuthContext) (string, *refreshRecord, error) {
	if token == "" {
		return "", nil, ErrTokenMissing
	}
	key := refreshKey(token)

	successor, err := internal.NewRefreshSecret()
	if err != nil {
		return "", nil, err
	}
	successorKey := refreshKey(successor)

	var current refreshRecord
	err = t.store.Update(ctx, key, func(data []byte) ([]byte, error) {
		if jsonErr := json.Unmarshal(data, &current); jsonErr != nil {
			return nil, fmt.Errorf("%w: corrupt refresh record", ErrStoreUnavailable)
		}

		now := t.nowFunc()
		if current.expired(now) {
			return nil, ErrTokenInvalid
		}
		if current.Revoked {
			if current.ReplacedBy != "" {
				return nil, ErrRefreshReuse
			}
			return nil, ErrTokenInvalid
		}

		current.Revoked = true
		current.RevokedAt = now
		current.ReplacedBy = successorKey
		return json.Marshal(&current)
	})
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return "", nil, ErrTokenInvalid
	case errors.Is(err, ErrRefreshReuse):
		return "", &current, ErrRefreshReuse
	case errors.Is(err, ErrTokenInvalid):
		return "", nil, ErrTokenInvalid
	case errors.Is(err, kv.ErrUnavailable), errors.Is(err, kv.ErrConflict):
		return "", nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	case err != nil:
		return "", nil, err
	}

	now := t.nowFunc()
	next := refreshRecord{
		IdentityID: current.IdentityID,
		SessionID:  current.SessionID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(t.ttl),
		IP:         actx.IP,
		UserAgent:  actx.UserAgent,
	}
	if err := t.save(ctx, successorKey, &next, t.ttl); err != nil {
		// The old token is already revoked; the caller holds nothing usable.
		// There is no pair in flight, so this is a hard failure, not an
		// inconsistency.
		log.Printf("authgate: refresh rotation persisted revocation but not successor: %v", err)
		return "", nil, err
	}
	if err := t.indexAdd(ctx, next.IdentityID, successorKey); err != nil {
		log.Printf("authgate: refresh token index update failed: %v", err)
	}

	return successor, &next, nil
}

// Revoke invalidates a refresh token without a successor. Unknown tokens
// report ErrTokenInvalid; the caller cannot probe for token existence beyond
// that uniform answer.
func (t *tokenLifecycle) Revoke(ctx context.Context, token string) (*refreshRecord, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}

	var current refreshRecord
	err := t.store.Update(ctx, refreshKey(token), func(data []byte) ([]byte, error) {
		if jsonErr := json.Unmarshal(data, &current); jsonErr != nil {
			return nil, fmt.Errorf("%w: corrupt refresh record", ErrStoreUnavailable)
		}
		if current.Revoked || current.expired(t.nowFunc()) {
			return nil, ErrTokenInvalid
		}
		current.Revoked = true
		current.RevokedAt = t.nowFunc()
		return json.Marshal(&current)
	})
	switch {
	case errors.Is(err, kv.ErrNotFound), errors.Is(err, ErrTokenInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, kv.ErrUnavailable), errors.Is(err, kv.ErrConflict):
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	case err != nil:
		return nil, err
	}
	return &current, nil
}

// Peek loads the record for a token without modifying it.
func (t *tokenLifecycle) Peek(ctx context.Context, token string) (*refreshRecord, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}

	data, err := t.store.Get(ctx, refreshKey(token))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var rec refreshRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt refresh record", ErrStoreUnavailable)
	}
	if rec.expired(t.nowFunc()) {
		return nil, ErrTokenInvalid
	}
	return &rec, nil
}

// RevokeChain walks the ReplacedBy chain starting at the reused token's
// record and revokes every live descendant. Called on reuse detection.
func (t *tokenLifecycle) RevokeChain(ctx context.Context, start *refreshRecord) int {
	revoked := 0
	key := start.ReplacedBy

	for depth := 0; key != "" && depth < 64; depth++ {
		var next string
		err := t.store.Update(ctx, key, func(data []byte) ([]byte, error) {
			var rec refreshRecord
			if jsonErr := json.Unmarshal(data, &rec); jsonErr != nil {
				return nil, fmt.Errorf("%w: corrupt refresh record", ErrStoreUnavailable)
			}
			next = rec.ReplacedBy
			if rec.Revoked {
				return nil, errSkipRevoke
			}
			rec.Revoked = true
			rec.RevokedAt = t.nowFunc()
			return json.Marshal(&rec)
		})
		if err == nil {
			revoked++
		} else if !errors.Is(err, errSkipRevoke) && !errors.Is(err, kv.ErrNotFound) {
			log.Printf("authgate: revoke chain step failed: %v", err)
			break
		}
		key = next
	}
	return revoked
}

var errSkipRevoke = errors.New("already revoked")

func (t *tokenLifecycle) indexAdd(ctx context.Context, identityID, recordKey string) error {
	key := refreshIndexPrefix + identityID

	err := t.store.Update(ctx, key, func(current []byte) ([]byte, error) {
		var keys []string
		_ = json.Unmarshal(current, &keys)
		for _, k := range keys {
			if k == recordKey {
				return json.Marshal(keys)
			}
		}
		return json.Marshal(append(keys, recordKey))
	})
	if errors.Is(err, kv.ErrNotFound) {
		encoded, marshalErr := json.Marshal([]string{recordKey})
		if marshalErr != nil {
			return marshalErr
		}
		return t.store.Set(ctx, key, encoded, t.ttl)
	}
	if err == nil {
		return t.store.Expire(ctx, key, t.ttl)
	}
	return err
}

// RevokeAllForIdentity revokes every indexed live token for an identity and
// drops the index. Returns the number of tokens revoked. Tokens issued
// between the index read and the revocations are missed; they fall to the
// next call or to natural expiry.
func (t *tokenLifecycle) RevokeAllForIdentity(ctx context.Context, identityID string) (int, error) {
	if identityID == "" {
		return 0, nil
	}
	indexKey := refreshIndexPrefix + identityID

	data, err := t.store.Get(ctx, indexKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		_ = t.store.Del(ctx, indexKey)
		return 0, nil
	}

	revoked := 0
	for _, key := range keys {
		err := t.store.Update(ctx, key, func(data []byte) ([]byte, error) {
			var rec refreshRecord
			if jsonErr := json.Unmarshal(data, &rec); jsonErr != nil {
				return nil, fmt.Errorf("%w: corrupt refresh record", ErrStoreUnavailable)
			}
			if rec.Revoked || rec.expired(t.nowFunc()) {
				return nil, errSkipRevoke
			}
			rec.Revoked = true
			rec.RevokedAt = t.nowFunc()
			return json.Marshal(&rec)
		})
		if err == nil {
			revoked++
		} else if !errors.Is(err, errSkipRevoke) && !errors.Is(err, kv.ErrNotFound) {
			log.Printf("authgate: revoke-all step failed: %v", err)
		}
	}

	if err := t.store.Del(ctx, indexKey); err != nil {
		log.Printf("authgate: refresh token index delete failed: %v", err)
	}
	return revoked, nil
}
