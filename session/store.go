package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cordant/authgate/internal"
	"github.com/cordant/authgate/kv"
)

// ErrNotFound is returned when no live session exists for an ID.
var ErrNotFound = errors.New("session not found")

// Store persists sessions in the key-value backing store.
type Store struct {
	store   kv.Store
	prefix  string
	guest   time.Duration
	auth    time.Duration
	nowFunc func() time.Time
}

// NewStore creates a session [Store]. prefix namespaces the keys; guestTTL
// and authTTL are the lifetimes of guest and authenticated sessions.
func NewStore(store kv.Store, prefix string, guestTTL, authTTL time.Duration) *Store {
	return &Store{
		store:   store,
		prefix:  prefix,
		guest:   guestTTL,
		auth:    authTTL,
		nowFunc: time.Now,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) indexKey(identityID string) string {
	return s.prefix + ":idx:" + identityID
}

// CreateGuest builds and persists an unauthenticated session with a fresh
// CSRF token. Guest sessions anchor the CSRF check for the login form that
// follows.
func (s *Store) CreateGuest(ctx context.Context, device Fingerprint, location string) (*Session, error) {
	csrf, err := internal.NewCSRFToken()
	if err != nil {
		return nil, err
	}

	now := s.nowFunc()
	sess := &Session{
		ID:           uuid.NewString(),
		CSRFToken:    csrf,
		Device:       device,
		Location:     location,
		CreatedAt:    now.Unix(),
		ExpiresAt:    now.Add(s.guest).Unix(),
		LastActiveAt: now.Unix(),
		Valid:        true,
	}

	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// CreateAuthenticated builds and persists a session owned by identityID.
func (s *Store) CreateAuthenticated(ctx context.Context, identityID string, device Fingerprint, location string) (*Session, error) {
	csrf, err := internal.NewCSRFToken()
	if err != nil {
		return nil, err
	}

	now := s.nowFunc()
	sess := &Session{
		ID:           uuid.NewString(),
		IdentityID:   identityID,
		CSRFToken:    csrf,
		Device:       device,
		Location:     location,
		CreatedAt:    now.Unix(),
		ExpiresAt:    now.Add(s.auth).Unix(),
		LastActiveAt: now.Unix(),
		Valid:        true,
	}

	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}
	if err := s.indexAdd(ctx, identityID, sess.ID); err != nil {
		// The session itself is live; a stale index only weakens
		// logout-all until the next full delete.
		return sess, err
	}
	return sess, nil
}

// Get loads a live session. Expired or revoked records are evicted on read
// and reported as [ErrNotFound].
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}

	data, err := s.store.Get(ctx, s.key(sessionID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}

	if sess.Revoked || !sess.Valid || s.nowFunc().Unix() > sess.ExpiresAt {
		_ = s.store.Del(ctx, s.key(sessionID))
		return nil, ErrNotFound
	}

	return &sess, nil
}

// Save upserts a session. The store TTL mirrors the session's remaining
// lifetime so the record and its expiry can never disagree.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session id required")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	ttl := time.Until(time.Unix(sess.ExpiresAt, 0))
	if ttl <= 0 {
		return errors.New("session already expired")
	}

	return s.store.Set(ctx, s.key(sess.ID), data, ttl)
}

// Delete removes a session and its index entry. Deleting an absent session
// is a no-op.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	identityID := ""
	if data, err := s.store.Get(ctx, s.key(sessionID)); err == nil {
		var sess Session
		if json.Unmarshal(data, &sess) == nil {
			identityID = sess.IdentityID
		}
	}

	if err := s.store.Del(ctx, s.key(sessionID)); err != nil {
		return err
	}
	if identityID != "" {
		return s.indexRemove(ctx, identityID, sessionID)
	}
	return nil
}

// DeleteAllForIdentity removes every indexed session for an identity and
// returns the removed session IDs.
//
// This is not fully atomic: a session created between the index read and the
// deletes is missed and expires on its own TTL, mirroring the usual
// read-then-delete window of a set-backed index.
func (s *Store) DeleteAllForIdentity(ctx context.Context, identityID string) ([]string, error) {
	if identityID == "" {
		return nil, nil
	}

	ids, err := s.indexMembers(ctx, identityID)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.key(id))
	}
	keys = append(keys, s.indexKey(identityID))

	if err := s.store.Del(ctx, keys...); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) indexMembers(ctx context.Context, identityID string) ([]string, error) {
	data, err := s.store.Get(ctx, s.indexKey(identityID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, nil
	}
	return ids, nil
}

func (s *Store) indexAdd(ctx context.Context, identityID, sessionID string) error {
	key := s.indexKey(identityID)

	err := s.store.Update(ctx, key, func(current []byte) ([]byte, error) {
		var ids []string
		_ = json.Unmarshal(current, &ids)
		for _, id := range ids {
			if id == sessionID {
				return json.Marshal(ids)
			}
		}
		return json.Marshal(append(ids, sessionID))
	})
	if errors.Is(err, kv.ErrNotFound) {
		encoded, marshalErr := json.Marshal([]string{sessionID})
		if marshalErr != nil {
			return marshalErr
		}
		return s.store.Set(ctx, key, encoded, s.auth)
	}
	if err == nil {
		// Push the index lifetime out to cover the newest session.
		return s.store.Expire(ctx, key, s.auth)
	}
	return err
}

func (s *Store) indexRemove(ctx context.Context, identityID, sessionID string) error {
	err := s.store.Update(ctx, s.indexKey(identityID), func(current []byte) ([]byte, error) {
		var ids []string
		_ = json.Unmarshal(current, &ids)

		kept := ids[:0]
		for _, id := range ids {
			if id != sessionID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			return nil, nil // drop the empty index
		}
		return json.Marshal(kept)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	return err
}

// Promote replaces a guest session with an authenticated one for the same
// client: a new authenticated session inherits the guest's device metadata,
// and the guest record is deleted so the two never coexist. A missing guest
// session is tolerated; device metadata then comes from the arguments.
func (s *Store) Promote(ctx context.Context, guestSessionID, identityID string, device Fingerprint, location string) (*Session, error) {
	if guestSessionID != "" {
		if guest, err := s.Get(ctx, guestSessionID); err == nil && !guest.Authenticated() {
			if device.Hash == "" {
				device = guest.Device
			}
			if location == "" {
				location = guest.Location
			}
		}
	}

	sess, err := s.CreateAuthenticated(ctx, identityID, device, location)
	if err != nil {
		return nil, err
	}

	if guestSessionID != "" {
		if err := s.Delete(ctx, guestSessionID); err != nil {
			// The new session is live; leaving a guest record behind only
			// wastes a key until its TTL fires.
			return sess, err
		}
	}
	return sess, nil
}

// Touch updates the session's last-active timestamp. Best effort.
func (s *Store) Touch(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	sess.LastActiveAt = s.nowFunc().Unix()
	return s.Save(ctx, sess)
}
