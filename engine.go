package authgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cordant/authgate/internal/rate"
	"github.com/cordant/authgate/jwt"
	"github.com/cordant/authgate/kv"
	"github.com/cordant/authgate/session"
)

// Engine is the authentication core. It is built once via [Builder.Build],
// is safe for concurrent use, and holds no global state: every dependency
// is injected at construction.
type Engine struct {
	config   Config
	store    kv.Store
	provider IdentityProvider
	verifier PasswordVerifier
	sms      SMSSender
	email    EmailSender

	cache      *cacheLayer
	sessions   *session.Store
	limiter    *rate.Limiter
	tokens     *tokenLifecycle
	mfa        *mfaStore
	totp       *totpManager
	jwtManager *jwt.Manager
	audit      *auditDispatcher
	metrics    *Metrics

	closed  atomic.Bool
	nowFunc func() time.Time
}

// Close flushes the audit buffer and stops the dispatcher. The engine
// rejects all operations afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.closed.Swap(true) {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns the number of audit events lost to a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all metric series.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Health derives health from recorded outcome ratios. Purely observational.
func (e *Engine) Health() HealthStatus {
	if e == nil {
		return HealthUnhealthy
	}
	return e.metrics.Health()
}

func (e *Engine) ready() error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return nil
}

// limiterHint derives the rate-limiter identity hint from a submitted email.
// Hashing keeps raw addresses out of store keys and makes unknown and known
// addresses indistinguishable by key shape.
func limiterHint(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:12])
}

func (e *Engine) emit(event AuditEvent) {
	if e.audit == nil {
		return
	}
	event.Timestamp = e.nowFunc()
	e.audit.Emit(context.Background(), event)
}

// NewGuestSession creates an unauthenticated session carrying a fresh CSRF
// token. The returned session anchors the CSRF check of the login form that
// follows.
func (e *Engine) NewGuestSession(ctx context.Context, actx AuthContext) (*session.Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	sess, err := e.sessions.CreateGuest(ctx, session.NewFingerprint(actx.UserAgent, actx.DeviceHint), actx.Location)
	if err != nil {
		e.metrics.Inc(MetricStoreError)
		return nil, err
	}
	e.metrics.Inc(MetricSessionCreated)
	return sess, nil
}

// Session loads a live session by ID.
func (e *Engine) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		e.metrics.Inc(MetricStoreError)
		return nil, err
	}
	return sess, nil
}

// SessionIdentity resolves the identity owning a session, read through the
// cache. Guest sessions have no owner and report [ErrIdentityNotFound].
func (e *Engine) SessionIdentity(ctx context.Context, sessionID string) (*Identity, error) {
	sess, err := e.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Authenticated() {
		return nil, ErrIdentityNotFound
	}
	return e.cache.IdentityByID(ctx, sess.IdentityID)
}

// Role resolves the authorization role for an identity, read through the
// cache. A nil role with a nil error means the provider has none assigned.
func (e *Engine) Role(ctx context.Context, identityID string) (*Role, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.cache.Role(ctx, identityID)
}

// ValidateCSRF checks a submitted CSRF token against the session's stored
// token in constant time.
func (e *Engine) ValidateCSRF(ctx context.Context, sessionID, token string) error {
	sess, err := e.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.ValidateCSRF(sess, token) {
		return ErrCSRFMismatch
	}
	return nil
}

// Authenticate runs the credential verification pipeline: rate gate,
// identity lookup, lock and status checks, password verification, and the
// MFA branch. Expected rejections come back as tagged outcomes; a non-nil
// error means infrastructure failed and nothing can be said about the
// credentials.
func (e *Engine) Authenticate(ctx context.Context, email, password string, actx AuthContext) (*Outcome, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	start := e.nowFunc()
	defer func() {
		e.metrics.Observe(MetricAuthenticateLatency, e.nowFunc().Sub(start))
	}()

	hint := limiterHint(email)
	origin := actx.IP

	// Rate gate before any credential work. Limiter infrastructure failure
	// fails closed: an attacker must not gain attempts by breaking the store.
	budget, err := e.limiter.GetBudget(ctx, hint, origin)
	if err != nil {
		e.metrics.Inc(MetricStoreError)
		log.Printf("authgate: rate budget unavailable, failing closed: %v", err)
		return e.rateLimited(actx, "rate limiter unavailable"), nil
	}
	count, err := e.limiter.Increment(ctx, hint, origin)
	if err != nil {
		e.metrics.Inc(MetricStoreError)
		log.Printf("authgate: rate counter unavailable, failing closed: %v", err)
		return e.rateLimited(actx, "rate limiter unavailable"), nil
	}
	if count > int64(budget.Max) {
		e.emit(AuditEvent{EventType: AuditAuthRateLimited, IP: actx.IP})
		return e.rateLimited(actx, budget.Message), nil
	}

	ident, err := e.cache.Identity(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			// Unknown address takes the same path as a wrong password.
			return e.authFailed(ctx, nil, email, hint, actx, "unknown identity"), nil
		}
		return nil, err
	}

	now := e.nowFunc()
	if ident.Locked(now) {
		e.metrics.Inc(MetricAuthAccountLocked)
		e.emit(AuditEvent{EventType: AuditAccountLocked, IdentityID: ident.ID, IP: actx.IP})
		return &Outcome{Status: OutcomeAccountLocked, Reason: "account locked, retry later"}, nil
	}

	switch ident.Status {
	case StatusInactive, StatusSuspended:
		e.metrics.Inc(MetricAuthAccountInactive)
		e.emit(AuditEvent{EventType: AuditAuthFailure, IdentityID: ident.ID, IP: actx.IP, Error: "account inactive"})
		return &Outcome{Status: OutcomeAccountInactive, Reason: "account is not active"}, nil
	case StatusPending:
		e.metrics.Inc(MetricAuthEmailUnverified)
		return &Outcome{Status: OutcomeEmailUnverified, Reason: "email not verified"}, nil
	}
	if !ident.EmailVerified {
		e.metrics.Inc(MetricAuthEmailUnverified)
		return &Outcome{Status: OutcomeEmailUnverified, Reason: "email not verified"}, nil
	}

	if !e.verifier.Verify(password, ident.PasswordHash) {
		return e.authFailed(ctx, ident, email, hint, actx, "invalid password"), nil
	}

	status, err := e.cache.MFAStatus(ctx, ident.ID)
	if err != nil {
		return nil, err
	}
	if status.Enabled {
		return e.startChallenge(ctx, ident, status, actx)
	}

	return e.finishLogin(ctx, ident, email, hint, actx)
}

func (e *Engine) rateLimited(actx AuthContext, reason string) *Outcome {
	e.metrics.Inc(MetricAuthRateLimited)
	return &Outcome{Status: OutcomeRateLimited, Reason: reason}
}

// authFailed is the single failure path for unknown identities and wrong
// passwords: both produce the uniform unauthorized outcome after identical
// bookkeeping, so timing and shape do not reveal which case occurred.
func (e *Engine) authFailed(ctx context.Context, ident *Identity, email, hint string, actx AuthContext, cause string) *Outcome {
	e.metrics.Inc(MetricAuthFailure)

	if err := e.limiter.RecordOutcome(ctx, hint, actx.IP, false); err != nil {
		e.metrics.Inc(MetricStoreError)
	}

	event := AuditEvent{EventType: AuditAuthFailure, IP: actx.IP, Error: cause}
	if ident != nil {
		event.IdentityID = ident.ID

		failures := ident.FailedAttempts + 1
		patch := IdentityPatch{FailedAttempts: &failures}
		if failures >= e.config.Lockout.Threshold {
			until := e.nowFunc().Add(e.config.Lockout.Cooldown)
			patch.LockedUntil = &until
			e.metrics.Inc(MetricAuthAccountLocked)
			e.emit(AuditEvent{EventType: AuditAccountLocked, IdentityID: ident.ID, IP: actx.IP})
			e.notifyLockout(ident)
		}
		if err := e.provider.UpdateIdentity(ctx, ident.ID, patch); err != nil {
			e.metrics.Inc(MetricProviderError)
			log.Printf("authgate: failure bookkeeping update failed: %v", err)
		}
		e.cache.InvalidateIdentity(ctx, email, ident.ID)
	}
	e.emit(event)

	return &Outcome{Status: OutcomeUnauthorized, Reason: "invalid credentials"}
}

// finishLogin is the shared tail of password-only logins and completed MFA
// challenges: session promotion, token issuance, and success bookkeeping.
func (e *Engine) finishLogin(ctx context.Context, ident *Identity, email, hint string, actx AuthContext) (*Outcome, error) {
	device := session.NewFingerprint(actx.UserAgent, actx.DeviceHint)

	sess, err := e.sessions.Promote(ctx, actx.SessionID, ident.ID, device, actx.Location)
	if err != nil {
		e.metrics.Inc(MetricStoreError)
		return nil, err
	}
	if actx.SessionID != "" {
		e.metrics.Inc(MetricSessionPromoted)
	} else {
		e.metrics.Inc(MetricSessionCreated)
	}

	access, err := e.jwtManager.CreateAccess(ident.ID, sess.ID)
	if err != nil {
		return nil, err
	}
	refresh, err := e.tokens.Issue(ctx, ident.ID, sess.ID, actx)
	if err != nil {
		// The session is live but the client got nothing; it will retry
		// from the top and the orphan expires on its TTL.
		_ = e.sessions.Delete(ctx, sess.ID)
		return nil, err
	}

	now := e.nowFunc()
	zeroFailures := 0
	noLock := time.Time{}
	patch := IdentityPatch{FailedAttempts: &zeroFailures, LockedUntil: &noLock, LastLoginAt: &now}
	if err := e.provider.UpdateIdentity(ctx, ident.ID, patch); err != nil {
		e.metrics.Inc(MetricProviderError)
		log.Printf("authgate: success bookkeeping update failed: %v", err)
	}
	e.cache.InvalidateIdentity(ctx, email, ident.ID)

	if err := e.limiter.Reset(ctx, hint, actx.IP); err != nil {
		e.metrics.Inc(MetricStoreError)
	}
	if err := e.limiter.RecordOutcome(ctx, hint, actx.IP, true); err != nil {
		e.metrics.Inc(MetricStoreError)
	}

	e.metrics.Inc(MetricAuthSuccess)
	e.emit(AuditEvent{
		EventType:  AuditAuthSuccess,
		IdentityID: ident.ID,
		SessionID:  sess.ID,
		IP:         actx.IP,
		Success:    true,
	})

	return &Outcome{
		Status:       OutcomeSuccess,
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    sess.ID,
	}, nil
}

// Refresh rotates a refresh token and mints a new access token. Reuse of a
// rotated-out token revokes the whole descendant chain and the session it
// was bound to.
func (e *Engine) Refresh(ctx context.Context, refreshToken string, actx AuthContext) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	start := e.nowFunc()
	defer func() {
		e.metrics.Observe(MetricRefreshLatency, e.nowFunc().Sub(start))
	}()

	successor, rec, err := e.tokens.Rotate(ctx, refreshToken, actx)
	if err != nil {
		if errors.Is(err, ErrRefreshReuse) {
			e.metrics.Inc(MetricRefreshReuseDetected)
			revoked := e.tokens.RevokeChain(ctx, rec)
			if rec.SessionID != "" {
				if delErr := e.sessions.Delete(ctx, rec.SessionID); delErr == nil {
					e.metrics.Inc(MetricSessionInvalidated)
				}
			}
			e.emit(AuditEvent{
				EventType:  AuditRefreshReuse,
				IdentityID: rec.IdentityID,
				SessionID:  rec.SessionID,
				IP:         actx.IP,
				Error:      "refresh token replayed",
				Metadata:   map[string]string{"descendants_revoked": strconv.Itoa(revoked)},
			})
			e.notifyReuse(rec)
			return nil, ErrRefreshReuse
		}
		if errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrTokenMissing) {
			e.metrics.Inc(MetricRefreshFailure)
			return nil, err
		}
		e.metrics.Inc(MetricStoreError)
		return nil, err
	}

	access, err := e.jwtManager.CreateAccess(rec.IdentityID, rec.SessionID)
	if err != nil {
		return nil, err
	}

	if rec.SessionID != "" {
		if sess, sessErr := e.sessions.Get(ctx, rec.SessionID); sessErr == nil {
			_ = e.sessions.Touch(ctx, sess)
		}
	}

	e.metrics.Inc(MetricRefreshSuccess)
	e.emit(AuditEvent{
		EventType:  AuditRefreshRotated,
		IdentityID: rec.IdentityID,
		SessionID:  rec.SessionID,
		IP:         actx.IP,
		Success:    true,
	})

	return &TokenPair{AccessToken: access, RefreshToken: successor}, nil
}

// ValidateAccess parses and verifies an access token and returns its claims.
func (e *Engine) ValidateAccess(tokenStr string) (*jwt.AccessClaims, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if tokenStr == "" {
		return nil, ErrTokenMissing
	}
	claims, err := e.jwtManager.ParseAccess(tokenStr)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// RevokeRefresh invalidates one refresh token without a successor.
func (e *Engine) RevokeRefresh(ctx context.Context, refreshToken string) error {
	if err := e.ready(); err != nil {
		return err
	}

	rec, err := e.tokens.Revoke(ctx, refreshToken)
	if err != nil {
		return err
	}

	e.emit(AuditEvent{EventType: AuditTokenRevoked, IdentityID: rec.IdentityID, SessionID: rec.SessionID, Success: true})
	return nil
}

// RefreshTokenInfo is a read-only view of a stored refresh token. It carries
// no token material; HasSuccessor only reports whether the token was rotated
// out, never what replaced it.
type RefreshTokenInfo struct {
	IdentityID   string
	SessionID    string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Revoked      bool
	RevokedAt    time.Time
	HasSuccessor bool
	IP           string
	UserAgent    string
}

// InspectRefreshToken reports the stored state of a refresh token without
// rotating or revoking it. Unknown and expired tokens answer ErrTokenInvalid
// uniformly.
func (e *Engine) InspectRefreshToken(ctx context.Context, refreshToken string) (*RefreshTokenInfo, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	rec, err := e.tokens.Peek(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return &RefreshTokenInfo{
		IdentityID:   rec.IdentityID,
		SessionID:    rec.SessionID,
		IssuedAt:     rec.IssuedAt,
		ExpiresAt:    rec.ExpiresAt,
		Revoked:      rec.Revoked,
		RevokedAt:    rec.RevokedAt,
		HasSuccessor: rec.ReplacedBy != "",
		IP:           rec.IP,
		UserAgent:    rec.UserAgent,
	}, nil
}

// Logout ends one session: the session record is removed and the presented
// refresh token is revoked. Both halves are best-effort independent so a
// half-failed logout still invalidates as much as possible.
func (e *Engine) Logout(ctx context.Context, sessionID, refreshToken string) error {
	if err := e.ready(); err != nil {
		return err
	}

	var firstErr error
	if sessionID != "" {
		if err := e.sessions.Delete(ctx, sessionID); err != nil {
			e.metrics.Inc(MetricStoreError)
			firstErr = err
		} else {
			e.metrics.Inc(MetricSessionInvalidated)
		}
	}
	if refreshToken != "" {
		if _, err := e.tokens.Revoke(ctx, refreshToken); err != nil && !errors.Is(err, ErrTokenInvalid) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	e.metrics.Inc(MetricLogout)
	e.emit(AuditEvent{EventType: AuditLogout, SessionID: sessionID, Success: firstErr == nil})
	return firstErr
}

// LogoutAll ends every session and revokes every live refresh token of an
// identity.
func (e *Engine) LogoutAll(ctx context.Context, identityID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if identityID == "" {
		return ErrSessionNotFound
	}

	removed, err := e.sessions.DeleteAllForIdentity(ctx, identityID)
	if err != nil {
		e.metrics.Inc(MetricStoreError)
		return err
	}
	for range removed {
		e.metrics.Inc(MetricSessionInvalidated)
	}

	revoked, err := e.tokens.RevokeAllForIdentity(ctx, identityID)
	if err != nil {
		e.metrics.Inc(MetricStoreError)
		return err
	}

	e.metrics.Inc(MetricLogoutAll)
	e.emit(AuditEvent{
		EventType:  AuditLogoutAll,
		IdentityID: identityID,
		Success:    true,
		Metadata: map[string]string{
			"sessions_removed": strconv.Itoa(len(removed)),
			"tokens_revoked":   strconv.Itoa(revoked),
		},
	})
	return nil
}

// notifyLockout sends a best-effort lockout alert. Never blocks the pipeline.
func (e *Engine) notifyLockout(ident *Identity) {
	if e.email == nil {
		return
	}
	go func(email, id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		data := map[string]string{"email": email, "identity_id": id}
		if err := e.email.SendEmail(ctx, "account_locked", data); err != nil {
			log.Printf("authgate: lockout alert delivery failed: %v", err)
		}
	}(ident.Email, ident.ID)
}

// notifyReuse sends a best-effort token-reuse alert.
func (e *Engine) notifyReuse(rec *refreshRecord) {
	if e.email == nil || rec == nil {
		return
	}
	go func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		data := map[string]string{"identity_id": id}
		if err := e.email.SendEmail(ctx, "token_reuse_detected", data); err != nil {
			log.Printf("authgate: reuse alert delivery failed: %v", err)
		}
	}(rec.IdentityID)
}
