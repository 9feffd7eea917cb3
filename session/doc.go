// Package session manages guest and authenticated session records in the
// key-value backing store. A guest session carries no identity and exists to
// anchor CSRF protection before login; on successful authentication it is
// replaced by an authenticated session and deleted, so the two never coexist
// for the same client.
//
// Sessions are JSON-encoded. Expiry is enforced twice: by the store TTL and
// by a lazy check of ExpiresAt on every read, so a stale record can never be
// returned past its lifetime.
package session
