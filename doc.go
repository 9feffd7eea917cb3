// Package authgate is an embeddable authentication and session security
// core. It runs the credential verification pipeline, adaptive rate
// limiting, multi-factor challenges, guest and authenticated sessions, and
// the access/refresh token lifecycle on top of a pluggable key-value store.
//
// The engine owns no user data. Durable identity storage, password hashing,
// and out-of-band delivery are collaborators injected at construction:
// [IdentityProvider], [PasswordVerifier], [SMSSender], [EmailSender], and
// [AuditSink]. Everything the engine itself persists (sessions, challenges,
// refresh token records, rate counters, cache entries) lives in a
// [kv.Store] and expires on its own TTL.
//
// Expected rejections of the login pipeline are values, not errors: see
// [Outcome]. An error from [Engine.Authenticate] always means the
// infrastructure failed, never that the credentials were wrong.
//
// Construction is explicit:
//
//	engine, err := authgate.New().
//		WithRedis(client).
//		WithIdentityProvider(provider).
//		WithPasswordVerifier(verifier).
//		WithSigningKeys(priv, pub).
//		Build()
//
// # What this package must NOT do
//
//   - Serve HTTP. The embedding application owns transport, cookies, and
//     header handling.
//   - Create or delete identities. Only failure bookkeeping is written back
//     through the provider.
//   - Persist plaintext secrets. Refresh tokens, one-time codes, and backup
//     codes are stored as hashes only.
package authgate
