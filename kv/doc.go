// Package kv defines the key-value backing store consumed by the cache layer,
// the rate limiter, the MFA challenge manager, the session store, and the
// refresh token store. The interface is deliberately narrow: get, set-with-TTL,
// incr, expire, del, plus an atomic read-modify-write used wherever a record
// must be mutated by exactly one concurrent caller.
//
// Two implementations ship with the module: [Redis] for production and
// [Memory] for tests and single-process embedding. The backing store is the
// sole source of truth for challenge and token records; callers must not keep
// an authoritative in-process copy.
//
// # What this package must NOT do
//
//   - Encode domain records (callers own their serialization).
//   - Be imported outside the authgate module.
package kv
