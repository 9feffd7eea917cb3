// Package jwt wraps github.com/golang-jwt/jwt/v5 with the narrow surface the
// authentication core needs: short-lived signed access tokens carrying an
// identity ID and session ID, verified with a pinned algorithm, optional
// issuer/audience claims, and bounded clock leeway.
//
// Refresh tokens are NOT JWTs: they are opaque random values backed by store
// records (see the root package's token lifecycle manager).
package jwt
