// Package middleware exposes the HTTP admission pipeline and access-token
// guards.
//
// # Security pipeline
//
// [Security.Handler] runs a fixed sequence per request: security headers and
// CSP nonce, client IP extraction behind trusted proxies, ban and block gate,
// optional rate limit, request integrity, device fingerprint comparison,
// anti-automation scoring and CSRF double-submit verification. After the
// wrapped handler returns, 401 responses are audited and reported to the
// anomaly detector as unauthorized and 403 responses as access_denied.
//
// # Guards
//
//   - [Guard] verifies a bearer access token in the given [Mode].
//   - [RequireJWTOnly] verifies the signature and claims only.
//   - [RequireStrict] additionally rejects tokens whose refresh family was
//     revoked, blocked users and users with a pending challenge.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into calls on the ban, block, rate
// limit and signal ports. Decisions about who is banned or blocked are made
// elsewhere.
//
// # What this package must NOT do
//
//   - Issue or rotate tokens.
//   - Access Redis directly.
//   - Log request bodies or token values.
package middleware
