// Package jwt signs and verifies the short-lived access tokens the rotation
// service hands out next to each refresh token.
//
// [Manager] implements the rotation.Issuer port: GenerateToken signs an
// arbitrary claim map with a per-call TTL. Ed25519 is the default algorithm;
// HS256 is available for single-service deployments. Verification pins the
// algorithm, and optionally issuer, audience and key id.
package jwt
