// Package rotation issues access/refresh token pairs and rotates refresh
// tokens with family-based reuse detection.
//
// Every login opens a family. Each refresh revokes the presented token as
// rotated and links a successor into the same family, so at most one member
// is valid at a time. Presenting a revoked member is treated as theft: the
// whole family is revoked as family_compromised and the caller gets
// [ErrTokenReplay]. Two concurrent presentations of the same value resolve to
// one winner; the loser observes the token revoked and the family is revoked
// with it.
//
// # Architecture boundaries
//
// The service depends on ports only: [token.Store] for lineages, [Issuer] for
// access tokens, [SignalTracker] for anomaly signals and [audit.Logger] for
// the audit trail. Stores implementing [token.Rotator] get single-transaction
// rotations; other stores go through conditional revoke, create, link.
//
// # What this package must NOT do
//
//   - Keep per-user state in process memory.
//   - Retry store writes.
//   - Let signal or audit failures change a security decision.
package rotation
