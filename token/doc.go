// Package token defines the refresh-token lineage model and the persistence port
// the rotation service consumes.
//
// # Model
//
// [RefreshToken] is a value. Every state change ([RefreshToken.Revoke],
// [RefreshToken.Rotate], [RefreshToken.Touch]) returns a new value and leaves
// the receiver untouched, so two handlers holding the same token never observe
// each other's in-flight edits. Persisting the result is the caller's job.
//
// A family is a strict linked list: each token has at most one child, the
// family id never changes along the lineage, and at most one member is valid
// at any instant.
//
// # Architecture boundaries
//
// This package owns the model, the [Store] port, and the secret helpers
// ([NewValue], [Hasher]). Concrete stores live in sub-packages (memstore,
// gormstore) and never leak into the rotation service.
//
// # What this package must NOT do
//
//   - Perform I/O.
//   - Store or log raw refresh-token values; only [Hasher] output is persisted.
package token
