// Package kv defines the keyed counter store that the rate limiter, the
// anomaly detector and the ban records share, plus its Redis adapter.
//
// # Primitives
//
// Only single-key atomic operations are assumed: GET/SET with TTL, INCR,
// EXPIRE and the sorted-set family used for sliding windows. Components that
// need a multi-step update atomically may type-assert to [WindowCounter], which
// [RedisStore] implements with a Lua script.
//
// # What this package must NOT do
//
//   - Interpret keys or values; prefixes and encodings belong to callers.
//   - Retry failed commands.
package kv
