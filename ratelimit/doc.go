// Package ratelimit enforces named sliding-window request budgets and
// temporary bans on top of the keyed counter store.
//
// # Window semantics
//
// Each hit adds a unique member scored with the request time to a sorted set,
// trims members older than the window and counts what is left. Denied hits
// are recorded too, so a client that keeps hammering stays limited until it
// backs off for a full window. On Redis the step runs as one Lua script.
//
// Keys:
//   - {prefix}:{rule}:{subject}  window set per rule and subject
//   - {ban prefix}:{identifier}  JSON ban record, TTL = ban length
//
// # What this package must NOT do
//
//   - Decide who the caller is beyond the configured resolvers.
//   - Keep counters in process memory.
package ratelimit
