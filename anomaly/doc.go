// Package anomaly scores recent security events against named heuristics and
// turns detections into blocks, challenges and alerts.
//
// # Storage
//
// Each tracked [Event] is written, JSON encoded and scored by unix
// milliseconds, to up to three sorted sets in the [kv.Store]: one per user,
// one per IP address and one per user-agent digest. Every write trims members
// older than the window and refreshes the key expiry, so the store holds at
// most one window of history per key.
//
// # Evaluation
//
// Patterns see the merged, de-duplicated, time-ordered events of the keys
// touched by the current event, capped to the most recent
// Config.MaxEventsPerWindow. A pattern that errors or panics is recorded and
// skipped; the others still run.
//
// # What this package must NOT do
//
//   - Decide HTTP responses. Callers query [Detector.IsBlocked] and
//     [Detector.RequiresChallenge] and map the answer themselves.
//   - Keep state in process memory; every decision is readable by any replica.
package anomaly
