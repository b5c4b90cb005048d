// Package sessionguard wires the session-security subsystem of the CRM:
// refresh-token rotation with family reuse detection, sliding-window anomaly
// detection, rate limiting with temporary bans, and the request admission
// pipeline that ties them together.
//
// A [Guard] is built once at start-up through [Builder] from an explicit
// [Config]. Its methods are safe for concurrent use.
//
// # Architecture boundaries
//
// The components live in their own packages (rotation, anomaly, ratelimit,
// middleware) and depend only on ports (token.Store, kv.Store, audit.Logger,
// anomaly.Notifier). This package is the composition root: it picks the
// adapters named in Config (go-redis, GORM, InfluxDB, MQTT), constructs each
// component once, and connects the signal flow from rotation and middleware
// into the anomaly detector.
//
// # What this package must NOT do
//
//   - Hold process-wide state. Two Guards built from two Configs never share
//     counters, stores or loggers.
//   - Re-implement component behaviour. Guard methods delegate.
//   - Open connections outside Build.
package sessionguard
