// Package audit records security decisions: token family compromise,
// anomaly detections, blocks, challenges, bans and denied requests.
//
// # Components
//
//   - [Event] is the record; [Severity] grades it.
//   - [Sink] consumes events (channel, JSON lines, fan-out, or the
//     influxsink sub-package for time-series storage).
//   - [Dispatcher] relays events to a sink asynchronously, optionally
//     dropping when its buffer is full.
//   - [Recorder] implements the [Logger] port the core components call.
//
// # Architecture boundaries
//
// Components decide which events to emit; this package only timestamps,
// buffers and delivers them.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Block the request path when DropIfFull is set.
package audit
