// Package metrics holds the lock-free counters every sessionguard component
// increments: token lifecycle outcomes, anomaly decisions, rate-limit denials
// and middleware rejections, plus two latency histograms.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally. Exporters live under metrics/export.
package metrics
