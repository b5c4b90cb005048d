// Package otel binds sessionguard metrics to OpenTelemetry observable
// instruments.
//
// [NewExporter] registers one Int64ObservableCounter per counter and one
// Int64ObservableGauge per histogram bucket, all fed by a single callback
// that reads a snapshot per collection cycle. Callers own the MeterProvider.
package otel
