// Package prometheus renders sessionguard metrics in Prometheus text
// exposition format.
//
// Counter names are prefixed sessionguard_*_total; latency histograms end in
// _seconds. The exporter owns no registry: callers mount [Exporter.Handler].
package prometheus
