// Package prometheus renders vpnauth engine metrics in the Prometheus text exposition
// format. Counters are named vpnauth_*_total; latency histograms are
// vpnauth_*_latency_seconds. Nothing is registered globally; callers mount [Exporter.Handler].
package prometheus
