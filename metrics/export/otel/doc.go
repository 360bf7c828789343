// Package otel publishes vpnauth engine metrics as OpenTelemetry observable instruments.
//
// [NewExporter] registers one Int64ObservableCounter per engine counter, a cumulative
// bucket gauge per latency histogram (one point per "le" attribute) plus its _count gauge,
// and the breaker-open gauge carrying the breaker state as an attribute. A single callback
// reads the engine snapshot on each collection. The caller owns the MeterProvider.
package otel
