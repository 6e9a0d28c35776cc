// Package otel binds gate counters and the rotation latency histogram to an
// OpenTelemetry Meter.
//
// [NewOTelExporter] registers one Int64ObservableCounter per counter and one
// Int64ObservableGauge per cumulative histogram bucket. A single callback
// reads the gate's MetricsSnapshot on each collection cycle. The caller owns
// the MeterProvider.
package otel
