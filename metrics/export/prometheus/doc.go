// Package prometheus renders gate counters and the rotation latency histogram
// in Prometheus text exposition format. Counter names are taskgate_*_total.
// Callers mount Handler; nothing is registered globally.
package prometheus
