// Package kv wraps the shared Redis connection used by the rate limiter and the
// refresh-token store. It owns connection lifecycle, per-call deadlines and the
// atomic sliding-window script.
package kv
