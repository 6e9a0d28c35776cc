// Package taskgate is the access-control core of the task service: a
// Redis-backed sliding-window rate limiter that fails open, and a
// refresh-token rotation engine with family reuse detection that fails closed.
//
// The package is designed for concurrent server workloads: Gate methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// taskgate is the public surface. It exposes [Gate], [Builder], [Config] and
// value types (Pair, Decision, MetricsSnapshot). Flow orchestration lives under
// internal/flows; storage lives in kv, tokens and users.
//
// # Failure posture
//
// Admission never blocks traffic because the shared store is down; a failed
// check admits and is counted. Rotation never issues a token without a
// confirmed store write; a failed store call is [ErrStoreUnavailable].
package taskgate
