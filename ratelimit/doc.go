// Package ratelimit implements a distributed sliding-window rate limiter.
//
// Each (scope, identity) pair owns one sorted set in the shared store whose
// members are request timestamps. A single Lua script prunes entries older than
// the window, counts the remainder, and records the new request only when the
// count is below the quota, so concurrent requests on any number of server
// instances never both observe the same free slot.
//
// The limiter fails open: a store error or timeout admits the request and
// reports Decision.FailedOpen.
package ratelimit
