// Package middleware adapts a taskgate.Gate to gin.
//
// [RateLimit] runs the sliding-window admission check for one endpoint class
// and answers 429 with a retryAfter hint. [RequireAuth] verifies the bearer
// access token without a store round trip.
//
// Handlers never see the caller's raw identity; only its hash reaches the
// limiter keys.
package middleware
