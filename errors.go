package taskgate

import "errors"

var (
	// ErrStoreUnavailable reports a failed or timed-out store call. Rotation,
	// issue and revoke return it instead of guessing; callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrQuotaExceeded is returned by Admit callers that want an error value
	// for a rejected request.
	ErrQuotaExceeded = errors.New("quota exceeded")

	ErrTokenMalformed = errors.New("malformed refresh token")
	ErrTokenNotFound  = errors.New("refresh token not found")
	ErrTokenExpired   = errors.New("refresh token expired")
	// ErrTokenReused means a revoked token was presented, or a concurrent
	// rotation of the same token won. The whole family has been revoked.
	ErrTokenReused = errors.New("refresh token reuse detected")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicateAccount   = errors.New("account already exists")
	ErrValidation         = errors.New("invalid request")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrGateNotReady       = errors.New("gate not initialized")
)
