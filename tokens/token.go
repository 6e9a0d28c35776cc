package tokens

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no row matches the presented hash.
	ErrNotFound = errors.New("refresh token not found")
	// ErrDuplicateHash is returned when a token hash is already stored.
	ErrDuplicateHash = errors.New("refresh token hash already exists")
	// ErrUnavailable wraps every backend failure.
	ErrUnavailable = errors.New("refresh token store unavailable")
)

// Token is one persisted refresh token. Only the hash of the client-held value
// is stored.
type Token struct {
	ID             string
	Hash           string
	Subject        string
	FamilyID       string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	Revoked        bool
	RevokedAt      time.Time
	ReplacedByHash string
	ClientIP       string
	UserAgent      string
}

// Usable reports whether the token may still be rotated at now.
func (t *Token) Usable(now time.Time) bool {
	return t != nil && !t.Revoked && now.Before(t.ExpiresAt)
}

// Expired reports whether now is at or past the expiry.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Store persists refresh tokens. Every mutation that depends on the current
// revoked flag is a single conditional operation in the backend; callers never
// read-modify-write.
type Store interface {
	FindByHash(ctx context.Context, hash string) (*Token, error)
	Insert(ctx context.Context, t *Token) error
	// ConditionalRevoke revokes id only if it is still unrevoked and reports
	// the number of rows changed (0 or 1).
	ConditionalRevoke(ctx context.Context, id, replacedByHash string, at time.Time) (int64, error)
	// RevokeAllInFamily revokes every unrevoked row of the family. Already
	// revoked rows keep their original revocation time.
	RevokeAllInFamily(ctx context.Context, familyID string, at time.Time) (int64, error)
	// Rotate conditionally revokes presentedID, pointing it at successor.Hash,
	// and inserts successor as one atomic unit. It returns false with no
	// changes when presentedID was already revoked.
	Rotate(ctx context.Context, presentedID string, successor *Token, at time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
}
