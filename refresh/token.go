package refresh

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

const (
	secretSize = 32
	// EncodedLen is the length of an encoded refresh token.
	EncodedLen = 43
)

// ErrMalformed is returned for strings that cannot be refresh tokens.
var ErrMalformed = errors.New("malformed refresh token")

// Token is a freshly minted refresh token. Raw goes to the client, Hash to the store.
type Token struct {
	Raw  string
	Hash string
}

// Generate mints a new random token.
func Generate() (Token, error) {
	var secret [secretSize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return Token{}, err
	}
	raw := base64.RawURLEncoding.EncodeToString(secret[:])
	return Token{Raw: raw, Hash: Hash(raw)}, nil
}

// Hash returns the hex SHA-256 of an encoded token.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Validate checks the shape of a presented token before it reaches a store.
func Validate(raw string) error {
	if len(raw) != EncodedLen {
		return ErrMalformed
	}
	decoded, err := base64.RawURLEncoding.Strict().DecodeString(raw)
	if err != nil || len(decoded) != secretSize {
		return ErrMalformed
	}
	return nil
}
