package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB   uint32 = 8 * 1024
	minSaltLength uint32 = 16
	minKeyLength  uint32 = 16
	algorithmID          = "argon2id"
)

var (
	// ErrTooShort is returned by Hash for passwords under Config.MinBytes.
	ErrTooShort = errors.New("password too short")
	// ErrInvalidHash is returned by Verify for anything that is not a
	// well-formed argon2id PHC string.
	ErrInvalidHash = errors.New("invalid password hash")
)

// Config holds Argon2id cost parameters.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	// MinBytes is the shortest accepted plaintext, in bytes.
	MinBytes int
}

// DefaultConfig returns parameters suitable for an interactive login path.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
		MinBytes:    8,
	}
}

// Validate rejects parameters below the supported floor.
func (c Config) Validate() error {
	switch {
	case c.Memory < minMemoryKB:
		return fmt.Errorf("password memory must be >= %d KB", minMemoryKB)
	case c.Time < 1:
		return errors.New("password time must be >= 1")
	case c.Parallelism < 1:
		return errors.New("password parallelism must be >= 1")
	case c.SaltLength < minSaltLength:
		return fmt.Errorf("password salt length must be >= %d", minSaltLength)
	case c.KeyLength < minKeyLength:
		return fmt.Errorf("password key length must be >= %d", minKeyLength)
	case c.MinBytes < 1:
		return errors.New("password minimum length must be >= 1")
	}
	return nil
}

// Hasher hashes and verifies passwords. It is safe for concurrent use.
type Hasher struct {
	config Config
	dummy  string
}

// NewHasher validates cfg and precomputes a dummy hash used to equalize
// the cost of failed logins for unknown accounts.
func NewHasher(cfg Config) (*Hasher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Hasher{config: cfg}

	filler := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, filler); err != nil {
		return nil, err
	}
	dummy, err := h.encode(filler)
	if err != nil {
		return nil, err
	}
	h.dummy = dummy
	return h, nil
}

// MinBytes reports the configured minimum plaintext length.
func (h *Hasher) MinBytes() int { return h.config.MinBytes }

// DummyHash returns a valid hash that no user password matches.
func (h *Hasher) DummyHash() string { return h.dummy }

// Hash returns the PHC encoding of password. Bytes are hashed as given,
// without Unicode normalization.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) < h.config.MinBytes {
		return "", ErrTooShort
	}
	return h.encode([]byte(password))
}

func (h *Hasher) encode(password []byte) (string, error) {
	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	sum := argon2.IDKey(password, salt, h.config.Time, h.config.Memory, h.config.Parallelism, h.config.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID, argon2.Version,
		h.config.Memory, h.config.Time, h.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// Verify reports whether password matches encoded. Parameters are read from
// the hash, so hashes made under older settings keep verifying.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	p, err := decode(encoded)
	if err != nil {
		return false, err
	}
	sum := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.sum)))
	return subtle.ConstantTimeCompare(sum, p.sum) == 1, nil
}

// NeedsRehash reports whether encoded was produced with weaker parameters
// than the current configuration.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	p, err := decode(encoded)
	if err != nil {
		return false, err
	}
	return p.memory < h.config.Memory ||
		p.time < h.config.Time ||
		p.parallelism < h.config.Parallelism ||
		uint32(len(p.sum)) != h.config.KeyLength, nil
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	sum         []byte
}

func decode(encoded string) (*phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, ErrInvalidHash
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, ErrInvalidHash
	}

	p := &phc{}
	if err := p.parseParams(parts[3]); err != nil {
		return nil, err
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || uint32(len(p.salt)) < minSaltLength {
		return nil, ErrInvalidHash
	}
	if p.sum, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || uint32(len(p.sum)) < minKeyLength {
		return nil, ErrInvalidHash
	}
	return p, nil
}

func (p *phc) parseParams(s string) error {
	fields := strings.Split(s, ",")
	if len(fields) != 3 {
		return ErrInvalidHash
	}
	seen := 0
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return ErrInvalidHash
		}
		switch k {
		case "m":
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil || uint32(n) < minMemoryKB {
				return ErrInvalidHash
			}
			p.memory = uint32(n)
		case "t":
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil || n < 1 {
				return ErrInvalidHash
			}
			p.time = uint32(n)
		case "p":
			n, err := strconv.ParseUint(v, 10, 8)
			if err != nil || n < 1 {
				return ErrInvalidHash
			}
			p.parallelism = uint8(n)
		default:
			return ErrInvalidHash
		}
		seen++
	}
	if seen != 3 || p.memory == 0 || p.time == 0 || p.parallelism == 0 {
		return ErrInvalidHash
	}
	return nil
}
