package ratelimit

import (
	"errors"
	"strings"
	"time"
)

// Policy is the quota applied to one endpoint class.
type Policy struct {
	// Points is the number of requests admitted per window.
	Points int
	// Duration is the sliding window length.
	Duration time.Duration
	// BlockDuration is how long a key persists after its last admitted
	// request. Zero means Duration.
	BlockDuration time.Duration
	// ScopeKey names the quota pool. Endpoints with equal scope keys share it.
	ScopeKey string
}

func (p Policy) Validate() error {
	if p.Points <= 0 {
		return errors.New("ratelimit: points must be > 0")
	}
	if p.Duration < time.Second {
		return errors.New("ratelimit: duration must be >= 1s")
	}
	if p.BlockDuration < 0 {
		return errors.New("ratelimit: block duration must be >= 0")
	}
	if strings.TrimSpace(p.ScopeKey) == "" {
		return errors.New("ratelimit: scope key must not be empty")
	}
	return nil
}

// EffectiveBlockDuration returns BlockDuration, defaulting to Duration.
func (p Policy) EffectiveBlockDuration() time.Duration {
	if p.BlockDuration <= 0 {
		return p.Duration
	}
	return p.BlockDuration
}

// Key builds the store key for an identity under this policy. Both fragments
// are hashes so the keyspace never carries raw identifiers.
func (p Policy) Key(prefix string, id Identity) string {
	scope := hashHex("scope:" + p.ScopeKey)[:16]
	return prefix + scope + ":" + id.Hash
}
