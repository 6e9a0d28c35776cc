package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// IdentityKind records which caller attribute produced an Identity.
type IdentityKind uint8

const (
	IdentityAnonymous IdentityKind = iota
	IdentityAddress
	IdentityAPIKey
	IdentitySubject
)

func (k IdentityKind) String() string {
	switch k {
	case IdentitySubject:
		return "subject"
	case IdentityAPIKey:
		return "api_key"
	case IdentityAddress:
		return "address"
	default:
		return "anonymous"
	}
}

// Identity is a hashed caller identifier. The raw value it was derived from is
// not retained, so an Identity is safe to log and to embed in store keys.
type Identity struct {
	Kind IdentityKind
	Hash string
}

// ResolveIdentity picks the strongest available attribute: authenticated
// subject, then API key, then network address.
func ResolveIdentity(subject, apiKey, remoteAddr string) Identity {
	if s := strings.TrimSpace(subject); s != "" {
		return newIdentity(IdentitySubject, s)
	}
	if k := strings.TrimSpace(apiKey); k != "" {
		return newIdentity(IdentityAPIKey, k)
	}
	if a := hostOnly(remoteAddr); a != "" {
		return newIdentity(IdentityAddress, a)
	}
	return newIdentity(IdentityAnonymous, "")
}

func newIdentity(kind IdentityKind, raw string) Identity {
	return Identity{Kind: kind, Hash: hashHex(kind.String() + ":" + raw)}
}

// String is the loggable form, kind plus a short hash prefix.
func (i Identity) String() string {
	h := i.Hash
	if len(h) > 12 {
		h = h[:12]
	}
	return i.Kind.String() + ":" + h
}

func hostOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
