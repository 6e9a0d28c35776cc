package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newEdKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return pub, priv
}

func TestCreateAndParseHS256(t *testing.T) {
	m, err := NewManager(Config{AccessTTL: time.Minute, PrivateKey: testSecret, Issuer: "taskgate"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	tok, err := m.CreateAccess("user-1", "admin")
	if err != nil {
		t.Fatalf("create access: %v", err)
	}
	claims, err := m.ParseAccess(tok)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.Subject != "user-1" || claims.Role != "admin" || claims.ID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ExpiresAt == nil || claims.ExpiresAt.Sub(claims.IssuedAt.Time) != time.Minute {
		t.Fatalf("unexpected expiry: %+v", claims.RegisteredClaims)
	}
}

func TestNewManagerRejectsShortHMACKey(t *testing.T) {
	if _, err := NewManager(Config{AccessTTL: time.Minute, PrivateKey: []byte("short")}); err == nil {
		t.Fatal("expected short key to be rejected")
	}
}

func TestParseAccessRejectsWrongAlgorithm(t *testing.T) {
	pub, _ := newEdKeys(t)
	m, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	claims := AccessClaims{RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "u",
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	token, err := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := m.ParseAccess(token); err == nil {
		t.Fatal("expected wrong algorithm to be rejected")
	}
}

func TestVerifyOnlyManagerCannotSign(t *testing.T) {
	pub, _ := newEdKeys(t)
	m, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.CreateAccess("u", ""); err == nil {
		t.Fatal("expected verify-only manager to refuse signing")
	}
}

func TestParseAccessIssuerAudienceAndLeeway(t *testing.T) {
	_, priv := newEdKeys(t)
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		Issuer:        "taskgate",
		Audience:      "api",
		Leeway:        30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	access, err := m.CreateAccess("u", "member")
	if err != nil {
		t.Fatalf("create access: %v", err)
	}
	if _, err := m.ParseAccess(access); err != nil {
		t.Fatalf("expected valid token to parse: %v", err)
	}

	sign := func(c AccessClaims) string {
		s, _ := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, c).SignedString(priv)
		return s
	}
	base := func(iss, aud string, exp time.Duration) AccessClaims {
		return AccessClaims{RegisteredClaims: gjwt.RegisteredClaims{
			Subject:   "u",
			Issuer:    iss,
			Audience:  gjwt.ClaimStrings{aud},
			ExpiresAt: gjwt.NewNumericDate(time.Now().Add(exp)),
			IssuedAt:  gjwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}
	}

	if _, err := m.ParseAccess(sign(base("other", "api", time.Minute))); err == nil {
		t.Fatal("expected wrong issuer to fail")
	}
	if _, err := m.ParseAccess(sign(base("taskgate", "other-api", time.Minute))); err == nil {
		t.Fatal("expected wrong audience to fail")
	}
	if _, err := m.ParseAccess(sign(base("taskgate", "api", -15*time.Second))); err != nil {
		t.Fatalf("expected token within leeway to pass: %v", err)
	}
	if _, err := m.ParseAccess(sign(base("taskgate", "api", -2*time.Minute))); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestParseAccessRequiresSubjectAndExpiry(t *testing.T) {
	m, err := NewManager(Config{AccessTTL: time.Minute, PrivateKey: testSecret})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	noSub, _ := gjwt.NewWithClaims(gjwt.SigningMethodHS256, AccessClaims{RegisteredClaims: gjwt.RegisteredClaims{
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}).SignedString(testSecret)
	if _, err := m.ParseAccess(noSub); err == nil {
		t.Fatal("expected missing subject to fail")
	}

	noExp, _ := gjwt.NewWithClaims(gjwt.SigningMethodHS256, AccessClaims{RegisteredClaims: gjwt.RegisteredClaims{
		Subject: "u",
	}}).SignedString(testSecret)
	if _, err := m.ParseAccess(noExp); err == nil {
		t.Fatal("expected missing exp to fail")
	}
}
