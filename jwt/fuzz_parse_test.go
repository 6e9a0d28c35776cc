package jwt

import (
	"testing"
	"time"
)

// FuzzParseAccess feeds arbitrary strings to the parser. Invalid input must be
// rejected with an error, never a panic.
func FuzzParseAccess(f *testing.F) {
	mgr, err := NewManager(Config{
		AccessTTL:    5 * time.Minute,
		PrivateKey:   []byte("fuzz-secret-fuzz-secret-fuzz-secret!"),
		Issuer:       "fuzz-test",
		Leeway:       30 * time.Second,
		MaxFutureIAT: 10 * time.Minute,
	})
	if err != nil {
		f.Fatal(err)
	}

	if valid, err := mgr.CreateAccess("user-1", "member"); err == nil {
		f.Add(valid)
	}
	f.Add("")
	f.Add("a.b.c")
	f.Add("eyJhbGciOiJub25lIn0.eyJzdWIiOiJ4In0.")

	f.Fuzz(func(t *testing.T, input string) {
		claims, err := mgr.ParseAccess(input)
		if err != nil {
			return
		}
		if claims.Subject == "" {
			t.Fatal("parsed token without subject")
		}
	})
}
