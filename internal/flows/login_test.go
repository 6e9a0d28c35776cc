package flows

import (
	"context"
	"errors"
	"testing"
)

var (
	errNoUser   = errors.New("no user")
	errBadCreds = errors.New("bad creds")
)

func loginDeps(users map[string]*LoginUserRecord, verified *[]string) LoginDeps {
	return LoginDeps{
		FindUser: func(_ context.Context, email string) (*LoginUserRecord, error) {
			u, ok := users[email]
			if !ok {
				return nil, errNoUser
			}
			return u, nil
		},
		UserNotFound: errNoUser,
		VerifyPassword: func(password, hash string) (bool, error) {
			*verified = append(*verified, hash)
			return hash == "hash:"+password, nil
		},
		DummyHash:          "dummy",
		InvalidCredentials: errBadCreds,
	}
}

func TestRunLogin(t *testing.T) {
	users := map[string]*LoginUserRecord{
		"alice@example.com": {UserID: "u1", Email: "alice@example.com", PasswordHash: "hash:secret"},
	}
	var verified []string
	deps := loginDeps(users, &verified)
	ctx := context.Background()

	u, err := RunLogin(ctx, "  Alice@Example.com ", "secret", deps)
	if err != nil || u.UserID != "u1" {
		t.Fatalf("valid login: u=%+v err=%v", u, err)
	}

	_, wrongPw := RunLogin(ctx, "alice@example.com", "nope", deps)
	_, noUser := RunLogin(ctx, "bob@example.com", "secret", deps)
	if !errors.Is(wrongPw, errBadCreds) || !errors.Is(noUser, errBadCreds) {
		t.Fatalf("failures must be indistinguishable: %v / %v", wrongPw, noUser)
	}
	if verified[len(verified)-1] != "dummy" {
		t.Fatal("missing account must still verify against the dummy hash")
	}
}

func TestRunLoginPassesThroughStoreErrors(t *testing.T) {
	boom := errors.New("db down")
	deps := LoginDeps{
		FindUser:           func(context.Context, string) (*LoginUserRecord, error) { return nil, boom },
		UserNotFound:       errNoUser,
		VerifyPassword:     func(string, string) (bool, error) { return false, nil },
		InvalidCredentials: errBadCreds,
	}
	if _, err := RunLogin(context.Background(), "a@b.c", "x", deps); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}
