package flows

import (
	"context"
	"errors"
	"strings"
)

// LoginUserRecord is the flow-local view of an account.
type LoginUserRecord struct {
	UserID       string
	Email        string
	PasswordHash string
	Role         string
}

// LoginDeps captures credential-check dependencies.
type LoginDeps struct {
	FindUser       func(ctx context.Context, email string) (*LoginUserRecord, error)
	UserNotFound   error
	VerifyPassword func(password, encodedHash string) (bool, error)
	// DummyHash is verified when the account does not exist so both failure
	// paths cost one password hash.
	DummyHash          string
	InvalidCredentials error
}

// RunLogin returns the account for valid credentials. Missing accounts and
// wrong passwords both yield deps.InvalidCredentials. Other errors (store
// outages) are returned as-is.
func RunLogin(ctx context.Context, email, password string, deps LoginDeps) (*LoginUserRecord, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := deps.FindUser(ctx, email)
	if err != nil {
		if errors.Is(err, deps.UserNotFound) {
			if deps.DummyHash != "" {
				_, _ = deps.VerifyPassword(password, deps.DummyHash)
			}
			return nil, deps.InvalidCredentials
		}
		return nil, err
	}

	ok, err := deps.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, deps.InvalidCredentials
	}
	return user, nil
}
