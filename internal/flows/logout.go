package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/taskgate/refresh"
	"github.com/MrEthical07/taskgate/tokens"
)

// RevokeResult reports what a logout changed.
type RevokeResult struct {
	// Revoked is true when this call flipped the row.
	Revoked bool
	Token   *tokens.Token
	Err     error
}

// RunRevoke revokes the single presented token and leaves its family alone.
// Unknown or already revoked tokens are not an error.
func RunRevoke(ctx context.Context, raw string, deps RefreshDeps) RevokeResult {
	if err := refresh.Validate(raw); err != nil {
		return RevokeResult{Err: err}
	}

	t, err := deps.Store.FindByHash(ctx, refresh.Hash(raw))
	if err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return RevokeResult{}
		}
		return RevokeResult{Err: err}
	}

	n, err := deps.Store.ConditionalRevoke(ctx, t.ID, "", deps.Now())
	if err != nil {
		return RevokeResult{Token: t, Err: err}
	}
	return RevokeResult{Revoked: n == 1, Token: t}
}
