package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/taskgate/refresh"
	"github.com/MrEthical07/taskgate/tokens"
)

// RotateOutcome classifies a rotation attempt for root-level mapping.
type RotateOutcome int

const (
	RotateOK RotateOutcome = iota
	RotateMalformed
	RotateNotFound
	RotateExpired
	RotateReused
	RotateStoreFailure
	RotateIssueFailure
)

func (o RotateOutcome) String() string {
	switch o {
	case RotateOK:
		return "ok"
	case RotateMalformed:
		return "malformed"
	case RotateNotFound:
		return "not_found"
	case RotateExpired:
		return "expired"
	case RotateReused:
		return "reused"
	case RotateStoreFailure:
		return "store_failure"
	case RotateIssueFailure:
		return "issue_failure"
	default:
		return "unknown"
	}
}

// ClientContext is the forensic context recorded on issued tokens.
type ClientContext struct {
	IP        string
	UserAgent string
}

// RefreshStore is the token persistence used by issue, rotate and revoke.
type RefreshStore interface {
	FindByHash(ctx context.Context, hash string) (*tokens.Token, error)
	Insert(ctx context.Context, t *tokens.Token) error
	ConditionalRevoke(ctx context.Context, id, replacedByHash string, at time.Time) (int64, error)
	RevokeAllInFamily(ctx context.Context, familyID string, at time.Time) (int64, error)
	Rotate(ctx context.Context, presentedID string, successor *tokens.Token, at time.Time) (bool, error)
}

// RefreshDeps captures issue/rotate/revoke dependencies.
type RefreshDeps struct {
	Now         func() time.Time
	Lifetime    time.Duration
	NewToken    func() (refresh.Token, error)
	NewID       func() string
	IssueAccess func(ctx context.Context, subject string) (string, error)
	Store       RefreshStore
}

// Pair is a freshly issued access/refresh token pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
	FamilyID         string
	TokenID          string
}

// RotateResult carries either the new pair or failure metadata. Presented is
// set whenever the presented token was found.
type RotateResult struct {
	Outcome   RotateOutcome
	Err       error
	Presented *tokens.Token
	Pair      Pair
	// LostRace marks a reuse detected because a concurrent rotation of the
	// same token committed first.
	LostRace bool
	// FamilyRevoked counts rows revoked by reuse containment.
	FamilyRevoked int64
	// ContainmentErr is set when reuse was detected but revoking the family failed.
	ContainmentErr error
}

// IssueResult carries a new family's first pair.
type IssueResult struct {
	Pair Pair
	Err  error
}

func newSuccessor(subject, familyID string, now time.Time, client ClientContext, deps RefreshDeps) (*tokens.Token, refresh.Token, error) {
	tok, err := deps.NewToken()
	if err != nil {
		return nil, refresh.Token{}, err
	}
	return &tokens.Token{
		ID:        deps.NewID(),
		Hash:      tok.Hash,
		Subject:   subject,
		FamilyID:  familyID,
		IssuedAt:  now,
		ExpiresAt: now.Add(deps.Lifetime),
		ClientIP:  client.IP,
		UserAgent: client.UserAgent,
	}, tok, nil
}

// RunIssue starts a new token family for subject.
func RunIssue(ctx context.Context, subject string, client ClientContext, deps RefreshDeps) IssueResult {
	now := deps.Now()

	access, err := deps.IssueAccess(ctx, subject)
	if err != nil {
		return IssueResult{Err: err}
	}

	row, tok, err := newSuccessor(subject, deps.NewID(), now, client, deps)
	if err != nil {
		return IssueResult{Err: err}
	}
	if err := deps.Store.Insert(ctx, row); err != nil {
		return IssueResult{Err: err}
	}

	return IssueResult{Pair: Pair{
		AccessToken:      access,
		RefreshToken:     tok.Raw,
		RefreshExpiresAt: row.ExpiresAt,
		FamilyID:         row.FamilyID,
		TokenID:          row.ID,
	}}
}

// RunRotate exchanges a presented refresh token for a new pair.
//
// The presented row is revoked and its successor inserted by a single
// conditional store operation. A revoked row, or losing that operation to a
// concurrent rotation, is treated as reuse and revokes the whole family.
func RunRotate(ctx context.Context, raw string, client ClientContext, deps RefreshDeps) RotateResult {
	if err := refresh.Validate(raw); err != nil {
		return RotateResult{Outcome: RotateMalformed, Err: err}
	}

	presented, err := deps.Store.FindByHash(ctx, refresh.Hash(raw))
	if err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return RotateResult{Outcome: RotateNotFound, Err: err}
		}
		return RotateResult{Outcome: RotateStoreFailure, Err: err}
	}

	now := deps.Now()
	if presented.Expired(now) {
		return RotateResult{Outcome: RotateExpired, Presented: presented}
	}
	if presented.Revoked {
		return containReuse(ctx, presented, now, false, deps)
	}

	access, err := deps.IssueAccess(ctx, presented.Subject)
	if err != nil {
		return RotateResult{Outcome: RotateIssueFailure, Err: err, Presented: presented}
	}

	successor, tok, err := newSuccessor(presented.Subject, presented.FamilyID, now, client, deps)
	if err != nil {
		return RotateResult{Outcome: RotateIssueFailure, Err: err, Presented: presented}
	}

	rotated, err := deps.Store.Rotate(ctx, presented.ID, successor, now)
	if err != nil {
		return RotateResult{Outcome: RotateStoreFailure, Err: err, Presented: presented}
	}
	if !rotated {
		return containReuse(ctx, presented, now, true, deps)
	}

	return RotateResult{
		Outcome:   RotateOK,
		Presented: presented,
		Pair: Pair{
			AccessToken:      access,
			RefreshToken:     tok.Raw,
			RefreshExpiresAt: successor.ExpiresAt,
			FamilyID:         successor.FamilyID,
			TokenID:          successor.ID,
		},
	}
}

func containReuse(ctx context.Context, presented *tokens.Token, now time.Time, lostRace bool, deps RefreshDeps) RotateResult {
	n, err := deps.Store.RevokeAllInFamily(ctx, presented.FamilyID, now)
	return RotateResult{
		Outcome:        RotateReused,
		Presented:      presented,
		LostRace:       lostRace,
		FamilyRevoked:  n,
		ContainmentErr: err,
	}
}
