package flows

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/taskgate/refresh"
	"github.com/MrEthical07/taskgate/tokens"
)

type memStore struct {
	mu        sync.Mutex
	byHash    map[string]*tokens.Token
	findErr   error
	rotateErr error
	famErr    error
	// rotateHook runs before Rotate takes the lock, to stage races.
	rotateHook func()
}

func newMemStore() *memStore {
	return &memStore{byHash: make(map[string]*tokens.Token)}
}

func (m *memStore) FindByHash(_ context.Context, hash string) (*tokens.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	t, ok := m.byHash[hash]
	if !ok {
		return nil, tokens.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) Insert(_ context.Context, t *tokens.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHash[t.Hash]; ok {
		return tokens.ErrDuplicateHash
	}
	cp := *t
	m.byHash[t.Hash] = &cp
	return nil
}

func (m *memStore) byID(id string) *tokens.Token {
	for _, t := range m.byHash {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (m *memStore) ConditionalRevoke(_ context.Context, id, replacedBy string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.byID(id)
	if t == nil || t.Revoked {
		return 0, nil
	}
	t.Revoked, t.RevokedAt = true, at
	if replacedBy != "" {
		t.ReplacedByHash = replacedBy
	}
	return 1, nil
}

func (m *memStore) RevokeAllInFamily(_ context.Context, fam string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.famErr != nil {
		return 0, m.famErr
	}
	var n int64
	for _, t := range m.byHash {
		if t.FamilyID == fam && !t.Revoked {
			t.Revoked, t.RevokedAt = true, at
			n++
		}
	}
	return n, nil
}

func (m *memStore) Rotate(_ context.Context, id string, next *tokens.Token, at time.Time) (bool, error) {
	if m.rotateHook != nil {
		m.rotateHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rotateErr != nil {
		return false, m.rotateErr
	}
	t := m.byID(id)
	if t == nil || t.Revoked {
		return false, nil
	}
	t.Revoked, t.RevokedAt, t.ReplacedByHash = true, at, next.Hash
	cp := *next
	m.byHash[next.Hash] = &cp
	return true, nil
}

func testDeps(store RefreshStore, now *time.Time) RefreshDeps {
	var seq int
	var mu sync.Mutex
	return RefreshDeps{
		Now:      func() time.Time { return *now },
		Lifetime: 7 * 24 * time.Hour,
		NewToken: refresh.Generate,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return "id-" + strconv.Itoa(seq)
		},
		IssueAccess: func(_ context.Context, subject string) (string, error) {
			return "access-for-" + subject, nil
		},
		Store: store,
	}
}

func TestRotateHappyPath(t *testing.T) {
	store := newMemStore()
	now := time.Unix(1_700_000_000, 0)
	deps := testDeps(store, &now)
	ctx := context.Background()

	issued := RunIssue(ctx, "user-1", ClientContext{IP: "10.0.0.1"}, deps)
	if issued.Err != nil {
		t.Fatalf("issue: %v", issued.Err)
	}

	res := RunRotate(ctx, issued.Pair.RefreshToken, ClientContext{IP: "10.0.0.2"}, deps)
	if res.Outcome != RotateOK {
		t.Fatalf("outcome = %v err=%v", res.Outcome, res.Err)
	}
	if res.Pair.RefreshToken == issued.Pair.RefreshToken {
		t.Fatal("rotation must mint a new refresh token")
	}
	if res.Pair.FamilyID != issued.Pair.FamilyID {
		t.Fatal("successor must stay in the same family")
	}
	if res.Pair.AccessToken != "access-for-user-1" {
		t.Fatalf("unexpected access token %q", res.Pair.AccessToken)
	}

	old, _ := store.FindByHash(ctx, refresh.Hash(issued.Pair.RefreshToken))
	if !old.Revoked || old.ReplacedByHash != refresh.Hash(res.Pair.RefreshToken) {
		t.Fatalf("presented row not revoked and linked: %+v", old)
	}
}

func TestRotateOutcomes(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	t.Run("malformed", func(t *testing.T) {
		res := RunRotate(ctx, "not-a-token", ClientContext{}, testDeps(newMemStore(), &now))
		if res.Outcome != RotateMalformed {
			t.Fatalf("outcome = %v", res.Outcome)
		}
	})

	t.Run("not found", func(t *testing.T) {
		tok, _ := refresh.Generate()
		res := RunRotate(ctx, tok.Raw, ClientContext{}, testDeps(newMemStore(), &now))
		if res.Outcome != RotateNotFound {
			t.Fatalf("outcome = %v", res.Outcome)
		}
	})

	t.Run("expired", func(t *testing.T) {
		store := newMemStore()
		issueAt := now
		deps := testDeps(store, &issueAt)
		issued := RunIssue(ctx, "u", ClientContext{}, deps)

		later := now.Add(8 * 24 * time.Hour)
		res := RunRotate(ctx, issued.Pair.RefreshToken, ClientContext{}, testDeps(store, &later))
		if res.Outcome != RotateExpired {
			t.Fatalf("outcome = %v", res.Outcome)
		}
	})

	t.Run("expiry boundary is exclusive", func(t *testing.T) {
		store := newMemStore()
		issueAt := now
		issued := RunIssue(ctx, "u", ClientContext{}, testDeps(store, &issueAt))

		atExpiry := issued.Pair.RefreshExpiresAt
		res := RunRotate(ctx, issued.Pair.RefreshToken, ClientContext{}, testDeps(store, &atExpiry))
		if res.Outcome != RotateExpired {
			t.Fatalf("token must be expired at expiresAt, got %v", res.Outcome)
		}
	})

	t.Run("store failure on lookup", func(t *testing.T) {
		store := newMemStore()
		store.findErr = tokens.ErrUnavailable
		tok, _ := refresh.Generate()
		res := RunRotate(ctx, tok.Raw, ClientContext{}, testDeps(store, &now))
		if res.Outcome != RotateStoreFailure || !errors.Is(res.Err, tokens.ErrUnavailable) {
			t.Fatalf("outcome = %v err=%v", res.Outcome, res.Err)
		}
	})

	t.Run("store failure on rotate", func(t *testing.T) {
		store := newMemStore()
		deps := testDeps(store, &now)
		issued := RunIssue(ctx, "u", ClientContext{}, deps)
		store.rotateErr = tokens.ErrUnavailable

		res := RunRotate(ctx, issued.Pair.RefreshToken, ClientContext{}, deps)
		if res.Outcome != RotateStoreFailure {
			t.Fatalf("outcome = %v", res.Outcome)
		}
	})

	t.Run("access issue failure does not consume token", func(t *testing.T) {
		store := newMemStore()
		deps := testDeps(store, &now)
		issued := RunIssue(ctx, "u", ClientContext{}, deps)
		deps.IssueAccess = func(context.Context, string) (string, error) { return "", errors.New("signer down") }

		res := RunRotate(ctx, issued.Pair.RefreshToken, ClientContext{}, deps)
		if res.Outcome != RotateIssueFailure {
			t.Fatalf("outcome = %v", res.Outcome)
		}
		row, _ := store.FindByHash(ctx, refresh.Hash(issued.Pair.RefreshToken))
		if row.Revoked {
			t.Fatal("token must stay usable when no successor was issued")
		}
	})
}

func TestRotateReuseRevokesFamily(t *testing.T) {
	store := newMemStore()
	now := time.Unix(1_700_000_000, 0)
	deps := testDeps(store, &now)
	ctx := context.Background()

	t0 := RunIssue(ctx, "user-1", ClientContext{}, deps).Pair
	t1 := RunRotate(ctx, t0.RefreshToken, ClientContext{}, deps)
	if t1.Outcome != RotateOK {
		t.Fatalf("first rotation: %v", t1.Outcome)
	}

	replay := RunRotate(ctx, t0.RefreshToken, ClientContext{}, deps)
	if replay.Outcome != RotateReused || replay.LostRace {
		t.Fatalf("replay outcome = %v lostRace=%v", replay.Outcome, replay.LostRace)
	}
	if replay.FamilyRevoked != 1 {
		t.Fatalf("expected the head to be revoked, got %d", replay.FamilyRevoked)
	}

	next := RunRotate(ctx, t1.Pair.RefreshToken, ClientContext{}, deps)
	if next.Outcome != RotateReused {
		t.Fatalf("descendant must be dead after reuse, got %v", next.Outcome)
	}
}

func TestRotateLoserOfRaceIsReuse(t *testing.T) {
	store := newMemStore()
	now := time.Unix(1_700_000_000, 0)
	deps := testDeps(store, &now)
	ctx := context.Background()

	t0 := RunIssue(ctx, "user-1", ClientContext{}, deps).Pair

	// Both calls read the row as unrevoked before either rotates.
	var arrived sync.WaitGroup
	arrived.Add(2)
	store.rotateHook = func() {
		arrived.Done()
		arrived.Wait()
	}

	results := make([]RotateResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = RunRotate(ctx, t0.RefreshToken, ClientContext{}, deps)
		}(i)
	}
	wg.Wait()

	var ok, reused int
	for _, r := range results {
		switch r.Outcome {
		case RotateOK:
			ok++
		case RotateReused:
			reused++
			if !r.LostRace {
				t.Fatal("loser must be flagged as having lost the race")
			}
		default:
			t.Fatalf("unexpected outcome %v", r.Outcome)
		}
	}
	if ok != 1 || reused != 1 {
		t.Fatalf("ok=%d reused=%d", ok, reused)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, row := range store.byHash {
		if !row.Revoked {
			t.Fatalf("row %s still live after race", row.ID)
		}
	}
}

func TestRotateReportsContainmentFailure(t *testing.T) {
	store := newMemStore()
	now := time.Unix(1_700_000_000, 0)
	deps := testDeps(store, &now)
	ctx := context.Background()

	t0 := RunIssue(ctx, "u", ClientContext{}, deps).Pair
	RunRotate(ctx, t0.RefreshToken, ClientContext{}, deps)
	store.famErr = tokens.ErrUnavailable

	res := RunRotate(ctx, t0.RefreshToken, ClientContext{}, deps)
	if res.Outcome != RotateReused || !errors.Is(res.ContainmentErr, tokens.ErrUnavailable) {
		t.Fatalf("outcome=%v containment=%v", res.Outcome, res.ContainmentErr)
	}
}

func TestRevokeIsSingleRowAndIdempotent(t *testing.T) {
	store := newMemStore()
	now := time.Unix(1_700_000_000, 0)
	deps := testDeps(store, &now)
	ctx := context.Background()

	a := RunIssue(ctx, "u", ClientContext{}, deps).Pair
	b := RunRotate(ctx, a.RefreshToken, ClientContext{}, deps).Pair

	res := RunRevoke(ctx, b.RefreshToken, deps)
	if res.Err != nil || !res.Revoked {
		t.Fatalf("revoke: %+v", res)
	}
	again := RunRevoke(ctx, b.RefreshToken, deps)
	if again.Err != nil || again.Revoked {
		t.Fatalf("second revoke must be a no-op: %+v", again)
	}

	unknown, _ := refresh.Generate()
	if res := RunRevoke(ctx, unknown.Raw, deps); res.Err != nil || res.Revoked {
		t.Fatalf("unknown token: %+v", res)
	}
	if res := RunRevoke(ctx, "garbage", deps); !errors.Is(res.Err, refresh.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", res.Err)
	}
}
