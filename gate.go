package taskgate

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/MrEthical07/taskgate/internal/flows"
	"github.com/MrEthical07/taskgate/internal/logging"
	"github.com/MrEthical07/taskgate/jwt"
	"github.com/MrEthical07/taskgate/kv"
	"github.com/MrEthical07/taskgate/password"
	"github.com/MrEthical07/taskgate/ratelimit"
	"github.com/MrEthical07/taskgate/refresh"
	"github.com/MrEthical07/taskgate/tokens"
	"github.com/MrEthical07/taskgate/users"
)

var errLoginUserMissing = errors.New("login user missing")

// UserStore is the account persistence the Gate needs. users.Repository
// satisfies it.
type UserStore interface {
	Create(ctx context.Context, u *users.User) error
	FindByEmail(ctx context.Context, email string) (*users.User, error)
	FindByID(ctx context.Context, id string) (*users.User, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Pair is an access/refresh token pair handed to a client.
type Pair struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime.
	ExpiresIn        time.Duration
	RefreshExpiresAt time.Time
	FamilyID         string
}

// Account is the public view of a user row.
type Account struct {
	ID        string
	Email     string
	Role      string
	CreatedAt time.Time
}

// Claims are the verified contents of an access token.
type Claims struct {
	Subject   string
	Role      string
	ExpiresAt time.Time
}

// Gate is the admission and token authority. Build it with [Builder].
type Gate struct {
	config     Config
	kv         *kv.Client
	limiter    *ratelimit.Limiter
	tokenStore tokens.Store
	users      UserStore
	hasher     *password.Hasher
	jwt        *jwt.Manager
	flows      flows.Deps
	log        logging.Logger
	now        func() time.Time
	metrics    *Metrics
	audit      *auditDispatcher
}

// Config returns a copy of the configuration the Gate was built with.
func (g *Gate) Config() Config {
	return cloneConfig(g.config)
}

/*
====================================
ADMISSION
====================================
*/

// Admit applies the policy for endpoint class to id. It never returns an
// error: a store failure admits the request with Decision.FailedOpen set.
func (g *Gate) Admit(ctx context.Context, class string, id ratelimit.Identity) ratelimit.Decision {
	d := g.limiter.Admit(ctx, id, g.config.PolicyFor(class))

	switch {
	case d.FailedOpen:
		g.metrics.Inc(MetricAdmitFailedOpen)
	case d.Allowed:
		g.metrics.Inc(MetricAdmitAllowed)
	default:
		g.metrics.Inc(MetricAdmitRejected)
		g.emit(ctx, AuditEvent{
			EventType: EventRateLimitTriggered,
			Metadata: map[string]string{
				"class":    class,
				"identity": id.String(),
			},
		})
	}
	return d
}

/*
====================================
REFRESH TOKENS
====================================
*/

// Issue starts a new token family for subject.
func (g *Gate) Issue(ctx context.Context, subject string) (Pair, error) {
	if strings.TrimSpace(subject) == "" {
		return Pair{}, fmt.Errorf("%w: empty subject", ErrValidation)
	}
	return g.issue(ctx, subject, g.flows.Refresh)
}

func (g *Gate) issue(ctx context.Context, subject string, deps flows.RefreshDeps) (Pair, error) {
	res := flows.RunIssue(ctx, subject, g.clientContext(ctx), deps)
	if res.Err != nil {
		g.metrics.Inc(MetricIssueFailure)
		return Pair{}, g.storeOrInternal(ctx, "issue refresh token", res.Err)
	}
	g.metrics.Inc(MetricIssueSuccess)
	return g.pair(res.Pair), nil
}

// Rotate exchanges a refresh token for a new pair. After a success the
// presented token is unusable; after ErrTokenReused its whole family is.
//
// Errors: ErrTokenMalformed, ErrTokenNotFound, ErrTokenExpired,
// ErrTokenReused (the family has been revoked), ErrStoreUnavailable.
func (g *Gate) Rotate(ctx context.Context, raw string) (Pair, error) {
	start := time.Now()
	defer func() { g.metrics.Observe(MetricRotateLatency, time.Since(start)) }()

	client := g.clientContext(ctx)
	res := flows.RunRotate(ctx, raw, client, g.flows.Refresh)

	switch res.Outcome {
	case flows.RotateOK:
		g.metrics.Inc(MetricRotateSuccess)
		g.emit(ctx, AuditEvent{
			EventType: EventRefreshSuccess,
			UserID:    res.Presented.Subject,
			FamilyID:  res.Presented.FamilyID,
			IP:        client.IP,
			Success:   true,
		})
		return g.pair(res.Pair), nil

	case flows.RotateMalformed:
		g.metrics.Inc(MetricRotateMalformed)
		g.log.Warn(ctx, "refresh token malformed", "ip", client.IP)
		g.refreshInvalid(ctx, res, client)
		return Pair{}, ErrTokenMalformed

	case flows.RotateNotFound:
		g.metrics.Inc(MetricRotateNotFound)
		g.log.Warn(ctx, "refresh token not found", "ip", client.IP)
		g.refreshInvalid(ctx, res, client)
		return Pair{}, ErrTokenNotFound

	case flows.RotateExpired:
		g.metrics.Inc(MetricRotateExpired)
		g.log.Warn(ctx, "refresh token expired",
			"subject", res.Presented.Subject,
			"family_id", res.Presented.FamilyID,
			"ip", client.IP,
		)
		g.refreshInvalid(ctx, res, client)
		return Pair{}, ErrTokenExpired

	case flows.RotateReused:
		g.onReuse(ctx, res, client)
		return Pair{}, ErrTokenReused

	case flows.RotateStoreFailure:
		g.metrics.Inc(MetricRotateStoreFailure)
		return Pair{}, g.storeOrInternal(ctx, "rotate refresh token", res.Err)

	default:
		g.metrics.Inc(MetricIssueFailure)
		if errors.Is(res.Err, users.ErrNotFound) {
			g.log.Warn(ctx, "refresh for deleted account", "subject", res.Presented.Subject)
			return Pair{}, ErrUnauthorized
		}
		return Pair{}, g.storeOrInternal(ctx, "issue access token", res.Err)
	}
}

func (g *Gate) onReuse(ctx context.Context, res flows.RotateResult, client flows.ClientContext) {
	g.metrics.Inc(MetricRotateReuseDetected)
	if res.LostRace {
		g.metrics.Inc(MetricRotateRaceLost)
	}
	g.metrics.Add(MetricFamilyTokensRevoked, res.FamilyRevoked)

	t := res.Presented
	g.log.Error(ctx, "refresh token reuse detected",
		"subject", t.Subject,
		"family_id", t.FamilyID,
		"token_id", t.ID,
		"ip", client.IP,
		"user_agent", client.UserAgent,
		"issued_ip", t.ClientIP,
		"lost_race", res.LostRace,
		"revoked", res.FamilyRevoked,
	)
	meta := map[string]string{"lost_race": fmt.Sprint(res.LostRace)}
	if res.ContainmentErr != nil {
		g.metrics.Inc(MetricContainmentFailure)
		g.log.Error(ctx, "refresh family revocation failed",
			"family_id", t.FamilyID,
			"error", res.ContainmentErr,
		)
		meta["containment_error"] = res.ContainmentErr.Error()
	}
	g.emit(ctx, AuditEvent{
		EventType: EventRefreshReuse,
		UserID:    t.Subject,
		FamilyID:  t.FamilyID,
		IP:        client.IP,
		Metadata:  meta,
	})
}

func (g *Gate) refreshInvalid(ctx context.Context, res flows.RotateResult, client flows.ClientContext) {
	ev := AuditEvent{
		EventType: EventRefreshInvalid,
		IP:        client.IP,
		Metadata:  map[string]string{"reason": res.Outcome.String()},
	}
	if res.Presented != nil {
		ev.UserID = res.Presented.Subject
		ev.FamilyID = res.Presented.FamilyID
	}
	g.emit(ctx, ev)
}

// Revoke invalidates the presented refresh token only. Unknown and already
// revoked tokens succeed; malformed tokens are ErrTokenMalformed.
func (g *Gate) Revoke(ctx context.Context, raw string) error {
	res := flows.RunRevoke(ctx, raw, g.flows.Refresh)
	if res.Err != nil {
		if errors.Is(res.Err, refresh.ErrMalformed) {
			return ErrTokenMalformed
		}
		return g.storeOrInternal(ctx, "revoke refresh token", res.Err)
	}
	if res.Revoked {
		g.metrics.Inc(MetricLogout)
		g.emit(ctx, AuditEvent{
			EventType: EventLogout,
			UserID:    res.Token.Subject,
			FamilyID:  res.Token.FamilyID,
			IP:        clientIPFromContext(ctx),
			Success:   true,
		})
	}
	return nil
}

// NewSweeper returns a sweeper over the Gate's token store that logs through
// the Gate and counts removed rows.
func (g *Gate) NewSweeper() *tokens.Sweeper {
	return tokens.NewSweeper(g.tokenStore, g.config.Tokens.SweepInterval,
		tokens.WithSweepClock(g.now),
		tokens.WithSweepLogger(g.log.With("component", "sweeper")),
		tokens.WithSweepHook(func(n int64) { g.metrics.Add(MetricTokensSwept, n) }),
	)
}

/*
====================================
ACCOUNTS
====================================
*/

// Register creates an account. It does not log the caller in.
func (g *Gate) Register(ctx context.Context, email, pw string) (Account, error) {
	if g.users == nil {
		return Account{}, ErrGateNotReady
	}
	email = users.NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || len(email) > 320 {
		return Account{}, fmt.Errorf("%w: invalid email", ErrValidation)
	}
	if len(pw) < g.hasher.MinBytes() {
		return Account{}, fmt.Errorf("%w: password must be at least %d bytes", ErrValidation, g.hasher.MinBytes())
	}

	hash, err := g.hasher.Hash(pw)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}
	u := &users.User{Email: email, PasswordHash: hash, Role: users.RoleMember}
	if err := g.users.Create(ctx, u); err != nil {
		if errors.Is(err, users.ErrDuplicateEmail) {
			g.metrics.Inc(MetricRegisterDuplicate)
			return Account{}, ErrDuplicateAccount
		}
		return Account{}, g.storeOrInternal(ctx, "create account", fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}

	g.metrics.Inc(MetricRegisterSuccess)
	g.emit(ctx, AuditEvent{EventType: EventRegister, UserID: u.ID, IP: clientIPFromContext(ctx), Success: true})
	return toAccount(u), nil
}

// Login checks credentials and starts a new token family. Unknown accounts
// and wrong passwords both return ErrInvalidCredentials after one hash.
func (g *Gate) Login(ctx context.Context, email, pw string) (Pair, error) {
	if g.users == nil {
		return Pair{}, ErrGateNotReady
	}

	rec, err := flows.RunLogin(ctx, email, pw, g.flows.Login)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			g.metrics.Inc(MetricLoginFailure)
			g.log.Warn(ctx, "login failed", "ip", clientIPFromContext(ctx))
			g.emit(ctx, AuditEvent{EventType: EventLoginFailure, IP: clientIPFromContext(ctx)})
			return Pair{}, ErrInvalidCredentials
		}
		return Pair{}, g.storeOrInternal(ctx, "login lookup", fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}

	deps := g.flows.Refresh
	deps.IssueAccess = func(_ context.Context, subject string) (string, error) {
		return g.jwt.CreateAccess(subject, rec.Role)
	}
	pair, err := g.issue(ctx, rec.UserID, deps)
	if err != nil {
		return Pair{}, err
	}

	g.metrics.Inc(MetricLoginSuccess)
	g.emit(ctx, AuditEvent{EventType: EventLoginSuccess, UserID: rec.UserID, FamilyID: pair.FamilyID, IP: clientIPFromContext(ctx), Success: true})
	return pair, nil
}

// Account returns the account for id.
func (g *Gate) Account(ctx context.Context, id string) (Account, error) {
	if g.users == nil {
		return Account{}, ErrGateNotReady
	}
	u, err := g.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return Account{}, ErrUnauthorized
		}
		return Account{}, g.storeOrInternal(ctx, "account lookup", fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	return toAccount(u), nil
}

// ValidateAccess verifies an access token. It makes no store round trip.
func (g *Gate) ValidateAccess(token string) (Claims, error) {
	c, err := g.jwt.ParseAccess(token)
	if err != nil {
		return Claims{}, ErrUnauthorized
	}
	out := Claims{Subject: c.Subject, Role: c.Role}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

/*
====================================
LIFECYCLE
====================================
*/

// Ping checks the shared store, the token store and the user store.
func (g *Gate) Ping(ctx context.Context) error {
	var errs []error
	if err := g.kv.Ping(ctx); err != nil {
		errs = append(errs, err)
	}
	if p, ok := g.tokenStore.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p, ok := g.users.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (g *Gate) MetricsSnapshot() MetricsSnapshot {
	return g.metrics.Snapshot()
}

// AuditDropped reports events dropped because the audit queue was full.
func (g *Gate) AuditDropped() uint64 {
	return g.audit.Dropped()
}

// Close flushes the audit queue. Store connections belong to the caller.
func (g *Gate) Close() {
	g.audit.Close()
}

/*
====================================
HELPERS
====================================
*/

func (g *Gate) issueAccess(ctx context.Context, subject string) (string, error) {
	role := ""
	if g.users != nil {
		u, err := g.users.FindByID(ctx, subject)
		if err != nil {
			if errors.Is(err, users.ErrNotFound) {
				return "", err
			}
			return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		role = u.Role
	}
	return g.jwt.CreateAccess(subject, role)
}

func (g *Gate) findLoginUser(ctx context.Context, email string) (*flows.LoginUserRecord, error) {
	u, err := g.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, errLoginUserMissing
		}
		return nil, err
	}
	return &flows.LoginUserRecord{
		UserID:       u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         u.Role,
	}, nil
}

func (g *Gate) clientContext(ctx context.Context) flows.ClientContext {
	return flows.ClientContext{IP: clientIPFromContext(ctx), UserAgent: userAgentFromContext(ctx)}
}

func (g *Gate) pair(p flows.Pair) Pair {
	return Pair{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		ExpiresIn:        g.jwt.AccessTTL(),
		RefreshExpiresAt: p.RefreshExpiresAt,
		FamilyID:         p.FamilyID,
	}
}

// storeOrInternal maps store failures to ErrStoreUnavailable and logs them.
// Anything else is returned wrapped with op.
func (g *Gate) storeOrInternal(ctx context.Context, op string, err error) error {
	if errors.Is(err, tokens.ErrUnavailable) || errors.Is(err, kv.ErrUnavailable) || errors.Is(err, ErrStoreUnavailable) {
		g.log.Error(ctx, "store unavailable", "op", op, "error", err)
		g.emit(ctx, AuditEvent{EventType: EventStoreUnavailable, Error: op, IP: clientIPFromContext(ctx)})
		if errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	g.log.Error(ctx, "operation failed", "op", op, "error", err)
	return fmt.Errorf("%s: %w", op, err)
}

func (g *Gate) emit(ctx context.Context, ev AuditEvent) {
	if g.audit == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = g.now().UTC()
	}
	g.audit.Emit(ctx, ev)
}

func toAccount(u *users.User) Account {
	return Account{ID: u.ID, Email: u.Email, Role: u.Role, CreatedAt: u.CreatedAt}
}
