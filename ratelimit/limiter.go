package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/taskgate/internal/logging"
	"github.com/MrEthical07/taskgate/kv"
	"golang.org/x/time/rate"
)

// DefaultKeyPrefix namespaces limiter keys in the shared store.
const DefaultKeyPrefix = "rl:"

// WindowStore is the slice of the shared store the limiter needs.
type WindowStore interface {
	SlidingWindowCheck(ctx context.Context, key string, now, windowStart time.Time, limit int64, ttl time.Duration) (kv.WindowResult, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Decision is the result of one admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is set on rejection only.
	RetryAfter time.Duration
	// Remaining is the number of requests left in the window after this one.
	Remaining int
	// FailedOpen marks a request admitted because the store could not answer.
	FailedOpen bool
	// Err holds the store error behind a fail-open admission.
	Err error
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below 1 for a
// rejected request.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source used for window arithmetic. A nil func is
// ignored.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger for fail-open events. A nil logger is ignored.
func WithLogger(log logging.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

// WithKeyPrefix replaces DefaultKeyPrefix on every store key.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) {
		l.prefix = prefix
	}
}

// WithFailOpenLogRate caps how many fail-open error lines are written per
// second during a store outage.
func WithFailOpenLogRate(perSecond float64, burst int) Option {
	return func(l *Limiter) {
		l.failLog = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// Limiter is a distributed sliding-window rate limiter. All state lives in
// the shared store; the limiter itself is safe for concurrent use.
//
// Failure policy: when the store errors or times out the request is admitted.
// Availability of the API is preferred over strict quota enforcement during
// an infrastructure outage.
type Limiter struct {
	store   WindowStore
	prefix  string
	now     func() time.Time
	log     logging.Logger
	failLog *rate.Limiter
}

// New returns a Limiter over store. Without options it uses the wall clock,
// DefaultKeyPrefix and a no-op logger.
func New(store WindowStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		prefix:  DefaultKeyPrefix,
		now:     time.Now,
		log:     logging.Nop{},
		failLog: rate.NewLimiter(rate.Limit(1), 5),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit decides whether id may make one more request under p.
//
// Performance: 1 Lua EVALSHA when admitted, plus 1 PTTL when rejected.
func (l *Limiter) Admit(ctx context.Context, id Identity, p Policy) Decision {
	if err := p.Validate(); err != nil {
		return l.failOpen(ctx, id, p, err)
	}
	if l.store == nil {
		return l.failOpen(ctx, id, p, errors.New("ratelimit: no window store"))
	}

	now := l.now()
	key := p.Key(l.prefix, id)
	block := p.EffectiveBlockDuration()

	res, err := l.store.SlidingWindowCheck(ctx, key, now, now.Add(-p.Duration), int64(p.Points), block)
	if err != nil {
		return l.failOpen(ctx, id, p, err)
	}

	if res.Allowed {
		remaining := p.Points - int(res.Count)
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Allowed: true, Remaining: remaining}
	}

	retry := block
	if ttl, err := l.store.TTL(ctx, key); err == nil && ttl > 0 {
		retry = ttl
	}

	l.log.Debug(ctx, "rate limit exceeded",
		"scope", p.ScopeKey,
		"identity", id.String(),
		"count", res.Count,
		"retry_after", retry,
	)

	return Decision{Allowed: false, RetryAfter: retry}
}

func (l *Limiter) failOpen(ctx context.Context, id Identity, p Policy, err error) Decision {
	if l.failLog.Allow() {
		l.log.Error(ctx, "rate limiter failing open",
			"scope", p.ScopeKey,
			"identity", id.String(),
			"error", err,
		)
	}
	return Decision{Allowed: true, FailedOpen: true, Err: err}
}
