package tokens

import (
	"context"
	"time"

	"github.com/MrEthical07/taskgate/internal/logging"
)

// Expirer is the slice of Store the sweeper needs.
type Expirer interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper periodically deletes rows past expiry. It is housekeeping only;
// expired tokens are already rejected at rotation time.
type Sweeper struct {
	store    Expirer
	interval time.Duration
	now      func() time.Time
	log      logging.Logger
	onSweep  func(deleted int64)
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepClock sets the clock that decides which tokens have expired.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// WithSweepLogger sets the logger for failed passes.
func WithSweepLogger(log logging.Logger) SweeperOption {
	return func(s *Sweeper) { s.log = log }
}

// WithSweepHook is called after every successful pass.
func WithSweepHook(fn func(deleted int64)) SweeperOption {
	return func(s *Sweeper) { s.onSweep = fn }
}

// NewSweeper returns a Sweeper that deletes expired tokens from store every
// interval. A non-positive interval means ten minutes.
func NewSweeper(store Expirer, interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	s := &Sweeper{
		store:    store,
		interval: interval,
		now:      time.Now,
		log:      logging.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepOnce runs a single pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		s.log.Warn(ctx, "refresh token sweep failed", "error", err, "deleted", n)
		return n, err
	}
	if n > 0 {
		s.log.Info(ctx, "refresh token sweep", "deleted", n)
	}
	if s.onSweep != nil {
		s.onSweep(n)
	}
	return n, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = s.SweepOnce(ctx)
		}
	}
}
