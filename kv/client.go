package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps every transport, timeout, or script failure returned by
// the store. Callers decide whether that fails open or closed.
var ErrUnavailable = errors.New("kv store unavailable")

// ErrNoTTL is returned by TTL when the key is missing or has no expiry.
var ErrNoTTL = errors.New("kv key has no ttl")

// DefaultOpTimeout bounds a single store round trip when Config.OpTimeout is zero.
const DefaultOpTimeout = 2 * time.Second

// Config describes how to reach the shared store.
type Config struct {
	Addrs     []string
	Username  string
	Password  string
	DB        int
	PoolSize  int
	OpTimeout time.Duration
}

// Client is the process-wide handle to the shared store. It is safe for
// concurrent use and is opened once at startup and closed on shutdown.
type Client struct {
	rdb       redis.UniversalClient
	opTimeout time.Duration
	owned     bool
}

// Open dials the configured store and verifies it with a PING.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("kv: at least one address is required")
	}
	for _, addr := range cfg.Addrs {
		if strings.TrimSpace(addr) == "" {
			return nil, errors.New("kv: empty address")
		}
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	c := NewClient(rdb, cfg.OpTimeout)
	c.owned = true

	if err := c.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an existing connection. The caller keeps ownership of rdb;
// Close on the returned Client is a no-op.
func NewClient(rdb redis.UniversalClient, opTimeout time.Duration) *Client {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &Client{rdb: rdb, opTimeout: opTimeout}
}

// Redis exposes the underlying connection for stores that run their own scripts.
func (c *Client) Redis() redis.UniversalClient {
	return c.rdb
}

// OpTimeout reports the per-call deadline applied by this client.
func (c *Client) OpTimeout() time.Duration {
	return c.opTimeout
}

// WithTimeout derives a context bounded by the client's per-call deadline.
func (c *Client) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

// Ping checks connectivity within the per-call deadline.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.WithTimeout(ctx)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the connection pool when the client owns it.
func (c *Client) Close() error {
	if c == nil || !c.owned {
		return nil
	}
	return c.rdb.Close()
}

// WindowResult is the outcome of one sliding-window evaluation.
type WindowResult struct {
	Allowed bool
	// Count is the number of entries in the window after this call.
	Count int64
}

const slidingWindowScript = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[2])
local count = redis.call("ZCARD", KEYS[1])
local limit = tonumber(ARGV[3])
if count < limit then
  redis.call("ZADD", KEYS[1], ARGV[1], ARGV[5])
  redis.call("PEXPIRE", KEYS[1], ARGV[4])
  return {1, count + 1}
end
return {0, count}
`

var slidingWindowLua = redis.NewScript(slidingWindowScript)

// SlidingWindowCheck prunes entries older than windowStart, counts the rest and
// records a new entry at now only when the count is below limit. The key expiry
// is refreshed to ttl on every admitted entry.
//
// Performance: 1 Lua EVALSHA (EVAL on first use).
func (c *Client) SlidingWindowCheck(
	ctx context.Context,
	key string,
	now time.Time,
	windowStart time.Time,
	limit int64,
	ttl time.Duration,
) (WindowResult, error) {
	if limit <= 0 {
		return WindowResult{}, errors.New("kv: window limit must be positive")
	}
	ttlMs := ttl.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = 1
	}

	ctx, cancel := c.WithTimeout(ctx)
	defer cancel()

	raw, err := slidingWindowLua.Run(
		ctx,
		c.rdb,
		[]string{key},
		now.UnixMilli(),
		windowStart.UnixMilli(),
		limit,
		ttlMs,
		uuid.NewString(),
	).Result()
	if err != nil {
		return WindowResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := raw.([]interface{})
	if !ok || len(parts) != 2 {
		return WindowResult{}, fmt.Errorf("%w: invalid window script response", ErrUnavailable)
	}
	allowed, ok1 := parts[0].(int64)
	count, ok2 := parts[1].(int64)
	if !ok1 || !ok2 {
		return WindowResult{}, fmt.Errorf("%w: invalid window script values", ErrUnavailable)
	}

	return WindowResult{Allowed: allowed == 1, Count: count}, nil
}

// TTL returns the remaining lifetime of key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := c.WithTimeout(ctx)
	defer cancel()

	ttl, err := c.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl < 0 {
		return 0, ErrNoTTL
	}
	return ttl, nil
}
