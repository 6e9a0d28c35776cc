//go:build integration

package taskgate_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/taskgate"
	"github.com/MrEthical07/taskgate/ratelimit"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// redisMode is one backend the compatibility suite runs against. miniredis
// always runs; REDIS_ADDR and REDIS_SENTINEL_ADDRS add real servers.
type redisMode struct {
	name  string
	setup func(t *testing.T) redis.UniversalClient
}

func redisModes() []redisMode {
	modes := []redisMode{{
		name: "miniredis",
		setup: func(t *testing.T) redis.UniversalClient {
			t.Helper()
			mr, err := miniredis.Run()
			if err != nil {
				t.Fatalf("miniredis: %v", err)
			}
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close(); mr.Close() })
			return rdb
		},
	}}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		modes = append(modes, redisMode{
			name: "standalone:" + addr,
			setup: func(t *testing.T) redis.UniversalClient {
				t.Helper()
				return dialOrSkip(t, redis.NewClient(&redis.Options{Addr: addr}))
			},
		})
	}

	if addrs := os.Getenv("REDIS_SENTINEL_ADDRS"); addrs != "" {
		master := os.Getenv("REDIS_SENTINEL_MASTER")
		if master == "" {
			master = "mymaster"
		}
		modes = append(modes, redisMode{
			name: "sentinel",
			setup: func(t *testing.T) redis.UniversalClient {
				t.Helper()
				return dialOrSkip(t, redis.NewFailoverClient(&redis.FailoverOptions{
					MasterName:    master,
					SentinelAddrs: splitAddrs(addrs),
				}))
			},
		})
	}
	return modes
}

func dialOrSkip(t *testing.T, rdb *redis.Client) redis.UniversalClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("cannot connect to Redis: %v", err)
	}
	rdb.FlushDB(context.Background())
	t.Cleanup(func() { rdb.FlushDB(context.Background()); _ = rdb.Close() })
	return rdb
}

func splitAddrs(s string) []string {
	var addrs []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

func compatGate(t *testing.T, rdb redis.UniversalClient) *taskgate.Gate {
	t.Helper()
	cfg := taskgate.DefaultConfig()
	cfg.JWT.PrivateKey = []byte("compat-suite-signing-key-0123456789")
	g, err := taskgate.New().WithConfig(cfg).WithRedis(rdb).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func TestRedisCompat_RotationAndReplay(t *testing.T) {
	for _, mode := range redisModes() {
		t.Run(mode.name, func(t *testing.T) {
			g := compatGate(t, mode.setup(t))
			ctx := context.Background()

			t0, err := g.Issue(ctx, "user-1")
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			t1, err := g.Rotate(ctx, t0.RefreshToken)
			if err != nil {
				t.Fatalf("rotate: %v", err)
			}
			if t1.FamilyID != t0.FamilyID {
				t.Fatalf("rotation changed family: %s -> %s", t0.FamilyID, t1.FamilyID)
			}

			if _, err := g.Rotate(ctx, t0.RefreshToken); !errors.Is(err, taskgate.ErrTokenReused) {
				t.Fatalf("replay: expected ErrTokenReused, got %v", err)
			}
			if _, err := g.Rotate(ctx, t1.RefreshToken); !errors.Is(err, taskgate.ErrTokenReused) {
				t.Fatalf("descendant after replay: expected ErrTokenReused, got %v", err)
			}
		})
	}
}

func TestRedisCompat_ConcurrentRotationSingleWinner(t *testing.T) {
	for _, mode := range redisModes() {
		t.Run(mode.name, func(t *testing.T) {
			g := compatGate(t, mode.setup(t))
			ctx := context.Background()

			pair, err := g.Issue(ctx, "user-2")
			if err != nil {
				t.Fatalf("issue: %v", err)
			}

			var (
				wg    sync.WaitGroup
				wins  int64
				start = make(chan struct{})
			)
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					if _, err := g.Rotate(ctx, pair.RefreshToken); err == nil {
						atomic.AddInt64(&wins, 1)
					}
				}()
			}
			close(start)
			wg.Wait()

			if wins != 1 {
				t.Fatalf("expected exactly one winner, got %d", wins)
			}
		})
	}
}

func TestRedisCompat_SlidingWindow(t *testing.T) {
	for _, mode := range redisModes() {
		t.Run(mode.name, func(t *testing.T) {
			g := compatGate(t, mode.setup(t))
			ctx := context.Background()
			id := ratelimit.ResolveIdentity("", "", "192.0.2.10:1234")

			for i := 0; i < 5; i++ {
				if d := g.Admit(ctx, taskgate.ClassLogin, id); !d.Allowed || d.FailedOpen {
					t.Fatalf("request %d: %+v", i+1, d)
				}
			}
			d := g.Admit(ctx, taskgate.ClassLogin, id)
			if d.Allowed {
				t.Fatal("sixth login should be rejected")
			}
			if d.RetryAfterSeconds() < 1 {
				t.Fatalf("retry after = %d", d.RetryAfterSeconds())
			}
		})
	}
}
