// Command taskgate-loadtest drives the gate against Redis (or an in-process
// miniredis) and reports rotation-race winners and admission latencies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/taskgate"
	"github.com/MrEthical07/taskgate/ratelimit"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func main() {
	var (
		families    = flag.Int("families", 2000, "token families raced in the rotation phase")
		racers      = flag.Int("racers", 8, "concurrent rotations per presented token")
		identities  = flag.Int("identities", 5000, "distinct callers in the admission phase")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "admission checks to run")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *families <= 0 || *racers < 2 || *identities <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "families, identities, concurrency and ops must be > 0; racers must be >= 2")
		os.Exit(2)
	}

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var cleanup func()
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		cleanup = mr.Close
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		cleanup = func() {}
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		PoolSize: *concurrency,
	})
	defer client.Close()

	cfg := taskgate.DefaultConfig()
	cfg.JWT.PrivateKey = []byte("loadtest-only-signing-key-0123456789")
	cfg.RateLimit.KeyPrefix = fmt.Sprintf("lt:%d:", time.Now().UnixNano())
	cfg.Tokens.RedisPrefix = cfg.RateLimit.KeyPrefix + "rt:"

	gate, err := taskgate.New().
		WithConfig(cfg).
		WithRedis(client).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build gate: %v\n", err)
		os.Exit(1)
	}
	defer gate.Close()

	ctx := context.Background()

	race, err := runRacePhase(ctx, gate, *families, *racers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "race phase: %v\n", err)
		os.Exit(1)
	}
	admit := runAdmitPhase(ctx, gate, *identities, *ops, *concurrency)

	fmt.Println("---- results ----")
	fmt.Printf("race: families=%d racers=%d winners=%d reuse=%d other_failures=%d multi_winner_families=%d\n",
		race.families, race.racers, race.winners, race.reused, race.failures, race.multiWinner)
	printStats("rotate", race.stats)
	fmt.Printf("admit: allowed=%d rejected=%d failed_open=%d\n", admit.allowed, admit.rejected, admit.failedOpen)
	printStats("admit", admit.stats)

	if race.multiWinner > 0 {
		os.Exit(1)
	}
}

type raceResult struct {
	families    int
	racers      int
	winners     int64
	reused      int64
	failures    int64
	multiWinner int64
	stats       phaseStats
}

// runRacePhase presents each family's first token from racers goroutines at
// once. Exactly one rotation per family may succeed.
func runRacePhase(ctx context.Context, gate *taskgate.Gate, families, racers int) (raceResult, error) {
	res := raceResult{families: families, racers: racers}
	latencies := make([]time.Duration, 0, families*racers)
	var mu sync.Mutex

	start := time.Now()
	for f := 0; f < families; f++ {
		pair, err := gate.Issue(ctx, fmt.Sprintf("user-%d", f))
		if err != nil {
			return res, err
		}

		var (
			wg      sync.WaitGroup
			winners int64
			ready   = make(chan struct{})
		)
		for r := 0; r < racers; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-ready
				t0 := time.Now()
				_, err := gate.Rotate(ctx, pair.RefreshToken)
				d := time.Since(t0)
				switch {
				case err == nil:
					atomic.AddInt64(&winners, 1)
				case errors.Is(err, taskgate.ErrTokenReused):
					atomic.AddInt64(&res.reused, 1)
				default:
					atomic.AddInt64(&res.failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}()
		}
		close(ready)
		wg.Wait()

		res.winners += winners
		if winners > 1 {
			res.multiWinner++
		}
	}
	res.stats = computeStats(time.Since(start), latencies, res.failures)
	return res, nil
}

type admitResult struct {
	allowed    int64
	rejected   int64
	failedOpen int64
	stats      phaseStats
}

func runAdmitPhase(ctx context.Context, gate *taskgate.Gate, identities, ops, concurrency int) admitResult {
	ids := make([]ratelimit.Identity, identities)
	for i := range ids {
		ids[i] = ratelimit.ResolveIdentity("", "", fmt.Sprintf("10.%d.%d.%d:443", (i>>16)&0xFF, (i>>8)&0xFF, i&0xFF))
	}

	var (
		res       admitResult
		wg        sync.WaitGroup
		cursor    int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				d := gate.Admit(ctx, taskgate.ClassDefault, ids[r.Intn(len(ids))])
				lat := time.Since(t0)
				switch {
				case d.FailedOpen:
					atomic.AddInt64(&res.failedOpen, 1)
				case d.Allowed:
					atomic.AddInt64(&res.allowed, 1)
				default:
					atomic.AddInt64(&res.rejected, 1)
				}
				mu.Lock()
				latencies = append(latencies, lat)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	res.stats = computeStats(time.Since(start), latencies, res.failedOpen)
	return res
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
