// Command sessionguard-sim drives the session-security components with a
// synthetic CRM workload and reports latency, the security outcomes of each
// scenario and, optionally, the Prometheus exposition of the run.
//
// Without SESSIONGUARD_REDIS_ADDR (or -redis-addr) it runs against an
// embedded miniredis. A .env file in the working directory is loaded first.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	mathrand "math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/sessionguard"
	"github.com/MrEthical07/sessionguard/anomaly"
	"github.com/MrEthical07/sessionguard/metrics/export/prometheus"
	"github.com/MrEthical07/sessionguard/ratelimit"
	"github.com/MrEthical07/sessionguard/token"
	"github.com/MrEthical07/sessionguard/token/memstore"
)

type userState struct {
	id       string
	current  string
	previous string
	device   token.DeviceInfo
	mu       sync.Mutex
}

func main() {
	_ = godotenv.Load()

	var (
		configPath  = flag.String("config", "", "YAML config; defaults plus a throwaway signing key when empty")
		users       = flag.Int("users", 2000, "number of users to log in")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "rotations in the rotation phase")
		replayEvery = flag.Int("replay-every", 500, "present a stale refresh token every N rotations; 0 disables")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, SESSIONGUARD_REDIS_ADDR or miniredis is used")
		showMetrics = flag.Bool("metrics", false, "print Prometheus metrics at the end")
	)
	flag.Parse()

	if *users <= 0 || *concurrency <= 0 || *ops <= 0 || *replayEvery < 0 {
		fmt.Fprintln(os.Stderr, "users, concurrency and ops must be > 0")
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *redisAddr != "" {
		cfg.Redis.Addr = *redisAddr
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if cfg.Redis.Addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", cfg.Redis.Addr)
	}
	defer cleanup()

	g, err := sessionguard.New().
		WithConfig(cfg).
		WithRedis(client).
		WithTokenStore(memstore.New()).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build: %v\n", err)
		os.Exit(1)
	}
	defer g.Close()

	ctx := context.Background()

	fmt.Printf("logging in %d users...\n", *users)
	states, loginStats := runLoginPhase(ctx, g, *users, *concurrency)
	rotateStats, replays := runRotationPhase(ctx, g, states, *ops, *concurrency, *replayEvery)
	winners, contested := runRacePhase(ctx, g, states[:min(len(states), 100)])
	blocked := runBruteForceScenario(ctx, g)
	admitted := runLoginBudgetScenario(ctx, g)

	fmt.Println("---- results ----")
	printStats("login", loginStats)
	printStats("rotate", rotateStats)
	fmt.Printf("replays detected: %d (families revoked and users logged in again)\n", replays)
	fmt.Printf("concurrent rotations: %d tokens contested, %d winners\n", contested, winners)
	fmt.Printf("brute force: attacker blocked=%t\n", blocked)
	fmt.Printf("login budget: %d attempts admitted before 429\n", admitted)
	fmt.Printf("audit events dropped: %d\n", g.AuditDropped())

	if *showMetrics {
		fmt.Println("---- metrics ----")
		fmt.Print(prometheus.NewExporter(g).Render())
	}
}

func loadConfig(path string) (sessionguard.Config, error) {
	if path != "" {
		return sessionguard.LoadConfig(path)
	}
	cfg := sessionguard.DefaultConfig()
	sessionguard.ApplyEnv(&cfg)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return cfg, err
	}
	cfg.JWT.PrivateKey = priv
	cfg.Rotation.MaxTokensPerUser = 50
	// the simulation logs users in far faster than any login rule allows
	cfg.Admission.Rule = ""
	return cfg, cfg.Validate()
}

func runLoginPhase(ctx context.Context, g *sessionguard.Guard, users, concurrency int) ([]*userState, phaseStats) {
	states := make([]*userState, users)
	for i := range states {
		states[i] = &userState{
			id: fmt.Sprintf("staff-%05d", i),
			device: token.DeviceInfo{
				Fingerprint: fmt.Sprintf("fp-%05d", i),
				UserAgent:   "Mozilla/5.0 (X11; Linux x86_64) Firefox/131.0",
				IPAddress:   fmt.Sprintf("10.20.%d.%d", i/250, i%250+1),
			},
		}
	}

	stats := runPhase(users, concurrency, func(i int, _ *mathrand.Rand) error {
		s := states[i]
		pair, err := g.Tokens().CreateTokenPair(ctx, s.id, map[string]any{"role": "reception"}, s.device)
		if err != nil {
			return err
		}
		s.current = pair.RefreshToken
		return nil
	})
	return states, stats
}

func runRotationPhase(ctx context.Context, g *sessionguard.Guard, states []*userState, ops, concurrency, replayEvery int) (phaseStats, int64) {
	var replays int64
	stats := runPhase(ops, concurrency, func(i int, r *mathrand.Rand) error {
		s := states[r.Intn(len(states))]
		s.mu.Lock()
		defer s.mu.Unlock()

		value := s.current
		stale := replayEvery > 0 && i%replayEvery == replayEvery-1 && s.previous != ""
		if stale {
			value = s.previous
		}

		pair, err := g.Tokens().RotateTokens(ctx, value, nil, s.device)
		switch {
		case err == nil:
			s.previous, s.current = s.current, pair.RefreshToken
			return nil
		case stale && errors.Is(err, sessionguard.ErrTokenReplay):
			atomic.AddInt64(&replays, 1)
			pair, err = g.Tokens().CreateTokenPair(ctx, s.id, nil, s.device)
			if err != nil {
				return err
			}
			s.previous, s.current = "", pair.RefreshToken
			return nil
		default:
			return err
		}
	})
	return stats, replays
}

// runRacePhase presents each user's current refresh token twice at once.
func runRacePhase(ctx context.Context, g *sessionguard.Guard, states []*userState) (winners, contested int64) {
	var wg sync.WaitGroup
	for _, s := range states {
		contested++
		for range 2 {
			wg.Add(1)
			go func(value string, device token.DeviceInfo) {
				defer wg.Done()
				if _, err := g.Tokens().RotateTokens(ctx, value, nil, device); err == nil {
					atomic.AddInt64(&winners, 1)
				}
			}(s.current, s.device)
		}
	}
	wg.Wait()
	return winners, contested
}

func runBruteForceScenario(ctx context.Context, g *sessionguard.Guard) bool {
	const attacker = "203.0.113.66"
	for i := 0; i < 6; i++ {
		_, err := g.Detector().TrackEvent(ctx, anomaly.Event{
			UserID:    "staff-admin",
			IPAddress: attacker,
			UserAgent: "python-requests/2.32",
			Type:      anomaly.EventLoginFailed,
			Metadata:  map[string]string{anomaly.MetaUsername: "admin"},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "track: %v\n", err)
			return false
		}
	}
	blocked, err := g.Detector().IsBlocked(ctx, "", attacker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "block lookup: %v\n", err)
	}
	return blocked
}

func runLoginBudgetScenario(ctx context.Context, g *sessionguard.Guard) int {
	l, err := g.Limits().Get(ratelimit.RuleLogin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login rule: %v\n", err)
		return 0
	}
	admitted := 0
	for i := 0; i < 20; i++ {
		res, err := l.Allow(ctx, "ip:198.51.100.23")
		if err != nil {
			fmt.Fprintf(os.Stderr, "allow: %v\n", err)
			return admitted
		}
		if !res.Allowed {
			break
		}
		admitted++
	}
	return admitted
}

func runPhase(ops, concurrency int, op func(i int, r *mathrand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := mathrand.New(mathrand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(i, r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
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
