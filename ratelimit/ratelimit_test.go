package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/sessionguard/audit"
	"github.com/MrEthical07/sessionguard/kv"
	"github.com/MrEthical07/sessionguard/metrics"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type managerHarness struct {
	m     *Manager
	mr    *miniredis.Miniredis
	clock *testClock
	sink  *audit.MemorySink
	mt    *metrics.Metrics
}

func newManagerTest(t *testing.T, cfg Config, opts ...Option) (*managerHarness, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	h := &managerHarness{
		mr:    mr,
		clock: &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		sink:  &audit.MemorySink{},
		mt:    metrics.New(metrics.Config{Enabled: true}),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := []Option{
		WithClock(h.clock.Now),
		WithAudit(audit.NewRecorder(h.sink, logger)),
		WithLogger(logger),
		WithMetrics(h.mt),
	}
	h.m, err = NewManager(kv.NewRedisStore(rdb, "rl"), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return h, func() {
		rdb.Close()
		mr.Close()
	}
}

func mustLimiter(t *testing.T) func(*Limiter, error) *Limiter {
	return func(l *Limiter, err error) *Limiter {
		t.Helper()
		if err != nil {
			t.Fatalf("limiter: %v", err)
		}
		return l
	}
}

func TestLoginBudget(t *testing.T) {
	h, done := newManagerTest(t, Config{})
	defer done()
	ctx := context.Background()
	l := mustLimiter(t)(h.m.Get(RuleLogin))

	for i := 0; i < 5; i++ {
		res, err := l.Allow(ctx, "ip:203.0.113.7")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !res.Allowed || res.Limit != 5 || res.Remaining != 4-i {
			t.Fatalf("hit %d: %+v", i+1, res)
		}
		h.clock.Advance(time.Second)
	}

	res, err := l.Allow(ctx, "ip:203.0.113.7")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed || res.Remaining != 0 {
		t.Fatalf("sixth hit must be denied: %+v", res)
	}
	// the first hit leaves the window 15 minutes after it was made
	if want := 15*time.Minute - 5*time.Second; res.RetryAfter != want {
		t.Fatalf("expected retry after %v, got %v", want, res.RetryAfter)
	}

	other, _ := l.Allow(ctx, "ip:198.51.100.1")
	if !other.Allowed {
		t.Fatal("subjects must not share a window")
	}

	h.clock.Advance(15 * time.Minute)
	res, _ = l.Allow(ctx, "ip:203.0.113.7")
	if !res.Allowed || res.Remaining != res.Limit-1 {
		t.Fatalf("window must slide to a fresh budget: %+v", res)
	}
	if h.mt.Value(metrics.RateLimitHit) != 1 {
		t.Fatal("hit not counted")
	}
}

func TestReset(t *testing.T) {
	h, done := newManagerTest(t, Config{})
	defer done()
	ctx := context.Background()
	l := mustLimiter(t)(h.m.Custom(Rule{Name: "otp", Window: time.Minute, Max: 1}))

	l.Allow(ctx, "u1")
	if res, _ := l.Allow(ctx, "u1"); res.Allowed {
		t.Fatal("expected denial")
	}
	if err := l.Reset(ctx, "u1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res, _ := l.Allow(ctx, "u1"); !res.Allowed {
		t.Fatal("reset must clear the window")
	}
}

func TestRuleTable(t *testing.T) {
	h, done := newManagerTest(t, Config{Rules: map[string]RuleConfig{
		RuleLogin: {Max: 8},
		"export":  {Window: time.Hour, Max: 2},
	}})
	defer done()

	if len(h.m.Rules()) != 11 {
		t.Fatalf("expected 10 presets plus one custom, got %v", h.m.Rules())
	}
	login := mustLimiter(t)(h.m.Get(RuleLogin))
	if login.Rule().Max != 8 || login.Rule().Window != 15*time.Minute {
		t.Fatalf("override not applied: %+v", login.Rule())
	}
	if _, err := h.m.Get("nope"); !errors.Is(err, ErrUnknownRule) {
		t.Fatalf("expected ErrUnknownRule, got %v", err)
	}
	if _, err := h.m.Custom(Rule{Window: time.Minute}); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
	if _, err := NewManager(kv.NewRedisStore(redis.NewClient(&redis.Options{Addr: h.mr.Addr()}), "x"),
		Config{Rules: map[string]RuleConfig{"broken": {Max: 3}}}); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("rule without window must be rejected, got %v", err)
	}
}

func TestTieredLimits(t *testing.T) {
	tier := TierFree
	h, done := newManagerTest(t, Config{}, WithTierResolver(TierFunc(func(context.Context) Tier { return tier })))
	defer done()
	ctx := context.Background()
	l := mustLimiter(t)(h.m.Tiered(RuleSearch))

	for _, tc := range []struct {
		tier Tier
		want int
	}{{TierFree, 30}, {TierPremium, 60}, {TierEnterprise, 150}, {"unknown", 30}} {
		tier = tc.tier
		if got := l.Limit(ctx); got != tc.want {
			t.Fatalf("tier %s: expected %d, got %d", tc.tier, tc.want, got)
		}
	}
}

func TestAdaptiveLimits(t *testing.T) {
	load := 0.0
	h, done := newManagerTest(t, Config{}, WithLoadProbe(LoadFunc(func(context.Context) float64 { return load })))
	defer done()
	ctx := context.Background()
	l := mustLimiter(t)(h.m.Adaptive(RuleAPI))

	for _, tc := range []struct {
		load float64
		want int
	}{{0.2, 100}, {0.6, 100}, {0.7, 75}, {0.85, 50}} {
		load = tc.load
		if got := l.Limit(ctx); got != tc.want {
			t.Fatalf("load %.2f: expected %d, got %d", tc.load, tc.want, got)
		}
	}

	plain := mustLimiter(t)(h.m.Get(RuleAPI))
	if plain.Limit(ctx) != 100 {
		t.Fatal("plain limiter must ignore load")
	}
	tiny := mustLimiter(t)(h.m.Custom(Rule{Name: "tiny", Window: time.Minute, Max: 1}))
	tiny.adaptive = true
	if tiny.Limit(ctx) != 1 {
		t.Fatal("budgets never scale below 1")
	}
}

func TestMiddleware(t *testing.T) {
	h, done := newManagerTest(t, Config{})
	defer done()
	l := mustLimiter(t)(h.m.Custom(Rule{Name: "burst", Window: time.Minute, Max: 2}))

	handler := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/buildings", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
		if i < 2 && last.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i+1, last.Code)
		}
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", last.Code)
	}
	if last.Header().Get("X-RateLimit-Limit") != "2" || last.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected headers %v", last.Header())
	}
	if last.Header().Get("Retry-After") != "60" || last.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatalf("unexpected retry headers %v", last.Header())
	}
	events := h.sink.OfType(audit.EventRateLimited)
	if len(events) != 1 || events[0].IP != "203.0.113.7" || events[0].Metadata["rule"] != "burst" {
		t.Fatalf("unexpected audit %+v", events)
	}
}

func TestMiddlewareStoreFailure(t *testing.T) {
	for _, tc := range []struct {
		failOpen bool
		want     int
	}{{false, http.StatusServiceUnavailable}, {true, http.StatusOK}} {
		h, done := newManagerTest(t, Config{FailOpen: tc.failOpen})
		l := mustLimiter(t)(h.m.Get(RuleAPI))
		handler := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		h.mr.SetError("LOADING")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != tc.want {
			t.Fatalf("failOpen=%v: expected %d, got %d", tc.failOpen, tc.want, rec.Code)
		}
		done()
	}
}

func TestSubjectSelection(t *testing.T) {
	user := ""
	h, done := newManagerTest(t, Config{}, WithUserResolver(func(*http.Request) string { return user }))
	defer done()

	l := mustLimiter(t)(h.m.Get(RuleAPI))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	if got := l.Subject(req); got != "ip:203.0.113.7" {
		t.Fatalf("unexpected anonymous subject %q", got)
	}
	user = "u1"
	if got := l.Subject(req); got != "user:u1" {
		t.Fatalf("unexpected user subject %q", got)
	}

	byPath := mustLimiter(t)(h.m.Custom(Rule{Name: "hook", Window: time.Minute, Max: 1,
		KeyFunc: func(r *http.Request) string { return r.URL.Path }}))
	if got := byPath.Subject(req); got != "/" {
		t.Fatalf("KeyFunc ignored: %q", got)
	}
}

func TestTemporaryBan(t *testing.T) {
	h, done := newManagerTest(t, Config{})
	defer done()
	ctx := context.Background()

	if _, err := h.m.TemporaryBan(ctx, "", 5, "x"); !errors.Is(err, ErrInvalidBan) {
		t.Fatalf("expected ErrInvalidBan, got %v", err)
	}
	if _, err := h.m.TemporaryBan(ctx, "203.0.113.7", 30, "credential stuffing"); err != nil {
		t.Fatalf("ban: %v", err)
	}

	ban, err := h.m.IsBanned(ctx, "203.0.113.7")
	if err != nil || ban == nil {
		t.Fatalf("IsBanned = %v, %v", ban, err)
	}
	if ban.Reason != "credential stuffing" || ban.ExpiresAt.Sub(ban.CreatedAt) != 30*time.Minute {
		t.Fatalf("unexpected ban %+v", ban)
	}
	if len(h.sink.OfType(audit.EventTemporaryBan)) != 1 {
		t.Fatal("ban not audited")
	}

	h.mr.FastForward(31 * time.Minute)
	if ban, _ := h.m.IsBanned(ctx, "203.0.113.7"); ban != nil {
		t.Fatal("ban must expire")
	}

	h.m.TemporaryBan(ctx, "u1", 5, "manual")
	if err := h.m.Unban(ctx, "u1"); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if ban, _ := h.m.IsBanned(ctx, "u1"); ban != nil {
		t.Fatal("unban must remove the record")
	}
}

func TestUnreadableBanStillBans(t *testing.T) {
	h, done := newManagerTest(t, Config{})
	defer done()

	h.mr.Set("rl:ban:203.0.113.7", "{not json")
	ban, err := h.m.IsBanned(context.Background(), "203.0.113.7")
	if err != nil || ban == nil {
		t.Fatalf("expected fail-closed ban, got %v, %v", ban, err)
	}
}

func TestBanCheck(t *testing.T) {
	h, done := newManagerTest(t, Config{}, WithUserResolver(func(r *http.Request) string {
		return r.Header.Get("X-User")
	}))
	defer done()
	ctx := context.Background()

	var seenBody string
	handler := h.m.BanCheck()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))

	do := func(ip, user, body string) int {
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		req.RemoteAddr = ip + ":40000"
		if user != "" {
			req.Header.Set("X-User", user)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	body := `{"email":"Guard@Example.com","password":"x"}`
	if code := do("203.0.113.7", "", body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if seenBody != body {
		t.Fatalf("body not restored: %q", seenBody)
	}

	h.m.TemporaryBan(ctx, "guard@example.com", 10, "pin brute force")
	if code := do("198.51.100.2", "", body); code != http.StatusForbidden {
		t.Fatalf("banned email: expected 403, got %d", code)
	}

	h.m.TemporaryBan(ctx, "u9", 10, "admin")
	if code := do("198.51.100.2", "u9", `{}`); code != http.StatusForbidden {
		t.Fatalf("banned user: expected 403, got %d", code)
	}

	h.m.TemporaryBan(ctx, "192.0.2.50", 10, "scanner")
	if code := do("192.0.2.50", "", `{}`); code != http.StatusForbidden {
		t.Fatalf("banned ip: expected 403, got %d", code)
	}
	if h.mt.Value(metrics.BanRejected) != 3 {
		t.Fatal("rejections not counted")
	}
}
