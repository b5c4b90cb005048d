package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrEthical07/sessionguard/audit"
	"github.com/MrEthical07/sessionguard/kv"
	"github.com/MrEthical07/sessionguard/metrics"
)

// TierResolver reports the plan of the caller carried by ctx.
type TierResolver interface {
	Tier(ctx context.Context) Tier
}

// TierFunc adapts a function to TierResolver.
type TierFunc func(ctx context.Context) Tier

func (f TierFunc) Tier(ctx context.Context) Tier { return f(ctx) }

// LoadProbe reports current system load as a fraction in [0, 1].
type LoadProbe interface {
	Load(ctx context.Context) float64
}

// LoadFunc adapts a function to LoadProbe.
type LoadFunc func(ctx context.Context) float64

func (f LoadFunc) Load(ctx context.Context) float64 { return f(ctx) }

// Result describes one admission decision.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Manager owns the rule table and the ban records.
type Manager struct {
	store  kv.Store
	cfg    Config
	rules  map[string]Rule
	tiers  TierResolver
	load   LoadProbe
	ipOf   func(*http.Request) string
	userOf func(*http.Request) string
	audit  audit.Logger
	logger *slog.Logger
	m      *metrics.Metrics
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithTierResolver(t TierResolver) Option {
	return func(m *Manager) { m.tiers = t }
}

func WithLoadProbe(p LoadProbe) Option {
	return func(m *Manager) { m.load = p }
}

// WithIPResolver sets how middleware derives the client IP. The default is
// the host part of RemoteAddr.
func WithIPResolver(f func(*http.Request) string) Option {
	return func(m *Manager) {
		if f != nil {
			m.ipOf = f
		}
	}
}

// WithUserResolver sets how middleware derives the authenticated user.
func WithUserResolver(f func(*http.Request) string) Option {
	return func(m *Manager) { m.userOf = f }
}

func WithAudit(l audit.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.audit = l
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.m = mt }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds the rule table from the presets and cfg.Rules.
func NewManager(store kv.Store, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("ratelimit: nil store")
	}
	def := DefaultConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.BanPrefix == "" {
		cfg.BanPrefix = def.BanPrefix
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	rules := DefaultRules()
	for name, rc := range cfg.Rules {
		r := rules[name]
		r.Name = name
		if rc.Window > 0 {
			r.Window = rc.Window
		}
		if rc.Max > 0 {
			r.Max = rc.Max
		}
		if err := r.validate(); err != nil {
			return nil, err
		}
		rules[name] = r
	}

	m := &Manager{
		store:  store,
		cfg:    cfg,
		rules:  rules,
		ipOf:   RemoteIP,
		audit:  audit.Discard,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RemoteIP returns the host part of r.RemoteAddr.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Rules returns the configured rule names.
func (m *Manager) Rules() []string {
	names := make([]string, 0, len(m.rules))
	for name := range m.rules {
		names = append(names, name)
	}
	return names
}

// Get returns the limiter of a named rule.
func (m *Manager) Get(name string) (*Limiter, error) {
	r, ok := m.rules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, name)
	}
	return &Limiter{m: m, rule: r}, nil
}

// Custom returns a limiter for an ad hoc rule.
func (m *Manager) Custom(r Rule) (*Limiter, error) {
	if r.Name == "" {
		r.Name = "custom"
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return &Limiter{m: m, rule: r}, nil
}

// Tiered returns a named rule whose budget is multiplied by the caller's
// tier: premium x2, enterprise x5.
func (m *Manager) Tiered(name string) (*Limiter, error) {
	l, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	l.tiered = true
	return l, nil
}

// Adaptive returns a named rule whose budget shrinks under load: x0.75 above
// 60% and x0.5 above 80%.
func (m *Manager) Adaptive(name string) (*Limiter, error) {
	l, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	l.adaptive = true
	return l, nil
}

// Limiter applies one rule.
type Limiter struct {
	m        *Manager
	rule     Rule
	tiered   bool
	adaptive bool
}

// Rule returns the unscaled rule.
func (l *Limiter) Rule() Rule {
	return l.rule
}

// Limit returns the effective budget for the caller in ctx.
func (l *Limiter) Limit(ctx context.Context) int {
	factor := 1.0
	if l.tiered && l.m.tiers != nil {
		factor *= l.m.tiers.Tier(ctx).Multiplier()
	}
	if l.adaptive && l.m.load != nil {
		factor *= adaptiveFactor(l.m.load.Load(ctx))
	}
	return scaled(l.rule.Max, factor)
}

// Allow records one hit for subject and reports whether it fits the budget.
func (l *Limiter) Allow(ctx context.Context, subject string) (Result, error) {
	limit := l.Limit(ctx)
	now := l.m.now()
	key := l.key(subject)
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	count, err := kv.SlidingWindow(ctx, l.m.store, key, now, l.rule.Window, member)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: max(limit-int(count), 0),
		ResetAt:   now.Add(l.rule.Window),
	}
	if res.Allowed {
		l.m.m.Inc(metrics.RateLimitAllowed)
		return res, nil
	}

	if oldest, ok := l.oldest(ctx, key, now); ok {
		res.ResetAt = oldest.Add(l.rule.Window)
	}
	res.RetryAfter = res.ResetAt.Sub(now)
	if res.RetryAfter < time.Second {
		res.RetryAfter = time.Second
	}
	l.m.m.Inc(metrics.RateLimitHit)
	return res, nil
}

// oldest reads the earliest hit still in the window. Members carry their
// timestamp as a prefix.
func (l *Limiter) oldest(ctx context.Context, key string, now time.Time) (time.Time, bool) {
	cutoff := float64(now.Add(-l.rule.Window).UnixMilli())
	members, err := l.m.store.ZRangeByScore(ctx, key, cutoff, math.Inf(1))
	if err != nil || len(members) == 0 {
		return time.Time{}, false
	}
	stamp, _, _ := strings.Cut(members[0], "-")
	ns, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Reset clears the window of subject, for example after a successful login.
func (l *Limiter) Reset(ctx context.Context, subject string) error {
	return l.m.store.Del(ctx, l.key(subject))
}

func (l *Limiter) key(subject string) string {
	return l.m.cfg.KeyPrefix + ":" + l.rule.Name + ":" + subject
}

// Subject returns the window subject for r: the rule's KeyFunc when set,
// otherwise the authenticated user or the client IP.
func (l *Limiter) Subject(r *http.Request) string {
	if l.rule.KeyFunc != nil {
		return l.rule.KeyFunc(r)
	}
	if l.m.userOf != nil {
		if id := l.m.userOf(r); id != "" {
			return "user:" + id
		}
	}
	return "ip:" + l.m.ipOf(r)
}
