package sessionguard

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/sessionguard/anomaly"
	"github.com/MrEthical07/sessionguard/audit"
	"github.com/MrEthical07/sessionguard/audit/influxsink"
	"github.com/MrEthical07/sessionguard/jwt"
	"github.com/MrEthical07/sessionguard/kv"
	"github.com/MrEthical07/sessionguard/metrics"
	"github.com/MrEthical07/sessionguard/middleware"
	"github.com/MrEthical07/sessionguard/notify/mqttnotify"
	"github.com/MrEthical07/sessionguard/ratelimit"
	"github.com/MrEthical07/sessionguard/rotation"
	"github.com/MrEthical07/sessionguard/token"
)

// Builder collects configuration and adapters for a Guard. A Builder is
// single use.
type Builder struct {
	config Config

	redis  redis.UniversalClient
	kv     kv.Store
	tokens token.Store

	auditSink audit.Sink
	notifier  anomaly.Notifier
	logger    *slog.Logger
	tiers     ratelimit.TierResolver
	load      ratelimit.LoadProbe
	now       func() time.Time

	built bool
}

// New returns a Builder holding DefaultConfig.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis supplies the client backing the counter store. Build does not
// close it.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithKV supplies a counter store directly and takes precedence over
// WithRedis.
func (b *Builder) WithKV(store kv.Store) *Builder {
	b.kv = store
	return b
}

func (b *Builder) WithTokenStore(store token.Store) *Builder {
	b.tokens = store
	return b
}

// WithAuditSink replaces the sink chosen from Config.Audit.
func (b *Builder) WithAuditSink(sink audit.Sink) *Builder {
	b.auditSink = sink
	return b
}

// WithNotifier replaces the MQTT notifier chosen from Config.Notify.
func (b *Builder) WithNotifier(n anomaly.Notifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithTierResolver(t ratelimit.TierResolver) *Builder {
	b.tiers = t
	return b
}

func (b *Builder) WithLoadProbe(p ratelimit.LoadProbe) *Builder {
	b.load = p
	return b
}

// WithClock replaces time.Now in every component. Tests only.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration, connects the configured adapters and
// wires the components. On error every connection opened so far is closed.
func (b *Builder) Build() (g *Guard, err error) {
	if b.built {
		return nil, ErrBuilderUsed
	}
	b.built = true

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.tokens == nil {
		return nil, ErrMissingTokenStore
	}

	g = &Guard{cfg: cfg}
	defer func() {
		if err != nil {
			_ = g.Close()
			g = nil
		}
	}()

	g.logger = b.logger
	if g.logger == nil {
		g.logger = NewLogger(cfg.Log)
	}
	g.metrics = metrics.New(metrics.Config{
		Enabled:                 cfg.Metrics.Enabled,
		EnableLatencyHistograms: cfg.Metrics.EnableLatencyHistograms,
	})

	store, err := b.counterStore(g)
	if err != nil {
		return nil, err
	}

	g.jwt, err = jwt.NewManager(jwt.Config{
		DefaultTTL:    cfg.Rotation.AccessTTL,
		SigningMethod: jwt.SigningMethod(strings.ToLower(cfg.JWT.SigningMethod)),
		PrivateKey:    cfg.JWT.PrivateKey,
		PublicKey:     cfg.JWT.PublicKey,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		KeyID:         cfg.JWT.KeyID,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}

	sink, err := b.sink(g)
	if err != nil {
		return nil, err
	}
	g.dispatch = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, sink)
	if g.dispatch != nil {
		sink = g.dispatch
	}
	g.audit = audit.NewRecorder(sink, g.logger)

	notifier, err := b.alertNotifier(g)
	if err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	g.detector, err = anomaly.New(store, cfg.Anomaly,
		anomaly.WithNotifier(notifier),
		anomaly.WithAudit(g.audit),
		anomaly.WithLogger(g.logger.With("component", "anomaly")),
		anomaly.WithMetrics(g.metrics),
		anomaly.WithClock(now),
	)
	if err != nil {
		return nil, err
	}

	g.tokens, err = rotation.New(b.tokens, g.jwt, cfg.Rotation,
		rotation.WithHasher(token.NewHasher([]byte(cfg.Token.Pepper))),
		rotation.WithSignals(g.detector),
		rotation.WithAudit(g.audit),
		rotation.WithLogger(g.logger.With("component", "rotation")),
		rotation.WithMetrics(g.metrics),
		rotation.WithClock(now),
	)
	if err != nil {
		return nil, err
	}

	subject := bearerClaim(g.jwt, "sub")
	g.limits, err = ratelimit.NewManager(store, cfg.RateLimit,
		ratelimit.WithTierResolver(b.tiers),
		ratelimit.WithLoadProbe(b.load),
		ratelimit.WithIPResolver(clientIP),
		ratelimit.WithUserResolver(subject),
		ratelimit.WithAudit(g.audit),
		ratelimit.WithLogger(g.logger.With("component", "ratelimit")),
		ratelimit.WithMetrics(g.metrics),
		ratelimit.WithClock(now),
	)
	if err != nil {
		return nil, err
	}

	opts := []middleware.Option{
		middleware.WithBans(g.limits),
		middleware.WithBlocks(g.detector),
		middleware.WithSignals(g.detector),
		middleware.WithAudit(g.audit),
		middleware.WithLogger(g.logger.With("component", "middleware")),
		middleware.WithMetrics(g.metrics),
		middleware.WithUserResolver(subject),
		middleware.WithExpectedFingerprint(bearerClaim(g.jwt, "dfp")),
	}
	if rule := cfg.Admission.Rule; rule != "" {
		var l *ratelimit.Limiter
		switch {
		case cfg.Admission.Tiered:
			l, err = g.limits.Tiered(rule)
		case cfg.Admission.Adaptive:
			l, err = g.limits.Adaptive(rule)
		default:
			l, err = g.limits.Get(rule)
		}
		if err != nil {
			return nil, err
		}
		opts = append(opts, middleware.WithRateLimiter(l))
	}
	g.security, err = middleware.NewSecurity(cfg.Middleware, opts...)
	if err != nil {
		return nil, err
	}

	g.logger.Info("sessionguard ready",
		"patterns", len(g.detector.Patterns()),
		"audit_async", g.dispatch != nil,
		"metrics", cfg.Metrics.Enabled,
	)
	return g, nil
}

func (b *Builder) counterStore(g *Guard) (kv.Store, error) {
	if b.kv != nil {
		return b.kv, nil
	}
	if b.redis != nil {
		return kv.NewRedisStore(b.redis, b.config.Redis.Prefix), nil
	}
	if b.config.Redis.Addr == "" {
		return nil, ErrMissingCounterStore
	}
	client := redis.NewClient(&redis.Options{
		Addr:     b.config.Redis.Addr,
		Password: b.config.Redis.Password,
		DB:       b.config.Redis.DB,
	})
	g.closers = append(g.closers, client.Close)
	return kv.NewRedisStore(client, b.config.Redis.Prefix), nil
}

func (b *Builder) sink(g *Guard) (audit.Sink, error) {
	if b.auditSink != nil {
		return b.auditSink, nil
	}
	if !b.config.Audit.Influx.Enabled {
		return audit.NoOpSink{}, nil
	}
	s, err := influxsink.Connect(b.config.Audit.Influx)
	if err != nil {
		return nil, err
	}
	s.SetOnError(func(err error) {
		g.logger.Warn("influx write failed", "error", err)
	})
	g.closers = append(g.closers, func() error { s.Close(); return nil })
	return s, nil
}

func (b *Builder) alertNotifier(g *Guard) (anomaly.Notifier, error) {
	if b.notifier != nil {
		return b.notifier, nil
	}
	if !b.config.Notify.Enabled {
		return nil, nil
	}
	n, err := mqttnotify.Connect(b.config.Notify.MQTT)
	if err != nil {
		return nil, err
	}
	g.closers = append(g.closers, func() error { n.Close(); return nil })
	return n, nil
}

// clientIP prefers the address resolved by the security pipeline.
func clientIP(r *http.Request) string {
	if ip := middleware.ClientIP(r.Context()); ip != "" {
		return ip
	}
	return ratelimit.RemoteIP(r)
}

// bearerClaim reads one string claim from a verified bearer token. Requests
// without a valid token yield "".
func bearerClaim(p middleware.AccessParser, name string) func(*http.Request) string {
	return func(r *http.Request) string {
		scheme, raw, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
			return ""
		}
		claims, err := p.Parse(strings.TrimSpace(raw))
		if err != nil {
			return ""
		}
		v, _ := claims[name].(string)
		return v
	}
}
