package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrEthical07/sessionguard/anomaly"
	"github.com/MrEthical07/sessionguard/audit"
	"github.com/MrEthical07/sessionguard/metrics"
	"github.com/MrEthical07/sessionguard/ratelimit"
)

// BanChecker reports temporary bans. *ratelimit.Manager satisfies it.
type BanChecker interface {
	IsBanned(ctx context.Context, identifier string) (*ratelimit.Ban, error)
}

// BlockChecker reports anomaly blocks. *anomaly.Detector satisfies it.
type BlockChecker interface {
	IsBlocked(ctx context.Context, userID, ip string) (bool, error)
}

// RateLimiter admits one hit for a subject. *ratelimit.Limiter satisfies it.
type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Result, error)
}

// SignalTracker receives anomaly events. *anomaly.Detector satisfies it.
type SignalTracker interface {
	TrackEvent(ctx context.Context, event anomaly.Event) (*anomaly.Evaluation, error)
}

// Config tunes the security pipeline.
type Config struct {
	// TrustedProxies lists CIDRs or addresses whose X-Forwarded-For is honoured.
	TrustedProxies      []string `yaml:"trusted_proxies"`
	AllowedContentTypes []string `yaml:"allowed_content_types"`
	MaxBodyBytes        int64    `yaml:"max_body_bytes"`

	CSRFEnabled    bool   `yaml:"csrf_enabled"`
	CSRFCookieName string `yaml:"csrf_cookie_name"`
	CSRFHeaderName string `yaml:"csrf_header_name"`

	// AutomationThreshold is the number of bot indicators that triggers a
	// challenge. Zero disables scoring.
	AutomationThreshold int `yaml:"automation_threshold"`
	// AutomationSkipBearer exempts bearer-token API calls from scoring.
	AutomationSkipBearer bool `yaml:"automation_skip_bearer"`

	HSTS          bool          `yaml:"hsts"`
	HSTSMaxAge    time.Duration `yaml:"hsts_max_age"`
	FrameAncestor string        `yaml:"frame_ancestor"`

	// FailOpen admits requests when a ban or block lookup fails. The
	// default answers 503.
	FailOpen bool `yaml:"fail_open"`
}

// DefaultConfig returns a JSON/form API profile with CSRF on and a 10 MiB
// body cap.
func DefaultConfig() Config {
	return Config{
		AllowedContentTypes: []string{
			"application/json",
			"application/x-www-form-urlencoded",
			"multipart/form-data",
		},
		MaxBodyBytes:         10 << 20,
		CSRFEnabled:          true,
		CSRFCookieName:       "csrf_token",
		CSRFHeaderName:       "X-CSRF-Token",
		AutomationThreshold:  3,
		AutomationSkipBearer: true,
		HSTS:                 true,
		HSTSMaxAge:           365 * 24 * time.Hour,
		FrameAncestor:        "'none'",
	}
}

// Security is the per-request admission pipeline.
type Security struct {
	cfg        Config
	proxies    proxySet
	allowed    map[string]struct{}
	bans       BanChecker
	blocks     BlockChecker
	limiter    RateLimiter
	signals    SignalTracker
	audit      audit.Logger
	logger     *slog.Logger
	metrics    *metrics.Metrics
	userOf     func(*http.Request) string
	expectedFP func(*http.Request) string
}

// Option configures Security.
type Option func(*Security)

func WithBans(b BanChecker) Option {
	return func(s *Security) { s.bans = b }
}

func WithBlocks(b BlockChecker) Option {
	return func(s *Security) { s.blocks = b }
}

func WithRateLimiter(l RateLimiter) Option {
	return func(s *Security) { s.limiter = l }
}

func WithSignals(t SignalTracker) Option {
	return func(s *Security) { s.signals = t }
}

func WithAudit(l audit.Logger) Option {
	return func(s *Security) {
		if l != nil {
			s.audit = l
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Security) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Security) { s.metrics = m }
}

// WithUserResolver sets how the pipeline learns the caller's user id before
// the handler runs.
func WithUserResolver(f func(*http.Request) string) Option {
	return func(s *Security) { s.userOf = f }
}

// WithExpectedFingerprint sets how the pipeline reads the fingerprint the
// session was bound to. Requests without one skip the comparison.
func WithExpectedFingerprint(f func(*http.Request) string) Option {
	return func(s *Security) { s.expectedFP = f }
}

// NewSecurity validates cfg and returns the pipeline.
func NewSecurity(cfg Config, opts ...Option) (*Security, error) {
	def := DefaultConfig()
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = def.AllowedContentTypes
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.CSRFCookieName == "" {
		cfg.CSRFCookieName = def.CSRFCookieName
	}
	if cfg.CSRFHeaderName == "" {
		cfg.CSRFHeaderName = def.CSRFHeaderName
	}
	if cfg.HSTSMaxAge <= 0 {
		cfg.HSTSMaxAge = def.HSTSMaxAge
	}
	if cfg.FrameAncestor == "" {
		cfg.FrameAncestor = def.FrameAncestor
	}
	if cfg.AutomationThreshold < 0 {
		return nil, errors.New("middleware: negative automation threshold")
	}

	proxies, err := parseProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedContentTypes))
	for _, ct := range cfg.AllowedContentTypes {
		allowed[ct] = struct{}{}
	}

	s := &Security{
		cfg:     cfg,
		proxies: proxies,
		allowed: allowed,
		audit:   audit.Discard,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler wraps next with the pipeline.
func (s *Security) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nonce, err := newNonce()
		if err != nil {
			s.logger.ErrorContext(r.Context(), "nonce generation failed", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		s.setSecurityHeaders(w, r, nonce)

		ip := s.proxies.clientIP(r)
		fp := deviceFingerprint(r)
		ctx := context.WithValue(r.Context(), nonceKey{}, nonce)
		ctx = context.WithValue(ctx, clientIPKey{}, ip)
		ctx = context.WithValue(ctx, fingerprintKey{}, fp)
		r = r.WithContext(ctx)

		var userID string
		if s.userOf != nil {
			userID = s.userOf(r)
		}

		if !s.admit(w, r, ip, userID) {
			return
		}
		if !s.rateLimit(w, r, ip, userID) {
			return
		}
		if !s.checkIntegrity(w, r) {
			return
		}
		s.compareFingerprint(r, ip, userID, fp)
		if !s.checkAutomation(w, r, ip) {
			return
		}
		if !s.checkCSRF(w, r, ip) {
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status == http.StatusUnauthorized || rec.status == http.StatusForbidden {
			s.reportDenied(r, ip, userID, rec.status)
		}
	})
}

func (s *Security) setSecurityHeaders(w http.ResponseWriter, r *http.Request, nonce string) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	h.Set("Content-Security-Policy", fmt.Sprintf(
		"default-src 'self'; script-src 'self' 'nonce-%s'; style-src 'self' 'nonce-%s'; object-src 'none'; base-uri 'self'; frame-ancestors %s",
		nonce, nonce, s.cfg.FrameAncestor))
	if s.cfg.HSTS && (r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https") {
		h.Set("Strict-Transport-Security", fmt.Sprintf("max-age=%d; includeSubDomains", int64(s.cfg.HSTSMaxAge.Seconds())))
	}
}

// admit enforces bans on the IP and user and anomaly blocks.
func (s *Security) admit(w http.ResponseWriter, r *http.Request, ip, userID string) bool {
	ctx := r.Context()
	if s.bans != nil {
		for _, id := range []string{ip, userID} {
			if id == "" {
				continue
			}
			ban, err := s.bans.IsBanned(ctx, id)
			if err != nil {
				if !s.lookupFailed(w, r, "ban", err) {
					return false
				}
				continue
			}
			if ban != nil {
				s.metrics.Inc(metrics.BanRejected)
				http.Error(w, "forbidden", http.StatusForbidden)
				return false
			}
		}
	}

	if s.blocks != nil {
		blocked, err := s.blocks.IsBlocked(ctx, userID, ip)
		if err != nil {
			return s.lookupFailed(w, r, "block", err)
		}
		if blocked {
			s.metrics.Inc(metrics.MiddlewareDenied)
			http.Error(w, "forbidden", http.StatusForbidden)
			return false
		}
	}
	return true
}

// lookupFailed logs a gate failure and reports whether the request may
// continue.
func (s *Security) lookupFailed(w http.ResponseWriter, r *http.Request, gate string, err error) bool {
	s.logger.ErrorContext(r.Context(), "security gate lookup failed", "gate", gate, "error", err)
	if s.cfg.FailOpen {
		return true
	}
	http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	return false
}

func (s *Security) rateLimit(w http.ResponseWriter, r *http.Request, ip, userID string) bool {
	if s.limiter == nil {
		return true
	}
	subject := "ip:" + ip
	if userID != "" {
		subject = "user:" + userID
	}
	res, err := s.limiter.Allow(r.Context(), subject)
	if err != nil {
		return s.lookupFailed(w, r, "rate_limit", err)
	}
	ratelimit.SetHeaders(w.Header(), res)
	if !res.Allowed {
		s.audit.LogSecurityEvent(r.Context(), audit.EventRateLimited, audit.SeverityMedium,
			"rate limit exceeded", ip, map[string]string{"subject": subject, "path": r.URL.Path})
		http.Error(w, ratelimit.ErrRateLimitExceeded.Error(), http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Security) compareFingerprint(r *http.Request, ip, userID, fp string) {
	if s.expectedFP == nil {
		return
	}
	expected := s.expectedFP(r)
	if expected == "" || sameString(expected, fp) {
		return
	}

	s.metrics.Inc(metrics.MiddlewareFingerprintMismatch)
	s.logger.WarnContext(r.Context(), "device fingerprint changed", "user_id", userID, "ip", ip)
	s.audit.LogSecurityEvent(r.Context(), audit.EventFingerprintChanged, audit.SeverityHigh,
		"session presented from a different device", ip, map[string]string{"user_id": userID, "path": r.URL.Path})
	s.signal(r.Context(), anomaly.Event{
		UserID:    userID,
		IPAddress: ip,
		UserAgent: r.UserAgent(),
		Type:      anomaly.EventSessionMismatch,
	})
}

func (s *Security) reportDenied(r *http.Request, ip, userID string, status int) {
	s.metrics.Inc(metrics.MiddlewareDenied)
	eventType, signalType := audit.EventAccessDenied, anomaly.EventAccessDenied
	if status == http.StatusUnauthorized {
		eventType, signalType = audit.EventUnauthorized, anomaly.EventUnauthorized
	}
	s.audit.LogSecurityEvent(r.Context(), eventType, audit.SeverityMedium,
		http.StatusText(status), ip, map[string]string{
			"user_id": userID,
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  fmt.Sprint(status),
		})
	s.signal(r.Context(), anomaly.Event{
		UserID:    userID,
		IPAddress: ip,
		UserAgent: r.UserAgent(),
		Type:      signalType,
		Metadata:  map[string]string{anomaly.MetaPath: r.URL.Path},
	})
}

func (s *Security) signal(ctx context.Context, ev anomaly.Event) {
	if s.signals == nil {
		return
	}
	if _, err := s.signals.TrackEvent(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "anomaly signal failed", "event_type", string(ev.Type), "error", err)
	}
}

func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b[:]), nil
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
