package sessionguard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrEthical07/sessionguard/anomaly"
	"github.com/MrEthical07/sessionguard/audit"
	"github.com/MrEthical07/sessionguard/jwt"
	"github.com/MrEthical07/sessionguard/metrics"
	"github.com/MrEthical07/sessionguard/middleware"
	"github.com/MrEthical07/sessionguard/ratelimit"
	"github.com/MrEthical07/sessionguard/rotation"
)

// Guard owns one wired set of components.
type Guard struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	audit    *audit.Recorder
	dispatch *audit.Dispatcher
	jwt      *jwt.Manager
	tokens   *rotation.Service
	detector *anomaly.Detector
	limits   *ratelimit.Manager
	security *middleware.Security
	closers  []func() error
}

// Tokens returns the refresh-token rotation service.
func (g *Guard) Tokens() *rotation.Service { return g.tokens }

// Detector returns the anomaly detector.
func (g *Guard) Detector() *anomaly.Detector { return g.detector }

// Limits returns the rate-limit manager.
func (g *Guard) Limits() *ratelimit.Manager { return g.limits }

// Security returns the admission pipeline.
func (g *Guard) Security() *middleware.Security { return g.security }

// JWT returns the access-token manager.
func (g *Guard) JWT() *jwt.Manager { return g.jwt }

func (g *Guard) Logger() *slog.Logger { return g.logger }

// Audit returns the recorder every component writes to.
func (g *Guard) Audit() audit.Logger { return g.audit }

// Config returns the configuration the Guard was built from.
func (g *Guard) Config() Config { return g.cfg }

// Handler wraps next with the admission pipeline only.
func (g *Guard) Handler(next http.Handler) http.Handler {
	return g.security.Handler(next)
}

// RequireJWTOnly returns a guard checking the access token without store
// round-trips.
func (g *Guard) RequireJWTOnly() func(http.Handler) http.Handler {
	return middleware.RequireJWTOnly(g.jwt)
}

// RequireStrict returns a guard that also rejects access tokens of revoked
// families and honours anomaly blocks and challenges.
func (g *Guard) RequireStrict() func(http.Handler) http.Handler {
	return middleware.RequireStrict(g.jwt, sessionGate{Detector: g.detector, tokens: g.tokens})
}

// sessionGate answers block and challenge questions from the detector and
// family liveness from the token store.
type sessionGate struct {
	*anomaly.Detector
	tokens *rotation.Service
}

func (s sessionGate) FamilyActive(ctx context.Context, familyID string) (bool, error) {
	return s.tokens.FamilyActive(ctx, familyID)
}

// Protect runs the admission pipeline followed by the strict guard.
func (g *Guard) Protect(next http.Handler) http.Handler {
	return g.Handler(g.RequireStrict()(next))
}

// MetricsSnapshot implements the exporter Source interface.
func (g *Guard) MetricsSnapshot() metrics.Snapshot {
	return g.metrics.Snapshot()
}

// AuditDropped reports audit events lost to a full buffer.
func (g *Guard) AuditDropped() uint64 {
	return g.dispatch.Dropped()
}

// Close drains the audit buffer and releases the connections Build opened.
func (g *Guard) Close() error {
	if g == nil {
		return nil
	}
	g.dispatch.Close()

	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}
