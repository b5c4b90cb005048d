package sessionguard

import (
	"strings"
	"time"

	"github.com/MrEthical07/sessionguard/rotation"
)

// SecurityReport summarises the posture a Guard enforces, for start-up logs
// and compliance checks.
type SecurityReport struct {
	SigningAlgorithm       string
	AccessTTL              time.Duration
	RefreshTTL             time.Duration
	MaxTokensPerUser       int
	FingerprintRequired    bool
	PepperedTokenHashes    bool
	ReuseEscalationAfter   int
	AnomalyPatterns        []string
	AnomalyWindow          time.Duration
	AdmissionRule          string
	CSRFEnabled            bool
	AutomationThreshold    int
	TrustedProxyCount      int
	FailOpen               bool
	AuditAsync             bool
	AuditInflux            bool
	AlertDeliveryMQTT      bool
	MetricsEnabled         bool
	LatencyHistogramsReady bool
}

// SecurityReport reports effective values, with component defaults filled in.
func (g *Guard) SecurityReport() SecurityReport {
	if g == nil {
		return SecurityReport{}
	}
	c := g.cfg
	def := rotation.DefaultConfig()

	return SecurityReport{
		SigningAlgorithm:       strings.ToLower(c.JWT.SigningMethod),
		AccessTTL:              durationOr(c.Rotation.AccessTTL, def.AccessTTL),
		RefreshTTL:             durationOr(c.Rotation.RefreshTTL, def.RefreshTTL),
		MaxTokensPerUser:       intOr(c.Rotation.MaxTokensPerUser, def.MaxTokensPerUser),
		FingerprintRequired:    c.Rotation.RequireFingerprint,
		PepperedTokenHashes:    c.Token.Pepper != "",
		ReuseEscalationAfter:   intOr(c.Rotation.EscalationThreshold, def.EscalationThreshold),
		AnomalyPatterns:        g.detector.Patterns(),
		AnomalyWindow:          durationOr(c.Anomaly.Window, time.Hour),
		AdmissionRule:          c.Admission.Rule,
		CSRFEnabled:            c.Middleware.CSRFEnabled,
		AutomationThreshold:    c.Middleware.AutomationThreshold,
		TrustedProxyCount:      len(c.Middleware.TrustedProxies),
		FailOpen:               c.Middleware.FailOpen || c.RateLimit.FailOpen,
		AuditAsync:             g.dispatch != nil,
		AuditInflux:            c.Audit.Influx.Enabled,
		AlertDeliveryMQTT:      c.Notify.Enabled,
		MetricsEnabled:         c.Metrics.Enabled,
		LatencyHistogramsReady: c.Metrics.Enabled && c.Metrics.EnableLatencyHistograms,
	}
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
