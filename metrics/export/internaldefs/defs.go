package internaldefs

import (
	"github.com/MrEthical07/sessionguard/metrics"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   metrics.ID
	Name string
	Help string
}

// HistogramDef names one exported latency histogram.
type HistogramDef struct {
	ID   metrics.ID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: metrics.TokenPairCreated, Name: "sessionguard_token_pair_created_total", Help: "Token pairs issued at login."},
	{ID: metrics.RotationSuccess, Name: "sessionguard_rotation_success_total", Help: "Successful refresh-token rotations."},
	{ID: metrics.RotationFailure, Name: "sessionguard_rotation_failure_total", Help: "Rejected refresh-token rotations."},
	{ID: metrics.ReplayDetected, Name: "sessionguard_replay_detected_total", Help: "Presentations of an already revoked refresh token."},
	{ID: metrics.ReuseEscalated, Name: "sessionguard_reuse_escalated_total", Help: "Users with repeated family compromise inside the escalation window."},
	{ID: metrics.FamilyCompromised, Name: "sessionguard_family_compromised_total", Help: "Token families revoked after replay."},
	{ID: metrics.DeviceMismatch, Name: "sessionguard_device_mismatch_total", Help: "Rotations rejected for a device fingerprint mismatch."},
	{ID: metrics.OrphanedRotation, Name: "sessionguard_orphaned_rotation_total", Help: "Rotations found interrupted between revoke and create."},
	{ID: metrics.TokenRevoked, Name: "sessionguard_token_revoked_total", Help: "Refresh tokens revoked outside rotation."},
	{ID: metrics.TokensCleaned, Name: "sessionguard_tokens_cleaned_total", Help: "Expired refresh tokens deleted."},
	{ID: metrics.AnomalyEventTracked, Name: "sessionguard_anomaly_event_tracked_total", Help: "Security events fed to the anomaly detector."},
	{ID: metrics.AnomalyDetected, Name: "sessionguard_anomaly_detected_total", Help: "Anomaly pattern detections."},
	{ID: metrics.AnomalyPatternError, Name: "sessionguard_anomaly_pattern_error_total", Help: "Anomaly pattern checks that failed or panicked."},
	{ID: metrics.UserBlocked, Name: "sessionguard_user_blocked_total", Help: "Block records written by the anomaly detector."},
	{ID: metrics.ChallengeIssued, Name: "sessionguard_challenge_issued_total", Help: "Challenge flags written by the anomaly detector."},
	{ID: metrics.AlertSent, Name: "sessionguard_alert_sent_total", Help: "Alerts handed to the notifier."},
	{ID: metrics.RateLimitAllowed, Name: "sessionguard_rate_limit_allowed_total", Help: "Requests admitted by a rate limiter."},
	{ID: metrics.RateLimitHit, Name: "sessionguard_rate_limit_hit_total", Help: "Requests rejected by a rate limiter."},
	{ID: metrics.BanIssued, Name: "sessionguard_ban_issued_total", Help: "Temporary bans issued."},
	{ID: metrics.BanRejected, Name: "sessionguard_ban_rejected_total", Help: "Requests rejected because the caller is banned or blocked."},
	{ID: metrics.MiddlewareIntegrityRejected, Name: "sessionguard_middleware_integrity_rejected_total", Help: "Requests rejected for content type or size."},
	{ID: metrics.MiddlewareCSRFRejected, Name: "sessionguard_middleware_csrf_rejected_total", Help: "Requests rejected by CSRF verification."},
	{ID: metrics.MiddlewareAutomationChallenged, Name: "sessionguard_middleware_automation_challenged_total", Help: "Requests answered with an automation challenge."},
	{ID: metrics.MiddlewareFingerprintMismatch, Name: "sessionguard_middleware_fingerprint_mismatch_total", Help: "Requests whose device fingerprint differed from the session."},
	{ID: metrics.MiddlewareDenied, Name: "sessionguard_middleware_denied_total", Help: "Handler responses with status 401 or 403."},
}

// HistogramDefs lists every exported latency histogram.
var HistogramDefs = []HistogramDef{
	{ID: metrics.RotationLatency, Name: "sessionguard_rotation_latency_seconds", Help: "Refresh-token rotation latency."},
	{ID: metrics.DetectionLatency, Name: "sessionguard_detection_latency_seconds", Help: "Anomaly event tracking latency."},
}

// HistogramBounds are the upper bounds of the eight latency buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds spelled for instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to eight buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
