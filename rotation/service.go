package rotation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrEthical07/sessionguard/anomaly"
	"github.com/MrEthical07/sessionguard/audit"
	"github.com/MrEthical07/sessionguard/metrics"
	"github.com/MrEthical07/sessionguard/token"
)

// Issuer signs access tokens.
type Issuer interface {
	GenerateToken(claims map[string]any, ttl time.Duration) (string, error)
}

// SignalTracker receives security signals raised during rotation.
// *anomaly.Detector satisfies it.
type SignalTracker interface {
	TrackEvent(ctx context.Context, event anomaly.Event) (*anomaly.Evaluation, error)
}

// Config tunes lifetimes and reuse handling.
type Config struct {
	AccessTTL          time.Duration `yaml:"access_ttl"`
	RefreshTTL         time.Duration `yaml:"refresh_ttl"`
	MaxTokensPerUser   int           `yaml:"max_tokens_per_user"`
	RequireFingerprint bool          `yaml:"require_fingerprint"`
	// SuspiciousWindow bounds the look-back for repeated compromises.
	SuspiciousWindow time.Duration `yaml:"suspicious_window"`
	// EscalationThreshold is the number of distinct compromised families
	// inside SuspiciousWindow that escalates a replay.
	EscalationThreshold int `yaml:"escalation_threshold"`
}

// DefaultConfig returns 15 minute access tokens, 7 day refresh tokens and a
// cap of 10 live refresh tokens per user.
func DefaultConfig() Config {
	return Config{
		AccessTTL:           15 * time.Minute,
		RefreshTTL:          7 * 24 * time.Hour,
		MaxTokensPerUser:    10,
		SuspiciousWindow:    24 * time.Hour,
		EscalationThreshold: 2,
	}
}

// TokenPair is handed to the client after login or refresh. RefreshToken is
// the only copy of the opaque value; the store keeps its digest.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	UserID           string    `json:"user_id"`
	FamilyID         string    `json:"family_id"`
	TokenID          string    `json:"token_id"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Service implements token pair creation, rotation and revocation.
type Service struct {
	store    token.Store
	issuer   Issuer
	hasher   token.Hasher
	cfg      Config
	signals  SignalTracker
	audit    audit.Logger
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newValue func() (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithHasher sets the digest used to key refresh tokens at rest.
func WithHasher(h token.Hasher) Option {
	return func(s *Service) { s.hasher = h }
}

func WithSignals(t SignalTracker) Option {
	return func(s *Service) { s.signals = t }
}

func WithAudit(l audit.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.audit = l
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service. Zero config fields take their defaults.
func New(store token.Store, issuer Issuer, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("rotation: nil token store")
	}
	if issuer == nil {
		return nil, errors.New("rotation: nil issuer")
	}
	def := DefaultConfig()
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = def.AccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = def.RefreshTTL
	}
	if cfg.MaxTokensPerUser <= 0 {
		cfg.MaxTokensPerUser = def.MaxTokensPerUser
	}
	if cfg.SuspiciousWindow <= 0 {
		cfg.SuspiciousWindow = def.SuspiciousWindow
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = def.EscalationThreshold
	}

	s := &Service{
		store:    store,
		issuer:   issuer,
		cfg:      cfg,
		audit:    audit.Discard,
		logger:   slog.Default(),
		now:      time.Now,
		newValue: token.NewValue,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateTokenPair opens a new family for userID and returns its first pair.
// When the user already holds MaxTokensPerUser live refresh tokens the oldest
// are revoked as expired to make room.
func (s *Service) CreateTokenPair(ctx context.Context, userID string, claims map[string]any, device token.DeviceInfo) (*TokenPair, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if s.cfg.RequireFingerprint && device.Fingerprint == "" {
		return nil, ErrMissingFingerprint
	}

	if err := s.enforceCap(ctx, userID); err != nil {
		return nil, err
	}

	pair, rt, err := s.issue(userID, uuid.NewString(), claims, device)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, rt); err != nil {
		return nil, fmt.Errorf("create refresh token: %w", err)
	}

	s.metrics.Inc(metrics.TokenPairCreated)
	s.logger.InfoContext(ctx, "token family opened", "user_id", userID, "family_id", rt.FamilyID)
	return pair, nil
}

func (s *Service) enforceCap(ctx context.Context, userID string) error {
	active, err := s.store.FindActiveTokensByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list active tokens: %w", err)
	}
	excess := len(active) - s.cfg.MaxTokensPerUser + 1
	for i := 0; i < excess && i < len(active); i++ {
		err := s.store.RevokeToken(ctx, active[i].ID, token.ReasonExpired)
		if err != nil && !errors.Is(err, token.ErrAlreadyRevoked) && !errors.Is(err, token.ErrNotFound) {
			return fmt.Errorf("evict oldest token: %w", err)
		}
		s.metrics.Inc(metrics.TokenRevoked)
	}
	if excess > 0 {
		s.logger.InfoContext(ctx, "evicted oldest refresh tokens", "user_id", userID, "count", excess)
	}
	return nil
}

// issue mints the values for one link. The access token is signed before
// anything is persisted so a signing failure leaves no trace in the store.
func (s *Service) issue(userID, familyID string, claims map[string]any, device token.DeviceInfo) (*TokenPair, token.RefreshToken, error) {
	value, err := s.newValue()
	if err != nil {
		return nil, token.RefreshToken{}, fmt.Errorf("generate refresh value: %w", err)
	}

	now := s.now().UTC()
	tokenID := uuid.NewString()
	access, err := s.issuer.GenerateToken(accessClaims(claims, userID, familyID, device.Fingerprint), s.cfg.AccessTTL)
	if err != nil {
		return nil, token.RefreshToken{}, fmt.Errorf("issue access token: %w", err)
	}

	rt := token.RefreshToken{
		ID:                tokenID,
		UserID:            userID,
		TokenHash:         s.hasher.Hash(value),
		FamilyID:          familyID,
		DeviceFingerprint: device.Fingerprint,
		UserAgent:         device.UserAgent,
		IPAddress:         device.IPAddress,
		ExpiresAt:         now.Add(s.cfg.RefreshTTL),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	pair := &TokenPair{
		AccessToken:      access,
		RefreshToken:     value,
		TokenType:        "Bearer",
		UserID:           userID,
		FamilyID:         familyID,
		TokenID:          tokenID,
		AccessExpiresAt:  now.Add(s.cfg.AccessTTL),
		RefreshExpiresAt: rt.ExpiresAt,
	}
	return pair, rt, nil
}

// accessClaims layers the reserved claims over extra. dfp carries the device
// fingerprint so request middleware can compare it without a store lookup.
func accessClaims(extra map[string]any, userID, familyID, fingerprint string) map[string]any {
	out := make(map[string]any, len(extra)+5)
	for k, v := range extra {
		out[k] = v
	}
	out["sub"] = userID
	out["fid"] = familyID
	out["jti"] = uuid.NewString()
	out["typ"] = "access"
	if fingerprint != "" {
		out["dfp"] = fingerprint
	} else {
		delete(out, "dfp")
	}
	return out
}

// RotateTokens exchanges a refresh value for a new pair in the same family.
func (s *Service) RotateTokens(ctx context.Context, value string, claims map[string]any, device token.DeviceInfo) (*TokenPair, error) {
	start := time.Now()
	defer s.metrics.Since(metrics.RotationLatency, start)

	pair, err := s.rotate(ctx, value, claims, device)
	if err != nil {
		s.metrics.Inc(metrics.RotationFailure)
		return nil, err
	}
	s.metrics.Inc(metrics.RotationSuccess)
	return pair, nil
}

func (s *Service) rotate(ctx context.Context, value string, claims map[string]any, device token.DeviceInfo) (*TokenPair, error) {
	if token.ParseValue(value) != nil {
		return nil, ErrInvalidToken
	}

	cur, err := s.store.FindByToken(ctx, s.hasher.Hash(value))
	if errors.Is(err, token.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}

	if cur.IsRevoked {
		if cur.IsOrphan() {
			succ, err := s.hasSuccessor(ctx, *cur)
			if err != nil {
				s.logger.WarnContext(ctx, "successor lookup failed", "token_id", cur.ID, "error", err)
			}
			if err == nil && !succ {
				return nil, s.handleOrphan(ctx, *cur)
			}
		}
		return nil, s.handleReuse(ctx, *cur, device)
	}

	if cur.IsExpired(s.now()) {
		s.signal(ctx, *cur, device, anomaly.EventTokenExpired)
		return nil, ErrTokenExpired
	}

	if s.cfg.RequireFingerprint {
		if device.Fingerprint == "" {
			return nil, ErrMissingFingerprint
		}
		if !sameFingerprint(cur.DeviceFingerprint, device.Fingerprint) {
			return nil, s.handleDeviceMismatch(ctx, *cur, device)
		}
	}

	pair, next, err := s.issue(cur.UserID, cur.FamilyID, claims, device)
	if err != nil {
		return nil, err
	}
	next.ParentID = cur.ID

	if err := s.persistRotation(ctx, *cur, next); err != nil {
		if errors.Is(err, token.ErrAlreadyRevoked) || errors.Is(err, token.ErrAlreadyRotated) {
			// another request rotated the same value first
			return nil, s.handleReuse(ctx, *cur, device)
		}
		return nil, err
	}

	s.logger.DebugContext(ctx, "refresh token rotated", "user_id", cur.UserID, "family_id", cur.FamilyID, "token_id", next.ID)
	return pair, nil
}

func (s *Service) persistRotation(ctx context.Context, old, next token.RefreshToken) error {
	if r, ok := s.store.(token.Rotator); ok {
		if err := r.RotateToken(ctx, old, next); err != nil {
			if errors.Is(err, token.ErrAlreadyRevoked) || errors.Is(err, token.ErrAlreadyRotated) {
				return err
			}
			return fmt.Errorf("rotate refresh token: %w", err)
		}
		return nil
	}

	// The successor is written before old is revoked, so anyone who finds
	// old revoked as rotated can also find the token that replaced it.
	if err := s.store.Create(ctx, next); err != nil {
		return fmt.Errorf("create successor token: %w", err)
	}
	if err := s.store.RevokeToken(ctx, old.ID, token.ReasonRotated); err != nil {
		s.discardSuccessor(ctx, next)
		if errors.Is(err, token.ErrAlreadyRevoked) {
			return err
		}
		return fmt.Errorf("revoke rotated token: %w", err)
	}
	revoked, err := s.store.FindByID(ctx, old.ID)
	if err != nil {
		return fmt.Errorf("reload rotated token: %w", err)
	}
	linked := revoked.Touch(s.now().UTC())
	linked.ChildID = next.ID
	if err := s.store.Update(ctx, linked); err != nil {
		return fmt.Errorf("link successor token: %w", err)
	}

	// A concurrent presentation of old may have closed the family between
	// Create and here.
	succ, err := s.store.FindByID(ctx, next.ID)
	if err != nil {
		return fmt.Errorf("reload successor token: %w", err)
	}
	if succ.IsRevoked {
		s.logger.WarnContext(ctx, "family revoked during rotation", "family_id", next.FamilyID, "token_id", next.ID)
		// the link above may have rewritten old with its pre-compromise state
		if _, err := s.store.RevokeFamily(ctx, next.FamilyID, token.ReasonFamilyCompromised); err != nil {
			s.logger.ErrorContext(ctx, "relabel compromised family failed", "family_id", next.FamilyID, "error", err)
		}
		return fmt.Errorf("%w: family revoked during rotation", ErrTokenReplay)
	}
	return nil
}

func (s *Service) discardSuccessor(ctx context.Context, next token.RefreshToken) {
	err := s.store.RevokeToken(ctx, next.ID, token.ReasonSuspiciousActivity)
	if err != nil && !errors.Is(err, token.ErrAlreadyRevoked) {
		s.logger.ErrorContext(ctx, "discard unused successor failed", "token_id", next.ID, "error", err)
	}
}

// hasSuccessor reports whether a family member names rt as its parent, which
// means rt was rotated and its link is still being written.
func (s *Service) hasSuccessor(ctx context.Context, rt token.RefreshToken) (bool, error) {
	members, err := s.store.FindByFamilyID(ctx, rt.FamilyID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.ParentID == rt.ID {
			return true, nil
		}
	}
	return false, nil
}

func sameFingerprint(stored, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

func (s *Service) handleReuse(ctx context.Context, rt token.RefreshToken, device token.DeviceInfo) error {
	s.metrics.Inc(metrics.ReplayDetected)

	n, revokeErr := s.store.RevokeFamily(ctx, rt.FamilyID, token.ReasonFamilyCompromised)
	if revokeErr == nil {
		s.metrics.Inc(metrics.FamilyCompromised)
	}

	s.logger.ErrorContext(ctx, "refresh token reuse detected",
		"severity", string(audit.SeverityCritical),
		"user_id", rt.UserID,
		"family_id", rt.FamilyID,
		"token_id", rt.ID,
		"revoked", n,
		"error", ErrFamilyCompromised,
	)
	s.signal(ctx, rt, device, anomaly.EventTokenRevoked)
	s.audit.Log(ctx, audit.Event{
		Type:        audit.EventTokenReplay,
		Severity:    audit.SeverityCritical,
		Description: "revoked refresh token presented, family revoked",
		UserID:      rt.UserID,
		FamilyID:    rt.FamilyID,
		IP:          device.IPAddress,
		Metadata: map[string]string{
			"token_id":      rt.ID,
			"revoked_count": fmt.Sprint(n),
			"prior_reason":  rt.RevokedReason.String(),
		},
	})

	if revokeErr != nil {
		return fmt.Errorf("%w: revoke family: %w", ErrTokenReplay, revokeErr)
	}
	s.checkEscalation(ctx, rt, device)
	return ErrTokenReplay
}

// checkEscalation raises a second, louder signal when the same user lost
// several families within SuspiciousWindow.
func (s *Service) checkEscalation(ctx context.Context, rt token.RefreshToken, device token.DeviceInfo) {
	suspicious, err := s.store.FindSuspiciousActivity(ctx, rt.UserID, s.cfg.SuspiciousWindow)
	if err != nil {
		s.logger.WarnContext(ctx, "suspicious activity lookup failed", "user_id", rt.UserID, "error", err)
		return
	}
	families := make(map[string]struct{})
	for _, t := range suspicious {
		if t.RevokedReason == token.ReasonFamilyCompromised {
			families[t.FamilyID] = struct{}{}
		}
	}
	if len(families) < s.cfg.EscalationThreshold {
		return
	}

	s.metrics.Inc(metrics.ReuseEscalated)
	s.logger.ErrorContext(ctx, "repeated refresh token reuse",
		"severity", string(audit.SeverityCritical),
		"user_id", rt.UserID,
		"families", len(families),
		"window", s.cfg.SuspiciousWindow.String(),
	)
	s.audit.Log(ctx, audit.Event{
		Type:        audit.EventReuseEscalated,
		Severity:    audit.SeverityCritical,
		Description: fmt.Sprintf("%d token families compromised within %s", len(families), s.cfg.SuspiciousWindow),
		UserID:      rt.UserID,
		FamilyID:    rt.FamilyID,
		IP:          device.IPAddress,
		Metadata:    map[string]string{"families": fmt.Sprint(len(families))},
	})
}

func (s *Service) handleOrphan(ctx context.Context, rt token.RefreshToken) error {
	s.metrics.Inc(metrics.OrphanedRotation)
	n, err := s.store.RevokeFamily(ctx, rt.FamilyID, token.ReasonExpired)
	if err != nil {
		s.logger.ErrorContext(ctx, "revoke orphaned family failed", "family_id", rt.FamilyID, "error", err)
	}
	s.logger.WarnContext(ctx, "orphaned refresh token presented", "user_id", rt.UserID, "family_id", rt.FamilyID, "revoked", n)
	s.audit.Log(ctx, audit.Event{
		Type:        audit.EventOrphanedRotation,
		Severity:    audit.SeverityMedium,
		Description: "interrupted rotation, family closed",
		UserID:      rt.UserID,
		FamilyID:    rt.FamilyID,
		Metadata:    map[string]string{"token_id": rt.ID},
	})
	return ErrInvalidToken
}

func (s *Service) handleDeviceMismatch(ctx context.Context, rt token.RefreshToken, device token.DeviceInfo) error {
	s.metrics.Inc(metrics.DeviceMismatch)
	if err := s.store.RevokeToken(ctx, rt.ID, token.ReasonSuspiciousActivity); err != nil && !errors.Is(err, token.ErrAlreadyRevoked) {
		s.logger.ErrorContext(ctx, "revoke mismatched token failed", "token_id", rt.ID, "error", err)
	}
	s.signal(ctx, rt, device, anomaly.EventSessionMismatch)
	s.audit.Log(ctx, audit.Event{
		Type:        audit.EventDeviceMismatch,
		Severity:    audit.SeverityHigh,
		Description: "refresh token presented from a different device",
		UserID:      rt.UserID,
		FamilyID:    rt.FamilyID,
		IP:          device.IPAddress,
		Metadata:    map[string]string{"token_id": rt.ID},
	})
	return ErrDeviceMismatch
}

func (s *Service) signal(ctx context.Context, rt token.RefreshToken, device token.DeviceInfo, typ anomaly.EventType) {
	if s.signals == nil {
		return
	}
	ip := device.IPAddress
	if ip == "" {
		ip = rt.IPAddress
	}
	_, err := s.signals.TrackEvent(ctx, anomaly.Event{
		UserID:    rt.UserID,
		IPAddress: ip,
		UserAgent: device.UserAgent,
		Type:      typ,
		Timestamp: s.now(),
		Metadata:  map[string]string{"family_id": rt.FamilyID},
	})
	if err != nil {
		s.logger.WarnContext(ctx, "anomaly signal failed", "event_type", string(typ), "error", err)
	}
}

// RevokeToken revokes the token behind value. Revoking an already revoked
// token returns token.ErrAlreadyRevoked.
func (s *Service) RevokeToken(ctx context.Context, value string, reason token.RevokeReason) error {
	if !reason.Valid() {
		return token.ErrInvalidReason
	}
	if token.ParseValue(value) != nil {
		return ErrInvalidToken
	}
	rt, err := s.store.FindByToken(ctx, s.hasher.Hash(value))
	if errors.Is(err, token.ErrNotFound) {
		return ErrInvalidToken
	}
	if err != nil {
		return fmt.Errorf("find refresh token: %w", err)
	}
	if err := s.store.RevokeToken(ctx, rt.ID, reason); err != nil {
		if errors.Is(err, token.ErrAlreadyRevoked) {
			return err
		}
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	s.metrics.Inc(metrics.TokenRevoked)
	s.logger.InfoContext(ctx, "refresh token revoked", "user_id", rt.UserID, "token_id", rt.ID, "reason", reason.String())
	return nil
}

// FamilyActive reports whether familyID still has an unrevoked member. An
// access token is only worth honouring while its family is alive.
func (s *Service) FamilyActive(ctx context.Context, familyID string) (bool, error) {
	if familyID == "" {
		return false, nil
	}
	members, err := s.store.FindByFamilyID(ctx, familyID)
	if err != nil {
		return false, fmt.Errorf("find token family: %w", err)
	}
	for _, m := range members {
		if !m.IsRevoked {
			return true, nil
		}
	}
	return false, nil
}

// RevokeTokenFamily revokes every member of familyID and returns how many
// members were touched.
func (s *Service) RevokeTokenFamily(ctx context.Context, familyID string, reason token.RevokeReason) (int, error) {
	n, err := s.store.RevokeFamily(ctx, familyID, reason)
	if err != nil {
		return n, fmt.Errorf("revoke family: %w", err)
	}
	s.metrics.Add(metrics.TokenRevoked, uint64(n))
	if reason == token.ReasonFamilyCompromised {
		s.metrics.Inc(metrics.FamilyCompromised)
		s.audit.Log(ctx, audit.Event{
			Type:        audit.EventTokenReplay,
			Severity:    audit.SeverityCritical,
			Description: "token family revoked as compromised",
			FamilyID:    familyID,
			Metadata:    map[string]string{"revoked_count": fmt.Sprint(n)},
		})
	}
	s.logger.InfoContext(ctx, "token family revoked", "family_id", familyID, "reason", reason.String(), "count", n)
	return n, nil
}

// RevokeAllUserTokens revokes every live refresh token of userID, for
// example on password change, and returns the count.
func (s *Service) RevokeAllUserTokens(ctx context.Context, userID string, reason token.RevokeReason) (int, error) {
	n, err := s.store.RevokeAllUserTokens(ctx, userID, reason)
	if err != nil {
		return n, fmt.Errorf("revoke user tokens: %w", err)
	}
	s.metrics.Add(metrics.TokenRevoked, uint64(n))
	s.logger.InfoContext(ctx, "user refresh tokens revoked", "user_id", userID, "reason", reason.String(), "count", n)
	return n, nil
}

// GetTokenChain returns the lineage containing tokenID, root first.
func (s *Service) GetTokenChain(ctx context.Context, tokenID string) ([]token.RefreshToken, error) {
	chain, err := s.store.GetTokenChain(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("token chain: %w", err)
	}
	return chain, nil
}

// CleanupExpiredTokens deletes expired tokens and returns how many were
// removed. Failures are logged, never returned.
func (s *Service) CleanupExpiredTokens(ctx context.Context) int {
	n, err := s.store.DeleteExpiredTokens(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "expired token cleanup incomplete", "removed", n, "error", err)
	}
	s.metrics.Add(metrics.TokensCleaned, uint64(n))
	return n
}
