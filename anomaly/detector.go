package anomaly

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/MrEthical07/sessionguard/audit"
	"github.com/MrEthical07/sessionguard/kv"
	"github.com/MrEthical07/sessionguard/metrics"
)

var (
	// ErrBlocked is returned to callers gating on a block record.
	ErrBlocked = errors.New("blocked by anomaly detection")
	// ErrChallengeRequired is returned to callers gating on a challenge flag.
	ErrChallengeRequired = errors.New("challenge required")
	// ErrMissingHandler is returned by New when an Action has no handler.
	ErrMissingHandler = errors.New("anomaly action without handler")
)

// Config tunes the detector.
type Config struct {
	Window             time.Duration `yaml:"window"`
	MaxEventsPerWindow int           `yaml:"max_events_per_window"`
	BlockDuration      time.Duration `yaml:"block_duration"`
	ChallengeDuration  time.Duration `yaml:"challenge_duration"`
	KeyPrefix          string        `yaml:"key_prefix"`
	DisabledPatterns   []string      `yaml:"disabled_patterns"`
}

// DefaultConfig returns a 60 minute window, 1000 events, 1 hour blocks.
func DefaultConfig() Config {
	return Config{
		Window:             60 * time.Minute,
		MaxEventsPerWindow: 1000,
		BlockDuration:      time.Hour,
		ChallengeDuration:  time.Hour,
		KeyPrefix:          "anomaly",
	}
}

// Detection is one triggered pattern.
type Detection struct {
	Pattern  string
	Severity audit.Severity
	Action   Action
	// Target is empty when only the user-agent window fired.
	Target Target
}

// PatternError records a pattern or action that failed during evaluation.
type PatternError struct {
	Pattern string
	Err     error
}

func (e PatternError) Error() string {
	return e.Pattern + ": " + e.Err.Error()
}

// Evaluation is the outcome of one TrackEvent call.
type Evaluation struct {
	Event     Event
	Evaluated int
	Triggered []Detection
	Errors    []PatternError
}

// Has reports whether the named pattern fired.
func (e *Evaluation) Has(pattern string) bool {
	if e == nil {
		return false
	}
	for _, d := range e.Triggered {
		if d.Pattern == pattern {
			return true
		}
	}
	return false
}

type actionHandler func(ctx context.Context, p Pattern, ev Event, t Target) error

type blockRecord struct {
	Reason    string    `json:"reason"`
	Pattern   string    `json:"pattern"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Detector tracks events and applies pattern actions.
type Detector struct {
	store    kv.Store
	cfg      Config
	patterns []Pattern
	handlers map[Action]actionHandler
	notifier Notifier
	audit    audit.Logger
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

func WithPatterns(p ...Pattern) Option {
	return func(d *Detector) { d.patterns = append([]Pattern(nil), p...) }
}

func WithNotifier(n Notifier) Option {
	return func(d *Detector) {
		if n != nil {
			d.notifier = n
		}
	}
}

func WithAudit(l audit.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.audit = l
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New builds a Detector over store. Zero config fields take their defaults.
func New(store kv.Store, cfg Config, opts ...Option) (*Detector, error) {
	if store == nil {
		return nil, errors.New("anomaly: nil store")
	}
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxEventsPerWindow <= 0 {
		cfg.MaxEventsPerWindow = def.MaxEventsPerWindow
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	if cfg.ChallengeDuration <= 0 {
		cfg.ChallengeDuration = def.ChallengeDuration
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}

	d := &Detector{
		store:    store,
		cfg:      cfg,
		patterns: DefaultPatterns(),
		notifier: nopNotifier{},
		audit:    audit.Discard,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.patterns = filterPatterns(d.patterns, cfg.DisabledPatterns)

	d.handlers = map[Action]actionHandler{
		ActionLog:       func(context.Context, Pattern, Event, Target) error { return nil },
		ActionAlert:     d.alert,
		ActionChallenge: d.challenge,
		ActionBlock:     d.block,
	}
	for a := Action(0); a < actionCount; a++ {
		if d.handlers[a] == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingHandler, a)
		}
	}
	for _, p := range d.patterns {
		if p.Check == nil || p.Name == "" {
			return nil, fmt.Errorf("anomaly: pattern %q has no check", p.Name)
		}
		if p.Action >= actionCount {
			return nil, fmt.Errorf("%w: %s", ErrMissingHandler, p.Action)
		}
	}
	return d, nil
}

func filterPatterns(patterns []Pattern, disabled []string) []Pattern {
	if len(disabled) == 0 {
		return patterns
	}
	skip := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		skip[name] = true
	}
	out := patterns[:0:0]
	for _, p := range patterns {
		if !skip[p.Name] {
			out = append(out, p)
		}
	}
	return out
}

// Patterns returns the names of the active patterns.
func (d *Detector) Patterns() []string {
	names := make([]string, len(d.patterns))
	for i, p := range d.patterns {
		names[i] = p.Name
	}
	return names
}

// Target is the subject an action lands on. A pattern that fires over the
// user window targets the user; one that fires over the IP window targets the
// IP. Actions never reach a subject whose own window did not fire.
type Target struct {
	UserID    string
	IPAddress string
}

func (t Target) empty() bool {
	return t.UserID == "" && t.IPAddress == ""
}

type scope struct {
	key    string
	target Target
}

// TrackEvent stores ev and evaluates every pattern separately over the window
// of each subject ev names: its user and its IP. The user-agent window is only
// evaluated for events carrying neither, and its detections cannot block or
// challenge anyone. Only a failure to store or read a window is returned as an
// error; pattern and action failures are reported in the Evaluation.
func (d *Detector) TrackEvent(ctx context.Context, ev Event) (*Evaluation, error) {
	start := time.Now()
	defer d.metrics.Since(metrics.DetectionLatency, start)

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("anomaly: encode event: %w", err)
	}

	keys := d.eventKeys(ev)
	if len(keys) == 0 {
		return &Evaluation{Event: ev}, nil
	}

	nowMs := float64(d.now().UnixMilli())
	cutoff := nowMs - float64(d.cfg.Window.Milliseconds())
	for _, key := range keys {
		if _, err := d.store.ZRemRangeByScore(ctx, key, math.Inf(-1), cutoff); err != nil {
			return nil, err
		}
		if err := d.store.ZAdd(ctx, key, float64(ev.Timestamp.UnixMilli()), string(payload)); err != nil {
			return nil, err
		}
		if err := d.store.Expire(ctx, key, d.cfg.Window); err != nil {
			return nil, err
		}
	}
	d.metrics.Inc(metrics.AnomalyEventTracked)

	scopes := d.scopes(ev)
	windows := make([][]Event, len(scopes))
	seen := make(map[string]struct{})
	for i, sc := range scopes {
		if windows[i], err = d.window(ctx, sc.key, cutoff); err != nil {
			return nil, err
		}
		for _, e := range windows[i] {
			seen[e.ID] = struct{}{}
		}
	}

	eval := &Evaluation{Event: ev, Evaluated: len(seen)}
	for _, p := range d.patterns {
		var (
			hit    bool
			target Target
			failed error
		)
		for i, sc := range scopes {
			ok, err := runCheck(p, windows[i])
			if err != nil {
				failed = err
				break
			}
			if !ok {
				continue
			}
			hit = true
			if sc.target.UserID != "" {
				target.UserID = sc.target.UserID
			}
			if sc.target.IPAddress != "" {
				target.IPAddress = sc.target.IPAddress
			}
		}
		if failed != nil {
			d.metrics.Inc(metrics.AnomalyPatternError)
			d.logger.WarnContext(ctx, "anomaly pattern failed", "pattern", p.Name, "error", failed)
			eval.Errors = append(eval.Errors, PatternError{Pattern: p.Name, Err: failed})
			continue
		}
		if !hit {
			continue
		}

		eval.Triggered = append(eval.Triggered, Detection{Pattern: p.Name, Severity: p.Severity, Action: p.Action, Target: target})
		d.recordDetection(ctx, p, ev, target)
		if err := d.handlers[p.Action](ctx, p, ev, target); err != nil {
			d.logger.ErrorContext(ctx, "anomaly action failed", "pattern", p.Name, "action", p.Action.String(), "error", err)
			eval.Errors = append(eval.Errors, PatternError{Pattern: p.Name, Err: err})
		}
	}
	return eval, nil
}

func runCheck(p Pattern, events []Event) (hit bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			hit = false
			err = fmt.Errorf("pattern panicked: %v", r)
		}
	}()
	return p.Check(events)
}

func (d *Detector) recordDetection(ctx context.Context, p Pattern, ev Event, t Target) {
	d.metrics.Inc(metrics.AnomalyDetected)

	attrs := []any{
		"pattern", p.Name,
		"severity", string(p.Severity),
		"action", p.Action.String(),
		"event_type", string(ev.Type),
		"user_id", ev.UserID,
		"ip", ev.IPAddress,
		"target_user", t.UserID,
		"target_ip", t.IPAddress,
	}
	if p.Severity == audit.SeverityCritical {
		d.logger.ErrorContext(ctx, "anomaly detected", attrs...)
	} else {
		d.logger.WarnContext(ctx, "anomaly detected", attrs...)
	}

	d.audit.Log(ctx, audit.Event{
		Type:        audit.EventAnomalyDetected,
		Severity:    p.Severity,
		Description: p.Description,
		UserID:      ev.UserID,
		IP:          ev.IPAddress,
		Metadata: map[string]string{
			"pattern":    p.Name,
			"action":     p.Action.String(),
			"event_type": string(ev.Type),
		},
	})
}

func (d *Detector) block(ctx context.Context, p Pattern, _ Event, t Target) error {
	if t.empty() {
		return nil
	}
	now := d.now().UTC()
	rec, err := json.Marshal(blockRecord{
		Reason:    p.Description,
		Pattern:   p.Name,
		CreatedAt: now,
		ExpiresAt: now.Add(d.cfg.BlockDuration),
	})
	if err != nil {
		return err
	}

	var errs []error
	if t.UserID != "" {
		errs = append(errs, d.store.Set(ctx, d.blockUserKey(t.UserID), string(rec), d.cfg.BlockDuration))
	}
	if t.IPAddress != "" {
		errs = append(errs, d.store.Set(ctx, d.blockIPKey(t.IPAddress), string(rec), d.cfg.BlockDuration))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	d.metrics.Inc(metrics.UserBlocked)
	d.audit.Log(ctx, audit.Event{
		Type:        audit.EventUserBlocked,
		Severity:    p.Severity,
		Description: fmt.Sprintf("blocked for %s by %s", d.cfg.BlockDuration, p.Name),
		UserID:      t.UserID,
		IP:          t.IPAddress,
		Metadata:    map[string]string{"pattern": p.Name},
	})
	return nil
}

func (d *Detector) challenge(ctx context.Context, p Pattern, ev Event, t Target) error {
	if t.UserID == "" {
		return nil
	}
	now := d.now().UTC()
	rec, err := json.Marshal(blockRecord{
		Reason:    p.Description,
		Pattern:   p.Name,
		CreatedAt: now,
		ExpiresAt: now.Add(d.cfg.ChallengeDuration),
	})
	if err != nil {
		return err
	}
	if err := d.store.Set(ctx, d.challengeKey(t.UserID), string(rec), d.cfg.ChallengeDuration); err != nil {
		return err
	}

	d.metrics.Inc(metrics.ChallengeIssued)
	d.audit.Log(ctx, audit.Event{
		Type:        audit.EventChallengeIssued,
		Severity:    p.Severity,
		Description: "challenge required by " + p.Name,
		UserID:      t.UserID,
		IP:          ev.IPAddress,
		Metadata:    map[string]string{"pattern": p.Name},
	})
	return nil
}

func (d *Detector) alert(ctx context.Context, p Pattern, ev Event, _ Target) error {
	err := d.notifier.Notify(ctx, Alert{
		Pattern:     p.Name,
		Description: p.Description,
		Severity:    p.Severity,
		UserID:      ev.UserID,
		IPAddress:   ev.IPAddress,
		EventType:   ev.Type,
		Timestamp:   ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	d.metrics.Inc(metrics.AlertSent)
	return nil
}

// IsBlocked reports whether a block record exists for the user or the IP.
// Empty arguments are skipped.
func (d *Detector) IsBlocked(ctx context.Context, userID, ip string) (bool, error) {
	if userID != "" {
		if ok, err := d.exists(ctx, d.blockUserKey(userID)); err != nil || ok {
			return ok, err
		}
	}
	if ip != "" {
		return d.exists(ctx, d.blockIPKey(ip))
	}
	return false, nil
}

// RequiresChallenge reports whether the user carries a challenge flag.
func (d *Detector) RequiresChallenge(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	return d.exists(ctx, d.challengeKey(userID))
}

// ClearBlock removes block records for the user and IP.
func (d *Detector) ClearBlock(ctx context.Context, userID, ip string) error {
	var keys []string
	if userID != "" {
		keys = append(keys, d.blockUserKey(userID))
	}
	if ip != "" {
		keys = append(keys, d.blockIPKey(ip))
	}
	return d.store.Del(ctx, keys...)
}

// ClearChallenge removes the user's challenge flag, typically after the user
// passed the challenge.
func (d *Detector) ClearChallenge(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	return d.store.Del(ctx, d.challengeKey(userID))
}

func (d *Detector) exists(ctx context.Context, key string) (bool, error) {
	_, err := d.store.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// window reads one subject's events, oldest first, capped at
// MaxEventsPerWindow most recent.
func (d *Detector) window(ctx context.Context, key string, cutoff float64) ([]Event, error) {
	members, err := d.store.ZRangeByScore(ctx, key, cutoff, math.Inf(1))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(members))
	events := make([]Event, 0, len(members))
	for _, m := range members {
		var ev Event
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			d.logger.WarnContext(ctx, "skipping undecodable anomaly event", "key", key, "error", err)
			continue
		}
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		seen[ev.ID] = struct{}{}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	if len(events) > d.cfg.MaxEventsPerWindow {
		events = events[len(events)-d.cfg.MaxEventsPerWindow:]
	}
	return events, nil
}

func (d *Detector) scopes(ev Event) []scope {
	var out []scope
	if ev.UserID != "" {
		out = append(out, scope{key: d.userEventsKey(ev.UserID), target: Target{UserID: ev.UserID}})
	}
	if ev.IPAddress != "" {
		out = append(out, scope{key: d.ipEventsKey(ev.IPAddress), target: Target{IPAddress: ev.IPAddress}})
	}
	if len(out) == 0 && ev.UserAgent != "" {
		out = append(out, scope{key: d.uaEventsKey(ev.UserAgent)})
	}
	return out
}

func (d *Detector) eventKeys(ev Event) []string {
	keys := make([]string, 0, 3)
	if ev.UserID != "" {
		keys = append(keys, d.userEventsKey(ev.UserID))
	}
	if ev.IPAddress != "" {
		keys = append(keys, d.ipEventsKey(ev.IPAddress))
	}
	if ev.UserAgent != "" {
		keys = append(keys, d.uaEventsKey(ev.UserAgent))
	}
	return keys
}

func (d *Detector) userEventsKey(userID string) string {
	return d.cfg.KeyPrefix + ":events:user:" + userID
}

func (d *Detector) ipEventsKey(ip string) string {
	return d.cfg.KeyPrefix + ":events:ip:" + ip
}

func (d *Detector) uaEventsKey(ua string) string {
	return d.cfg.KeyPrefix + ":events:ua:" + uaDigest(ua)
}

func (d *Detector) blockUserKey(userID string) string {
	return d.cfg.KeyPrefix + ":block:user:" + userID
}

func (d *Detector) blockIPKey(ip string) string {
	return d.cfg.KeyPrefix + ":block:ip:" + ip
}

func (d *Detector) challengeKey(userID string) string {
	return d.cfg.KeyPrefix + ":challenge:user:" + userID
}

func uaDigest(ua string) string {
	sum := blake2b.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:16])
}
