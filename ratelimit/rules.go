package ratelimit

import (
	"fmt"
	"net/http"
	"time"
)

// Preset rule names.
const (
	RuleLogin         = "login"
	RuleAPI           = "api"
	RulePins          = "pins"
	RuleRegister      = "register"
	RulePasswordReset = "passwordReset"
	RuleFileUpload    = "fileUpload"
	RuleSearch        = "search"
	RuleReports       = "reports"
	RuleStreaming     = "streaming"
	RuleWebhook       = "webhook"
)

// Rule is one named budget: at most Max hits per Window per subject.
// KeyFunc picks the subject from a request; nil means the authenticated user
// when one is known and the client IP otherwise.
type Rule struct {
	Name    string
	Window  time.Duration
	Max     int
	KeyFunc func(r *http.Request) string
}

func (r Rule) validate() error {
	if r.Name == "" || r.Window <= 0 || r.Max <= 0 {
		return fmt.Errorf("%w: %q window=%s max=%d", ErrInvalidRule, r.Name, r.Window, r.Max)
	}
	return nil
}

// DefaultRules returns the preset budgets.
func DefaultRules() map[string]Rule {
	rules := []Rule{
		{Name: RuleLogin, Window: 15 * time.Minute, Max: 5},
		{Name: RuleAPI, Window: time.Minute, Max: 100},
		{Name: RulePins, Window: 5 * time.Minute, Max: 10},
		{Name: RuleRegister, Window: time.Hour, Max: 3},
		{Name: RulePasswordReset, Window: time.Hour, Max: 3},
		{Name: RuleFileUpload, Window: time.Hour, Max: 20},
		{Name: RuleSearch, Window: time.Minute, Max: 30},
		{Name: RuleReports, Window: time.Hour, Max: 10},
		{Name: RuleStreaming, Window: time.Minute, Max: 5},
		{Name: RuleWebhook, Window: time.Minute, Max: 100},
	}
	out := make(map[string]Rule, len(rules))
	for _, r := range rules {
		out[r.Name] = r
	}
	return out
}

// RuleConfig overrides a preset or declares a new rule.
type RuleConfig struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

// Config tunes the manager.
type Config struct {
	KeyPrefix string `yaml:"key_prefix"`
	BanPrefix string `yaml:"ban_prefix"`
	// FailOpen lets requests through when the counter store is unreachable.
	// The default answers 503.
	FailOpen bool                  `yaml:"fail_open"`
	Rules    map[string]RuleConfig `yaml:"rules"`
	// MaxBodyBytes bounds how much of a JSON body BanCheck reads to find an
	// email address.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// DefaultConfig returns the preset rules with no overrides.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "ratelimit",
		BanPrefix:    "ban",
		MaxBodyBytes: 1 << 20,
	}
}

// Tier is a customer plan that scales budgets.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Multiplier returns the budget factor of t. Unknown tiers get 1.
func (t Tier) Multiplier() float64 {
	switch t {
	case TierPremium:
		return 2
	case TierEnterprise:
		return 5
	default:
		return 1
	}
}

// adaptiveFactor shrinks budgets as system load rises. load is a fraction
// in [0, 1].
func adaptiveFactor(load float64) float64 {
	switch {
	case load > 0.8:
		return 0.5
	case load > 0.6:
		return 0.75
	default:
		return 1
	}
}

func scaled(max int, factor float64) int {
	n := int(float64(max) * factor)
	if n < 1 {
		return 1
	}
	return n
}
