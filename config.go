package sessionguard

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrEthical07/sessionguard/anomaly"
	"github.com/MrEthical07/sessionguard/audit/influxsink"
	"github.com/MrEthical07/sessionguard/jwt"
	"github.com/MrEthical07/sessionguard/middleware"
	"github.com/MrEthical07/sessionguard/notify/mqttnotify"
	"github.com/MrEthical07/sessionguard/ratelimit"
	"github.com/MrEthical07/sessionguard/rotation"
)

// Config is the single configuration object a Guard is built from.
//
// Durations in YAML are Go duration strings ("15m", "168h").
type Config struct {
	Rotation   rotation.Config   `yaml:"rotation"`
	Anomaly    anomaly.Config    `yaml:"anomaly"`
	RateLimit  ratelimit.Config  `yaml:"rate_limit"`
	Middleware middleware.Config `yaml:"middleware"`
	Admission  AdmissionConfig   `yaml:"admission"`
	JWT        JWTConfig         `yaml:"jwt"`
	Token      TokenConfig       `yaml:"token"`
	Audit      AuditConfig       `yaml:"audit"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Log        LogConfig         `yaml:"log"`
	Redis      RedisConfig       `yaml:"redis"`
	Notify     NotifyConfig      `yaml:"notify"`
}

/*
====================================
SECTIONS
====================================
*/

// AdmissionConfig selects the rate-limit rule the request pipeline applies to
// every request. An empty Rule disables the pipeline's rate-limit gate.
type AdmissionConfig struct {
	Rule     string `yaml:"rule"`
	Tiered   bool   `yaml:"tiered"`
	Adaptive bool   `yaml:"adaptive"`
}

// JWTConfig describes access-token signing. PrivateKey and PublicKey accept
// raw ed25519 keys or PEM; LoadConfig fills them from the key files.
type JWTConfig struct {
	SigningMethod  string        `yaml:"signing_method"`
	PrivateKeyFile string        `yaml:"private_key_file"`
	PublicKeyFile  string        `yaml:"public_key_file"`
	PrivateKey     []byte        `yaml:"-"`
	PublicKey      []byte        `yaml:"-"`
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	KeyID          string        `yaml:"key_id"`
	Leeway         time.Duration `yaml:"leeway"`
}

// TokenConfig holds the pepper keying refresh-token digests at rest.
type TokenConfig struct {
	Pepper string `yaml:"pepper"`
}

// AuditConfig controls asynchronous audit delivery and the InfluxDB sink.
type AuditConfig struct {
	Enabled    bool              `yaml:"enabled"`
	BufferSize int               `yaml:"buffer_size"`
	DropIfFull bool              `yaml:"drop_if_full"`
	Influx     influxsink.Config `yaml:"influx"`
}

type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// RedisConfig is used when the Builder has no client of its own.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// NotifyConfig enables MQTT delivery of anomaly alerts.
type NotifyConfig struct {
	Enabled bool              `yaml:"enabled"`
	MQTT    mqttnotify.Config `yaml:"mqtt"`
}

/*
====================================
DEFAULTS
====================================
*/

// DefaultConfig returns the production profile. Signing keys are left empty
// and must be supplied before Validate passes.
func DefaultConfig() Config {
	return Config{
		Rotation:   rotation.DefaultConfig(),
		Anomaly:    anomaly.DefaultConfig(),
		RateLimit:  ratelimit.DefaultConfig(),
		Middleware: middleware.DefaultConfig(),
		Admission:  AdmissionConfig{Rule: ratelimit.RuleAPI},
		JWT: JWTConfig{
			SigningMethod: string(jwt.MethodEd25519),
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Redis: RedisConfig{
			Prefix: "sg",
		},
		Notify: NotifyConfig{
			MQTT: mqttnotify.Config{
				ClientID:    "sessionguard",
				TopicPrefix: "sessionguard/alerts",
				QoS:         1,
			},
		},
	}
}

/*
====================================
LOADING
====================================
*/

// LoadConfig reads a YAML file over DefaultConfig, applies SESSIONGUARD_*
// environment overrides, loads key files and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}

	ApplyEnv(&cfg)
	if err := cfg.loadKeys(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from SESSIONGUARD_* environment variables.
func ApplyEnv(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	str("SESSIONGUARD_REDIS_ADDR", &cfg.Redis.Addr)
	str("SESSIONGUARD_REDIS_PASSWORD", &cfg.Redis.Password)
	str("SESSIONGUARD_JWT_PRIVATE_KEY_FILE", &cfg.JWT.PrivateKeyFile)
	str("SESSIONGUARD_JWT_PUBLIC_KEY_FILE", &cfg.JWT.PublicKeyFile)
	str("SESSIONGUARD_TOKEN_PEPPER", &cfg.Token.Pepper)
	str("SESSIONGUARD_LOG_LEVEL", &cfg.Log.Level)
	str("SESSIONGUARD_LOG_FORMAT", &cfg.Log.Format)
	str("SESSIONGUARD_INFLUX_URL", &cfg.Audit.Influx.URL)
	str("SESSIONGUARD_INFLUX_TOKEN", &cfg.Audit.Influx.Token)
	str("SESSIONGUARD_MQTT_BROKER", &cfg.Notify.MQTT.BrokerURL)
	str("SESSIONGUARD_MQTT_USERNAME", &cfg.Notify.MQTT.Username)
	str("SESSIONGUARD_MQTT_PASSWORD", &cfg.Notify.MQTT.Password)

	if v := os.Getenv("SESSIONGUARD_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	// an address in the environment switches the adapter on
	if os.Getenv("SESSIONGUARD_INFLUX_URL") != "" {
		cfg.Audit.Influx.Enabled = true
	}
	if os.Getenv("SESSIONGUARD_MQTT_BROKER") != "" {
		cfg.Notify.Enabled = true
	}
}

func (c *Config) loadKeys() error {
	if c.JWT.PrivateKeyFile != "" {
		key, err := os.ReadFile(c.JWT.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("reading jwt private key: %w", err)
		}
		c.JWT.PrivateKey = key
	}
	if c.JWT.PublicKeyFile != "" {
		key, err := os.ReadFile(c.JWT.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("reading jwt public key: %w", err)
		}
		c.JWT.PublicKey = key
	}
	return nil
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first inconsistency in c, wrapped in ErrInvalidConfig.
// Zero component fields are accepted and take the component defaults.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Rotation.AccessTTL < 0 || c.Rotation.RefreshTTL < 0 {
		return errors.New("rotation ttl must be >= 0")
	}
	if c.Rotation.AccessTTL > 0 && c.Rotation.RefreshTTL > 0 && c.Rotation.AccessTTL >= c.Rotation.RefreshTTL {
		return errors.New("rotation access ttl must be shorter than refresh ttl")
	}
	if c.Rotation.MaxTokensPerUser < 0 || c.Rotation.EscalationThreshold < 0 {
		return errors.New("rotation limits must be >= 0")
	}

	if c.Anomaly.Window < 0 || c.Anomaly.BlockDuration < 0 || c.Anomaly.ChallengeDuration < 0 {
		return errors.New("anomaly durations must be >= 0")
	}
	if c.Anomaly.MaxEventsPerWindow < 0 {
		return errors.New("anomaly max events must be >= 0")
	}

	for name, rc := range c.RateLimit.Rules {
		if rc.Window < 0 || rc.Max < 0 {
			return fmt.Errorf("rate limit rule %q has negative bounds", name)
		}
	}
	if c.Admission.Tiered && c.Admission.Adaptive {
		return errors.New("admission rule cannot be both tiered and adaptive")
	}
	if (c.Admission.Tiered || c.Admission.Adaptive) && c.Admission.Rule == "" {
		return errors.New("admission scaling requires a rule")
	}

	switch jwt.SigningMethod(strings.ToLower(c.JWT.SigningMethod)) {
	case jwt.MethodEd25519:
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("ed25519 requires a private key")
		}
	case jwt.MethodHS256:
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a key of at least 32 bytes")
		}
	default:
		return fmt.Errorf("unsupported jwt signing method %q", c.JWT.SigningMethod)
	}

	if c.Audit.BufferSize < 0 {
		return errors.New("audit buffer size must be >= 0")
	}
	if c.Audit.Influx.Enabled && (c.Audit.Influx.URL == "" || c.Audit.Influx.Bucket == "") {
		return errors.New("influx sink requires url and bucket")
	}
	if c.Notify.Enabled && c.Notify.MQTT.BrokerURL == "" {
		return errors.New("mqtt notifier requires a broker url")
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}
	return nil
}
