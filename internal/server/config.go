// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the ClipSync relay.
package server

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/clipsync/internal/bus"
)

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 1 << 20
	defaultSendBufferSize = 256
	defaultBurst          = 20
	defaultMetricsPath    = "/metrics"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst" validate:"gte=0"`
	RefillInterval time.Duration `yaml:"refill_interval" validate:"gte=0"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error disabled"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// RedisConfig enables cross-instance relaying when Addr is set.
type RedisConfig struct {
	Addr          string `yaml:"addr" validate:"omitempty,hostname_port"`
	DB            int    `yaml:"db" validate:"gte=0"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Enabled reports whether a Redis address was configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string          `yaml:"port"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size" validate:"gte=0"`
	SendBufferSize int             `yaml:"send_buffer_size" validate:"gte=0"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Log            LogConfig       `yaml:"log"`
	Redis          RedisConfig     `yaml:"redis"`
	MetricsPath    string          `yaml:"metrics_path"`
}

var validate = validator.New()

// envConfig mirrors the environment variables understood by the server.
// Pointer fields stay nil when the variable is unset, so only what the
// environment provides overrides the layers below. SERVER_PORT takes
// precedence over PORT, which most hosting platforms inject.
type envConfig struct {
	Port           string          `env:"SERVER_PORT,PORT"`
	AllowedOrigins string          `env:"ALLOWED_ORIGINS"`
	MaxMessageSize *int64          `env:"MAX_MESSAGE_SIZE"`
	SendBufferSize *int            `env:"SEND_BUFFER_SIZE"`
	RateBurst      *int            `env:"RATE_LIMIT_BURST"`
	RateRefill     *refillInterval `env:"RATE_LIMIT_REFILL_INTERVAL"`
	LogLevel       string          `env:"LOG_LEVEL"`
	LogFormat      string          `env:"LOG_FORMAT"`
	RedisAddr      string          `env:"REDIS_ADDR"`
	RedisDB        *int            `env:"REDIS_DB"`
	RedisPrefix    string          `env:"REDIS_CHANNEL_PREFIX"`
	MetricsPath    string          `env:"METRICS_PATH"`
}

// refillInterval accepts whole seconds ("2") or a Go duration ("500ms").
type refillInterval time.Duration

func (r *refillInterval) UnmarshalEnvironmentValue(value string) error {
	if seconds, err := strconv.Atoi(value); err == nil {
		*r = refillInterval(time.Duration(seconds) * time.Second)
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return errors.Errorf("invalid refill interval %q", value)
	}
	*r = refillInterval(d)
	return nil
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port:           defaultPort,
		AllowedOrigins: []string{"*"},
		MaxMessageSize: defaultMaxMessageSize,
		SendBufferSize: defaultSendBufferSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Redis: RedisConfig{
			ChannelPrefix: bus.DefaultPrefix,
		},
		MetricsPath: defaultMetricsPath,
	}
}

func sanitizeConfig(cfg Config) Config {
	cfg.Port = normalizePort(cfg.Port)

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}

	if cfg.Redis.ChannelPrefix == "" {
		cfg.Redis.ChannelPrefix = bus.DefaultPrefix
	}
	if cfg.Redis.DB < 0 {
		cfg.Redis.DB = 0
	}

	if cfg.MetricsPath != "" && !strings.HasPrefix(cfg.MetricsPath, "/") {
		cfg.MetricsPath = "/" + cfg.MetricsPath
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins
	if allowAll {
		cfg.AllowedOrigins = append([]string{"*"}, cfg.AllowedOrigins...)
	}

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitizeConfig(sanitized)
}

// CurrentConfig returns a copy of the configuration in effect.
func CurrentConfig() Config {
	return currentConfig()
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() (*Config, error) {
	cfg := defaultConfig()
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig layers defaults, the optional YAML file at path, the optional
// dotenv file and the process environment, in that order.
func LoadConfig(path, dotenvPath string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(err, "loading %s", dotenvPath)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return errors.Wrapf(err, "parsing config file %s", path)
	}
	return nil
}

// ApplyEnv overrides cfg with the environment variables that are set.
// Variables set to an empty string count as unset; a value that does not
// parse is an error.
func ApplyEnv(cfg *Config) error {
	es, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return errors.Wrap(err, "reading environment")
	}
	for key, value := range es {
		if value == "" {
			delete(es, key)
		}
	}

	var e envConfig
	if err := env.Unmarshal(es, &e); err != nil {
		return errors.Wrap(err, "reading environment")
	}

	if e.Port != "" {
		cfg.Port = e.Port
	}
	if e.AllowedOrigins != "" {
		cfg.AllowedOrigins = parseOrigins(e.AllowedOrigins)
	}
	if e.MaxMessageSize != nil {
		cfg.MaxMessageSize = *e.MaxMessageSize
	}
	if e.SendBufferSize != nil {
		cfg.SendBufferSize = *e.SendBufferSize
	}
	if e.RateBurst != nil {
		cfg.RateLimit.Burst = *e.RateBurst
	}
	if e.RateRefill != nil {
		cfg.RateLimit.RefillInterval = time.Duration(*e.RateRefill)
	}
	if e.LogLevel != "" {
		cfg.Log.Level = e.LogLevel
	}
	if e.LogFormat != "" {
		cfg.Log.Format = e.LogFormat
	}
	if e.RedisAddr != "" {
		cfg.Redis.Addr = e.RedisAddr
	}
	if e.RedisDB != nil {
		cfg.Redis.DB = *e.RedisDB
	}
	if e.RedisPrefix != "" {
		cfg.Redis.ChannelPrefix = e.RedisPrefix
	}
	if e.MetricsPath != "" {
		cfg.MetricsPath = e.MetricsPath
	}
	return nil
}

// Validate lowercases the log settings and rejects values that sanitizing
// cannot repair, such as an unknown log level or a malformed Redis address.
// Zero values are accepted and later replaced by defaults.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	return errors.Wrap(validate.Struct(c), "invalid configuration")
}

// YAML renders the configuration in the format accepted by LoadConfig.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	return out, errors.Wrap(err, "encoding config")
}

func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return defaultPort
	}
	if _, err := strconv.Atoi(port); err == nil {
		return ":" + port
	}
	return port
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
