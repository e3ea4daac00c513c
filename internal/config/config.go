package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Log       LogConfig        `mapstructure:"log"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Redis     RedisConfig      `mapstructure:"redis"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Tracing   TracingConfig    `mapstructure:"tracing"`
	Relay     RelayConfig      `mapstructure:"relay"`
	Upstream  UpstreamConfig   `mapstructure:"upstream"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Models    []ModelRoute     `mapstructure:"models"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Env             string        `mapstructure:"env"`
	APIKeys         []string      `mapstructure:"api_keys"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// RelayConfig tunes the streaming engine and the fallback loop.
type RelayConfig struct {
	PrefetchLines        int           `mapstructure:"prefetch_lines"`
	SettleDelay          time.Duration `mapstructure:"settle_delay"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	RateLimitCooldown    time.Duration `mapstructure:"rate_limit_cooldown"`
	AuthCooldown         time.Duration `mapstructure:"auth_cooldown"`
	EstimateMissingUsage bool          `mapstructure:"estimate_missing_usage"`
	AuditBodyLimit       int           `mapstructure:"audit_body_limit"`
}

type UpstreamConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PoolTimeout    time.Duration `mapstructure:"pool_timeout"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
}

// ProviderConfig represents the configuration for a single upstream provider.
type ProviderConfig struct {
	ID        string            `mapstructure:"id" validate:"required"`
	Type      string            `mapstructure:"type" validate:"required,oneof=anthropic openai google"`
	Name      string            `mapstructure:"name"`
	Priority  int               `mapstructure:"priority"`
	Enabled   bool              `mapstructure:"enabled"`
	Config    map[string]string `mapstructure:"config"`
	Endpoints []EndpointConfig  `mapstructure:"endpoints" validate:"required,min=1,dive"`
}

// EndpointConfig is one base URL speaking one wire format.
type EndpointConfig struct {
	ID        string      `mapstructure:"id" validate:"required"`
	APIFormat string      `mapstructure:"api_format" validate:"required,oneof=claude:chat claude:cli openai:chat openai:cli gemini:chat gemini:cli"`
	BaseURL   string      `mapstructure:"base_url"`
	Keys      []KeyConfig `mapstructure:"keys" validate:"required,min=1,dive"`
}

type KeyConfig struct {
	ID      string `mapstructure:"id" validate:"required"`
	APIKey  string `mapstructure:"api_key" validate:"required"`
	Enabled *bool  `mapstructure:"enabled"`
}

func (k KeyConfig) IsEnabled() bool {
	return k.Enabled == nil || *k.Enabled
}

// ModelRoute maps a public model id to one provider. Several routes may share
// an id; they become ordered fallback candidates.
type ModelRoute struct {
	ID         string `mapstructure:"id"`
	ProviderID string `mapstructure:"provider_id"`
	UpstreamID string `mapstructure:"upstream_id"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig() (*Config, error) {
	cfg, _, err := load("")
	return cfg, err
}

// LoadConfigFrom reads the given file instead of searching the default paths.
func LoadConfigFrom(path string) (*Config, *viper.Viper, error) {
	return load(path)
}

func load(path string) (*Config, *viper.Viper, error) {
	// Load .env file if present
	_ = godotenv.Load()

	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("./internal/config")
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("database.dsn", "file:streamrelay.db?cache=shared&_journal_mode=WAL&_busy_timeout=5000")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("rate_limit.requests_per_second", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "streamrelay")

	v.SetDefault("relay.prefetch_lines", 5)
	v.SetDefault("relay.settle_delay", 100*time.Millisecond)
	v.SetDefault("relay.max_attempts", 3)
	v.SetDefault("relay.rate_limit_cooldown", 30*time.Second)
	v.SetDefault("relay.auth_cooldown", 5*time.Minute)
	v.SetDefault("relay.estimate_missing_usage", false)
	v.SetDefault("relay.audit_body_limit", 64*1024)

	v.SetDefault("upstream.connect_timeout", 10*time.Second)
	v.SetDefault("upstream.read_timeout", 300*time.Second)
	v.SetDefault("upstream.write_timeout", 30*time.Second)
	v.SetDefault("upstream.pool_timeout", 90*time.Second)
	v.SetDefault("upstream.max_idle_conns", 100)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Resolve API Keys
	for i := range cfg.Providers {
		for j := range cfg.Providers[i].Endpoints {
			keys := cfg.Providers[i].Endpoints[j].Keys
			for k := range keys {
				keys[k].APIKey = resolveSecret(v, keys[k].APIKey)
			}
		}
	}
	for i, key := range cfg.Server.APIKeys {
		cfg.Server.APIKeys[i] = resolveSecret(v, key)
	}

	return &cfg, nil
}

func resolveSecret(v *viper.Viper, value string) string {
	if !strings.HasPrefix(value, "ENV:") {
		return value
	}
	envVar := strings.TrimPrefix(value, "ENV:")
	// Check process environment first (explicit override)
	val := os.Getenv(envVar)
	if val == "" {
		val = v.GetString(envVar)
	}
	return val
}

// Watch re-decodes the configuration whenever the backing file changes and
// hands the result to fn. Decode failures are passed as errors and the
// previous configuration stays in effect.
func Watch(v *viper.Viper, fn func(*Config, error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(decode(v))
	})
	v.WatchConfig()
}
