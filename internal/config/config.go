// Package config loads the gateway host process configuration from the
// environment and an optional .env file. Per-source FHIR connection and
// auth settings are not configured here — they live in fhir:// connection
// strings (FHIR_SOURCE_<NAME> variables) handed to the connection pool.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// sourceEnvPrefix marks the environment variables holding named fhir://
// connection strings: FHIR_SOURCE_EPIC=fhir://... registers source "epic".
const sourceEnvPrefix = "FHIR_SOURCE_"

type Config struct {
	Port               string  `mapstructure:"PORT"`
	Env                string  `mapstructure:"ENV"`
	LogLevel           string  `mapstructure:"LOG_LEVEL"`
	FHIRPrefix         string  `mapstructure:"FHIR_PREFIX"`
	EventsEnabled      bool    `mapstructure:"EVENTS_ENABLED"`
	EventDispatchURL   string  `mapstructure:"EVENT_DISPATCH_URL"`
	EventSigningSecret string  `mapstructure:"EVENT_SIGNING_SECRET"`
	RateLimitRPS       float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int     `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeoutSecs int     `mapstructure:"REQUEST_TIMEOUT_SECONDS"`

	PoolMaxConnections     int `mapstructure:"POOL_MAX_CONNECTIONS"`
	PoolMaxKeepalive       int `mapstructure:"POOL_MAX_KEEPALIVE_CONNECTIONS"`
	PoolKeepaliveExpirySec int `mapstructure:"POOL_KEEPALIVE_EXPIRY_SECONDS"`

	// Sources maps source name -> fhir:// connection string, collected from
	// FHIR_SOURCE_<NAME> environment variables. Names are lowercased.
	Sources map[string]string `mapstructure:"-"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FHIR_PREFIX", "/fhir")
	v.SetDefault("EVENTS_ENABLED", false)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	v.SetDefault("POOL_MAX_CONNECTIONS", 100)
	v.SetDefault("POOL_MAX_KEEPALIVE_CONNECTIONS", 20)
	v.SetDefault("POOL_KEEPALIVE_EXPIRY_SECONDS", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("FHIR_PREFIX")
	v.BindEnv("EVENTS_ENABLED")
	v.BindEnv("EVENT_DISPATCH_URL")
	v.BindEnv("EVENT_SIGNING_SECRET")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("REQUEST_TIMEOUT_SECONDS")
	v.BindEnv("POOL_MAX_CONNECTIONS")
	v.BindEnv("POOL_MAX_KEEPALIVE_CONNECTIONS")
	v.BindEnv("POOL_KEEPALIVE_EXPIRY_SECONDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Sources = sourcesFromEnviron(os.Environ())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sourcesFromEnviron extracts FHIR_SOURCE_<NAME> entries from environ
// ("KEY=value" pairs, as returned by os.Environ).
func sourcesFromEnviron(environ []string) map[string]string {
	sources := make(map[string]string)
	for _, kv := range environ {
		if !strings.HasPrefix(kv, sourceEnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name := strings.ToLower(kv[len(sourceEnvPrefix):eq])
		value := kv[eq+1:]
		if name == "" || value == "" {
			continue
		}
		sources[name] = value
	}
	return sources
}

// SourceNames returns the configured source names sorted alphabetically, so
// "first configured source" is deterministic regardless of map order.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error; got %q", c.LogLevel)
	}

	if !strings.HasPrefix(c.FHIRPrefix, "/") {
		return fmt.Errorf("FHIR_PREFIX must start with \"/\", got %q", c.FHIRPrefix)
	}

	if c.EventsEnabled && c.EventDispatchURL == "" {
		return fmt.Errorf("EVENT_DISPATCH_URL is required when EVENTS_ENABLED is true")
	}

	if c.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive, got %d", c.RequestTimeoutSecs)
	}

	for name, connStr := range c.Sources {
		if !strings.HasPrefix(connStr, "fhir://") {
			return fmt.Errorf("%s%s must be a fhir:// connection string, got %q", sourceEnvPrefix, strings.ToUpper(name), connStr)
		}
	}

	return nil
}
