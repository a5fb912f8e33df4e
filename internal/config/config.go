// Package config loads runtime configuration from a YAML file with
// environment-variable overrides. Environment always wins so deploys
// can tune a shared config file per instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the ensemble service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Context   ContextConfig   `yaml:"context"`
	Security  SecurityConfig  `yaml:"security"`
	Templates TemplatesConfig `yaml:"templates"`
	Turn      TurnConfig      `yaml:"turn"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig configures the HTTP/WS gateway.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// RedisConfig configures the Redis session backend.
type RedisConfig struct {
	// Enabled selects the Redis store; when unset the service
	// autodetects by probing URL at startup.
	Enabled       *bool         `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Prefix        string        `yaml:"prefix"`
	Expiry        time.Duration `yaml:"expiry"`
	MaxConns      int           `yaml:"max_connections"`
	SocketTimeout time.Duration `yaml:"socket_timeout"`
}

// ContextConfig bounds the in-memory conversation buffer.
type ContextConfig struct {
	MaxMessages      int `yaml:"max_messages"`
	MaxContentLength int `yaml:"max_content_length"`
}

// SecurityConfig configures the security gate.
type SecurityConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	AccessExpiry  time.Duration `yaml:"access_expiry"`
	RefreshExpiry time.Duration `yaml:"refresh_expiry"`
	KeysFile      string        `yaml:"keys_file"`
	// ContentMode is "filter" (substitute redacted text) or "reject".
	ContentMode string `yaml:"content_mode"`
}

// TemplatesConfig locates agent template files.
type TemplatesConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// TurnConfig bounds turn execution.
type TurnConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	EventTimeout    time.Duration `yaml:"event_timeout"`
	MaxHandoffDepth int           `yaml:"max_handoff_depth"`
}

// ProvidersConfig carries per-provider model credentials.
type ProvidersConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	DefaultProvider string `yaml:"default_provider"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		Redis: RedisConfig{
			URL:           "redis://localhost:6379/0",
			Prefix:        "agent:session:",
			Expiry:        24 * time.Hour,
			MaxConns:      10,
			SocketTimeout: 5 * time.Second,
		},
		Context: ContextConfig{
			MaxMessages:      20,
			MaxContentLength: 10000,
		},
		Security: SecurityConfig{
			AccessExpiry:  time.Hour,
			RefreshExpiry: 7 * 24 * time.Hour,
			KeysFile:      "keys.json",
			ContentMode:   "filter",
		},
		Templates: TemplatesConfig{
			Dir:   "templates",
			Watch: true,
		},
		Turn: TurnConfig{
			Timeout:         30 * time.Second,
			EventTimeout:    10 * time.Second,
			MaxHandoffDepth: 3,
		},
		Providers: ProvidersConfig{
			DefaultProvider: "openai",
		},
	}
}

// Load reads path (optional) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// FromEnv builds a config from defaults plus environment only.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("USE_REDIS"); ok {
		b := parseBool(v)
		c.Redis.Enabled = &b
	}
	envString("REDIS_URL", &c.Redis.URL)
	envString("REDIS_PREFIX", &c.Redis.Prefix)
	envDuration("REDIS_EXPIRY", &c.Redis.Expiry)
	envInt("REDIS_MAX_CONNECTIONS", &c.Redis.MaxConns)
	envDuration("REDIS_SOCKET_TIMEOUT", &c.Redis.SocketTimeout)

	envInt("CONTEXT_MAX_MESSAGES", &c.Context.MaxMessages)
	envInt("CONTEXT_MAX_CONTENT_LENGTH", &c.Context.MaxContentLength)

	envString("JWT_SECRET_KEY", &c.Security.JWTSecret)
	envString("ENSEMBLE_KEYS_FILE", &c.Security.KeysFile)

	envString("ENSEMBLE_TEMPLATE_DIR", &c.Templates.Dir)
	envString("ENSEMBLE_ADDR", &c.Server.Addr)

	envString("ANTHROPIC_API_KEY", &c.Providers.AnthropicAPIKey)
	envString("OPENAI_API_KEY", &c.Providers.OpenAIAPIKey)
	envString("ENSEMBLE_DEFAULT_PROVIDER", &c.Providers.DefaultProvider)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// envDuration accepts either a Go duration ("30s") or bare seconds
// ("30"), matching the upstream environment conventions.
func envDuration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
