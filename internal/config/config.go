// Package config loads service configuration from the environment.
// Every setting has a SLEEPD_* variable; provider API keys use the
// vendors' conventional names.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Server   ServerConfig
	Provider ProviderConfig
	Storage  StorageConfig
	Cache    CacheConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port     int    `env:"SLEEPD_SERVER_PORT" envDefault:"4000"`
	MCPPort  int    `env:"SLEEPD_SERVER_MCP_PORT" envDefault:"4001"`
	APIToken string `env:"SLEEPD_API_TOKEN"`
}

type ProviderConfig struct {
	// Kind selects the backend: openai, anthropic, or gemini.
	Kind    string `env:"SLEEPD_PROVIDER" envDefault:"openai"`
	Model   string `env:"SLEEPD_PROVIDER_MODEL"`
	BaseURL string `env:"SLEEPD_PROVIDER_BASE_URL"`

	OpenAIKey    string `env:"OPENAI_API_KEY"`
	AnthropicKey string `env:"ANTHROPIC_API_KEY"`
	GeminiKey    string `env:"GEMINI_API_KEY"`
}

type StorageConfig struct {
	DataDir string `env:"SLEEPD_DATA_DIR"`
}

type CacheConfig struct {
	TTL time.Duration `env:"SLEEPD_CACHE_TTL" envDefault:"10m"`
}

type LogConfig struct {
	Level string `env:"SLEEPD_LOG_LEVEL" envDefault:"info"`
}

// APIKey returns the key for the configured provider kind, or "" when
// the kind is unknown or the key is unset.
func (p ProviderConfig) APIKey() string {
	switch p.Kind {
	case "openai":
		return p.OpenAIKey
	case "anthropic":
		return p.AnthropicKey
	case "gemini":
		return p.GeminiKey
	}
	return ""
}

// SlogLevel maps the configured level name to a slog.Level, defaulting
// to Info for unknown names.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Load parses configuration from the environment and validates the
// parts the server cannot run without.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = defaultDataDir()
	}

	switch cfg.Provider.Kind {
	case "openai", "anthropic", "gemini":
	default:
		return Config{}, fmt.Errorf("unknown provider %q: must be openai, anthropic, or gemini", cfg.Provider.Kind)
	}
	if cfg.Provider.APIKey() == "" {
		return Config{}, fmt.Errorf("missing API key for provider %q: set %s", cfg.Provider.Kind, keyEnvName(cfg.Provider.Kind))
	}
	if cfg.Server.APIToken == "" {
		return Config{}, fmt.Errorf("missing required config: set SLEEPD_API_TOKEN")
	}

	return cfg, nil
}

func keyEnvName(kind string) string {
	switch kind {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	}
	return "OPENAI_API_KEY"
}

// defaultDataDir follows XDG on Linux and falls back to a dotdir in the
// user's home elsewhere.
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "sleepd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "sleepd")
}
