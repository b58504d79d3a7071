package config

import (
	"log/slog"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("SLEEPD_API_TOKEN", "token-123")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Server.MCPPort != 4001 {
		t.Errorf("MCPPort = %d, want 4001", cfg.Server.MCPPort)
	}
	if cfg.Provider.Kind != "openai" {
		t.Errorf("Provider.Kind = %q, want openai", cfg.Provider.Kind)
	}
	if cfg.Cache.TTL != 10*time.Minute {
		t.Errorf("Cache.TTL = %v, want 10m", cfg.Cache.TTL)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("DataDir not defaulted")
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SLEEPD_SERVER_PORT", "5123")
	t.Setenv("SLEEPD_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("SLEEPD_PROVIDER_MODEL", "claude-3-5-sonnet-latest")
	t.Setenv("SLEEPD_CACHE_TTL", "5m")
	t.Setenv("SLEEPD_DATA_DIR", "/tmp/sleepd-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 5123 {
		t.Errorf("Port = %d, want 5123", cfg.Server.Port)
	}
	if cfg.Provider.Kind != "anthropic" {
		t.Errorf("Provider.Kind = %q, want anthropic", cfg.Provider.Kind)
	}
	if cfg.Provider.APIKey() != "sk-ant-test" {
		t.Errorf("APIKey = %q, want the anthropic key", cfg.Provider.APIKey())
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("Cache.TTL = %v, want 5m", cfg.Cache.TTL)
	}
	if cfg.Storage.DataDir != "/tmp/sleepd-test" {
		t.Errorf("DataDir = %q, want override", cfg.Storage.DataDir)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SLEEPD_PROVIDER", "cohere")

	if _, err := Load(); err == nil {
		t.Fatal("Load accepted an unknown provider")
	}
}

func TestLoadRequiresProviderKey(t *testing.T) {
	t.Setenv("SLEEPD_API_TOKEN", "token-123")
	t.Setenv("SLEEPD_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load accepted a missing provider key")
	}
}

func TestLoadRequiresAPIToken(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("SLEEPD_API_TOKEN", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load accepted a missing API token")
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for name, want := range cases {
		if got := (LogConfig{Level: name}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", name, got, want)
		}
	}
}
