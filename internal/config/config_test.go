package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" || cfg.DBPath != "./data/sent_emails.db" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.SMTP.Host != "smtp.gmail.com" || cfg.SMTP.Port != 587 {
		t.Fatalf("unexpected smtp defaults %+v", cfg.SMTP)
	}
	if cfg.DefaultModel() != "llama3-70b-8192" || len(cfg.Agent.Models) != 2 {
		t.Fatalf("unexpected models %v", cfg.Agent.Models)
	}
	if !cfg.KeepHistoryOnSwitch || cfg.SessionTTL != time.Hour || cfg.Agent.Timeout != 0 {
		t.Fatalf("unexpected session defaults %+v", cfg)
	}
	if !cfg.IsDevelopment() {
		t.Fatal("empty FRONTEND_URL should be development")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulseid.yaml")
	body := strings.Join([]string{
		"port: \"9090\"",
		"template_dir: /srv/templates",
		"keep_history_on_switch: false",
		"session_ttl: 30m",
		"agent:",
		"  addr: localhost:50051",
		"  timeout: 45s",
		"  models: [llama-3.1-70b-versatile]",
		"smtp:",
		"  host: smtp.example.com",
		"  port: 2525",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7070")
	t.Setenv("AGENT_TIMEOUT", "90")
	t.Setenv("SMTP_TIMEOUT", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "7070" {
		t.Fatalf("env should override file, port = %q", cfg.Port)
	}
	if cfg.TemplateDir != "/srv/templates" || cfg.KeepHistoryOnSwitch || cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Agent.Addr != "localhost:50051" || cfg.Agent.Timeout != 90*time.Second {
		t.Fatalf("agent = %+v", cfg.Agent)
	}
	if cfg.DefaultModel() != "llama-3.1-70b-versatile" {
		t.Fatalf("models = %v", cfg.Agent.Models)
	}
	if cfg.SMTP.Host != "smtp.example.com" || cfg.SMTP.Port != 2525 || cfg.SMTP.Timeout != 10*time.Second {
		t.Fatalf("smtp = %+v", cfg.SMTP)
	}
	if cfg.DBPath != "./data/sent_emails.db" {
		t.Fatalf("unset key lost its default: %q", cfg.DBPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"empty db", func(c *Config) { c.DBPath = "" }},
		{"no models", func(c *Config) { c.Agent.Models = nil }},
		{"bad smtp port", func(c *Config) { c.SMTP.Port = 0 }},
		{"negative timeout", func(c *Config) { c.Agent.Timeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("X_BOOL", "off")
	t.Setenv("X_INT", "nope")
	t.Setenv("X_LIST", " a, ,b ")

	if getEnvBool("X_BOOL", true) {
		t.Error("off should parse as false")
	}
	if getEnvInt("X_INT", 5) != 5 {
		t.Error("invalid int should fall back")
	}
	if got := splitList(os.Getenv("X_LIST")); strings.Join(got, "|") != "a|b" {
		t.Errorf("splitList = %v", got)
	}
}
