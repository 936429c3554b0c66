// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port                string        `yaml:"port"`
	FrontendURL         string        `yaml:"frontend_url"`
	DBPath              string        `yaml:"db_path"`
	TemplateDir         string        `yaml:"template_dir"`
	DefaultTemplate     string        `yaml:"default_template"`
	DefaultDataSource   string        `yaml:"default_data_source"`
	SessionTTL          time.Duration `yaml:"session_ttl"`
	KeepHistoryOnSwitch bool          `yaml:"keep_history_on_switch"`
	MetricsEnabled      bool          `yaml:"metrics_enabled"`
	Agent               AgentConfig   `yaml:"agent"`
	SMTP                SMTPConfig    `yaml:"smtp"`
}

// AgentConfig locates the agent sidecar.
type AgentConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"` // 0 = no deadline
	Models  []string      `yaml:"models"`
}

// SMTPConfig locates the mail relay.
type SMTPConfig struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"` // 0 = no deadline
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:                "8080",
		DBPath:              "./data/sent_emails.db",
		TemplateDir:         "./templates",
		DefaultTemplate:     "partnership",
		DefaultDataSource:   "merchant_data.db",
		SessionTTL:          60 * time.Minute,
		KeepHistoryOnSwitch: true,
		MetricsEnabled:      true,
		Agent: AgentConfig{
			Models: []string{"llama3-70b-8192", "llama-3.1-70b-versatile"},
		},
		SMTP: SMTPConfig{
			Host: "smtp.gmail.com",
			Port: 587,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.TemplateDir = getEnv("TEMPLATE_DIR", c.TemplateDir)
	c.DefaultTemplate = getEnv("DEFAULT_TEMPLATE", c.DefaultTemplate)
	c.DefaultDataSource = getEnv("DEFAULT_DATA_SOURCE", c.DefaultDataSource)
	c.SessionTTL = getEnvDuration("SESSION_TTL", c.SessionTTL)
	c.KeepHistoryOnSwitch = getEnvBool("KEEP_HISTORY_ON_SWITCH", c.KeepHistoryOnSwitch)
	c.MetricsEnabled = getEnvBool("METRICS_ENABLED", c.MetricsEnabled)

	c.Agent.Addr = getEnv("AGENT_ADDR", c.Agent.Addr)
	c.Agent.Timeout = getEnvDuration("AGENT_TIMEOUT", c.Agent.Timeout)
	if models, ok := os.LookupEnv("AGENT_MODELS"); ok {
		c.Agent.Models = splitList(models)
	}

	c.SMTP.Host = getEnv("SMTP_HOST", c.SMTP.Host)
	c.SMTP.Port = getEnvInt("SMTP_PORT", c.SMTP.Port)
	c.SMTP.Timeout = getEnvDuration("SMTP_TIMEOUT", c.SMTP.Timeout)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.TemplateDir == "" {
		return errors.New("TEMPLATE_DIR cannot be empty")
	}
	if len(c.Agent.Models) == 0 {
		return errors.New("AGENT_MODELS must name at least one model")
	}
	if c.Agent.Timeout < 0 {
		return errors.New("AGENT_TIMEOUT must be >= 0")
	}
	if c.SMTP.Host == "" {
		return errors.New("SMTP_HOST cannot be empty")
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("SMTP_PORT %d out of range", c.SMTP.Port)
	}
	if c.SMTP.Timeout < 0 {
		return errors.New("SMTP_TIMEOUT must be >= 0")
	}
	if c.SessionTTL < 0 {
		return errors.New("SESSION_TTL must be >= 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// DefaultModel returns the first configured model.
func (c *Config) DefaultModel() string {
	if len(c.Agent.Models) == 0 {
		return ""
	}
	return c.Agent.Models[0]
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s", "60m") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
