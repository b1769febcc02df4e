package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// IMAPConfig holds the mailbox collaborator settings.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Folder   string
}

// Complete reports whether enough is configured to open the mailbox.
func (c IMAPConfig) Complete() bool {
	return c.Host != "" && c.Username != "" && c.Password != ""
}

// SMTPConfig holds the alert delivery settings.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	ToAddress   string
	Encryption  string // "none", "ssl", "starttls"
}

// Complete reports whether sender, recipient and server are all configured.
func (c SMTPConfig) Complete() bool {
	return c.Host != "" && c.FromAddress != "" && c.ToAddress != ""
}

// AnthropicConfig holds the reasoning-service settings.
type AnthropicConfig struct {
	APIKey string
	Model  string
}

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string

	// Pipeline scheduling.
	CronSpec    string
	AssessDelay time.Duration // pause between successive reasoning calls

	// Ops alert channel for failed runs (shoutrrr URL, optional).
	OpsAlertURL string

	IMAP      IMAPConfig
	SMTP      SMTPConfig
	Anthropic AnthropicConfig
}

// Load reads env vars and falls back to defaults so the service can boot
// with zero configuration (collaborators stay unconfigured until set).
func Load() (Config, error) {
	cfg := Config{
		Environment:  getEnv("DW_ENV", "development"),
		HTTPPort:     getEnv("DW_HTTP_PORT", "8080"),
		DatabasePath: getEnv("DW_DB_PATH", filepath.Join("data", "dmarcwatch.db")),
		CronSpec:     getEnv("DW_CRON", "@every 1h"),
		AssessDelay:  getDuration("DW_ASSESS_DELAY", 2*time.Second),
		OpsAlertURL:  getEnv("DW_OPS_ALERT_URL", ""),
		IMAP: IMAPConfig{
			Host:     getEnv("DW_IMAP_HOST", ""),
			Port:     getInt("DW_IMAP_PORT", 993),
			Username: getEnv("DW_IMAP_USERNAME", ""),
			Password: getEnv("DW_IMAP_PASSWORD", ""),
			Folder:   getEnv("DW_IMAP_FOLDER", "INBOX"),
		},
		SMTP: SMTPConfig{
			Host:        getEnv("DW_SMTP_HOST", ""),
			Port:        getInt("DW_SMTP_PORT", 587),
			Username:    getEnv("DW_SMTP_USERNAME", ""),
			Password:    getEnv("DW_SMTP_PASSWORD", ""),
			FromAddress: getEnv("DW_SMTP_FROM", ""),
			ToAddress:   getEnv("DW_ALERT_TO", ""),
			Encryption:  getEnv("DW_SMTP_ENCRYPTION", "starttls"),
		},
		Anthropic: AnthropicConfig{
			APIKey: getEnv("DW_ANTHROPIC_API_KEY", os.Getenv("ANTHROPIC_API_KEY")),
			Model:  getEnv("DW_ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
		},
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}

	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}

	return fallback
}
