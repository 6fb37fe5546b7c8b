// Package config loads appgrant settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "APPGRANT_"

// Config holds all runtime configuration.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	MetricsPort int // 0 disables the metrics listener
	AdminKey    string

	LogLevel  string
	LogFormat string

	GracePeriodDays int
	SweepInterval   time.Duration
	NoticeInterval  time.Duration
	SweepWorkers    int

	RevokeTimeout    time.Duration
	RevokeBaseURL    string // empty records revocations locally only
	RevokeRatePerSec float64
	TokenSecret      string

	CatalogPath string

	PostmarkToken string // optional; if empty, emails are logged
	EmailFrom     string

	WhitelistExpiringDays int
}

// ListenAddr returns the API listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// MetricsAddr returns the metrics listen address.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.MetricsPort)
}

// WhitelistNoticeWindow is how long before expiry a whitelist entry gets its
// expiring notice.
func (c *Config) WhitelistNoticeWindow() time.Duration {
	return time.Duration(c.WhitelistExpiringDays) * 24 * time.Hour
}

// Load reads configuration from APPGRANT_* environment variables. A .env
// file is loaded if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []string
	intVar := func(key string, fallback int) int {
		n, err := envOrDefaultInt(key, fallback)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return n
	}
	durVar := func(key string, fallback time.Duration) time.Duration {
		d, err := envOrDefaultDuration(key, fallback)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}

	rate, err := envOrDefaultFloat("REVOKE_RATE_PER_SEC", 5)
	if err != nil {
		errs = append(errs, err.Error())
	}

	dataDir := envOrDefault("DATA_DIR", "/data")
	cfg := &Config{
		DataDir:               dataDir,
		BindAddress:           envOrDefault("BIND_ADDRESS", "0.0.0.0"),
		Port:                  intVar("PORT", 8080),
		MetricsPort:           intVar("METRICS_PORT", 9090),
		AdminKey:              env("ADMIN_KEY"),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("LOG_FORMAT", "auto"),
		GracePeriodDays:       intVar("GRACE_PERIOD_DAYS", 7),
		SweepInterval:         durVar("SWEEP_INTERVAL", 24*time.Hour),
		NoticeInterval:        durVar("NOTICE_INTERVAL", time.Hour),
		SweepWorkers:          intVar("SWEEP_WORKERS", 8),
		RevokeTimeout:         durVar("REVOKE_TIMEOUT", 10*time.Second),
		RevokeBaseURL:         env("REVOKE_BASE_URL"),
		RevokeRatePerSec:      rate,
		TokenSecret:           env("TOKEN_SECRET"),
		CatalogPath:           envOrDefault("CATALOG_PATH", filepath.Join(dataDir, "catalog.yaml")),
		PostmarkToken:         env("POSTMARK_TOKEN"),
		EmailFrom:             envOrDefault("EMAIL_FROM", "noreply@example.com"),
		WhitelistExpiringDays: intVar("WHITELIST_EXPIRING_DAYS", 3),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("parse config: %s", strings.Join(errs, "; "))
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AdminKey == "" {
		return fmt.Errorf("missing required environment variable: %sADMIN_KEY", envPrefix)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%sPORT must be between 1 and 65535, got %d", envPrefix, c.Port)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("%sMETRICS_PORT must be between 0 and 65535, got %d", envPrefix, c.MetricsPort)
	}
	if c.MetricsPort != 0 && c.MetricsPort == c.Port {
		return fmt.Errorf("%sMETRICS_PORT must differ from %sPORT", envPrefix, envPrefix)
	}
	if c.GracePeriodDays < 0 {
		return fmt.Errorf("%sGRACE_PERIOD_DAYS must not be negative, got %d", envPrefix, c.GracePeriodDays)
	}
	if c.SweepInterval < time.Minute {
		return fmt.Errorf("%sSWEEP_INTERVAL must be at least 1m, got %s", envPrefix, c.SweepInterval)
	}
	if c.NoticeInterval < time.Minute {
		return fmt.Errorf("%sNOTICE_INTERVAL must be at least 1m, got %s", envPrefix, c.NoticeInterval)
	}
	if c.SweepWorkers < 1 {
		return fmt.Errorf("%sSWEEP_WORKERS must be at least 1, got %d", envPrefix, c.SweepWorkers)
	}
	if c.RevokeTimeout <= 0 {
		return fmt.Errorf("%sREVOKE_TIMEOUT must be greater than 0", envPrefix)
	}
	if c.RevokeRatePerSec <= 0 {
		return fmt.Errorf("%sREVOKE_RATE_PER_SEC must be greater than 0", envPrefix)
	}
	if c.WhitelistExpiringDays < 0 {
		return fmt.Errorf("%sWHITELIST_EXPIRING_DAYS must not be negative", envPrefix)
	}

	if c.RevokeBaseURL != "" {
		u, err := url.Parse(c.RevokeBaseURL)
		if err != nil {
			return fmt.Errorf("%sREVOKE_BASE_URL must be a valid URL: %w", envPrefix, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%sREVOKE_BASE_URL must use http or https scheme", envPrefix)
		}
		if u.Host == "" {
			return fmt.Errorf("%sREVOKE_BASE_URL must include a host", envPrefix)
		}
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func envOrDefault(key, fallback string) string {
	if v := env(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := env(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s%s must be a valid integer: %w", envPrefix, key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultFloat(key string, fallback float64) (float64, error) {
	if v := env(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s%s must be a valid number: %w", envPrefix, key, err)
		}
		return f, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := env(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s%s must be a valid duration: %w", envPrefix, key, err)
		}
		return d, nil
	}
	return fallback, nil
}
