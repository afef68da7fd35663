package config

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/bizblasts/calsync/internal/auth"
	"github.com/bizblasts/calsync/internal/notify"
	"github.com/bizblasts/calsync/internal/validator"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrEncryptionKeySize = errors.New("encryption key must be exactly 32 bytes (64 hex characters)")
	ErrSessionSecretSize = errors.New("session secret must be at least 32 characters")
	ErrSigningKeySize    = errors.New("state signing key must be at least 32 characters")
	ErrValidationFailed  = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Google       OAuthClientConfig
	Microsoft    MicrosoftConfig
	CalDAV       CalDAVConfig
	RateLimiting RateLimitConfig
	Sync         SyncConfig
	Alerts       AlertConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	BaseURL     string
	Environment Environment
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	EncryptionKey   []byte
	StateSigningKey []byte
	SessionSecret   string
	APIToken        string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// RedisConfig holds the nonce store connection. An empty URL keeps nonces in
// process memory.
type RedisConfig struct {
	URL string
}

// OAuthClientConfig is one registered OAuth application.
type OAuthClientConfig struct {
	ClientID     string
	ClientSecret string
}

// Enabled reports whether credentials are configured.
func (c OAuthClientConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// MicrosoftConfig adds the Azure AD tenant to the OAuth application.
type MicrosoftConfig struct {
	OAuthClientConfig
	Tenant string
}

// CalDAVConfig holds CalDAV-related configuration.
type CalDAVConfig struct {
	ICloudURL       string
	AllowPrivateIPs bool
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// SyncConfig holds background sync configuration.
type SyncConfig struct {
	RetrySchedule string
	RetryLimit    int
	Workers       int
}

// AlertConfig holds reconnect notification configuration.
type AlertConfig struct {
	WebhookURL   string
	ResendAPIKey string
	EmailFrom    string
	Cooldown     time.Duration
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}

	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Port = port
	cfg.Server.BaseURL = getEnvRequired("BASE_URL")
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	encKeyHex := getEnvRequired("ENCRYPTION_KEY")
	if encKeyHex != "" {
		encKey, err := hex.DecodeString(encKeyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: ENCRYPTION_KEY: invalid hex: %w", ErrInvalidConfig, err)
		}
		if len(encKey) != 32 {
			return nil, ErrEncryptionKeySize
		}
		cfg.Security.EncryptionKey = encKey
	}

	if key := getEnvRequired("STATE_SIGNING_KEY"); key != "" {
		if len(key) < 32 {
			return nil, ErrSigningKeySize
		}
		cfg.Security.StateSigningKey = []byte(key)
	}

	cfg.Security.SessionSecret = getEnvRequired("SESSION_SECRET")
	if cfg.Security.SessionSecret != "" && len(cfg.Security.SessionSecret) < 32 {
		return nil, ErrSessionSecretSize
	}
	cfg.Security.APIToken = getEnvRequired("API_TOKEN")

	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/calsync.db")
	cfg.Redis.URL = getEnv("REDIS_URL", "")

	cfg.Google.ClientID = getEnv("GOOGLE_CLIENT_ID", "")
	cfg.Google.ClientSecret = getEnv("GOOGLE_CLIENT_SECRET", "")
	cfg.Microsoft.ClientID = getEnv("MICROSOFT_CLIENT_ID", "")
	cfg.Microsoft.ClientSecret = getEnv("MICROSOFT_CLIENT_SECRET", "")
	cfg.Microsoft.Tenant = getEnv("MICROSOFT_TENANT", "common")

	cfg.CalDAV.ICloudURL = getEnv("ICLOUD_CALDAV_URL", "https://caldav.icloud.com/")
	allowPrivate, err := getEnvBool("CALDAV_ALLOW_PRIVATE_IPS", false)
	if err != nil {
		return nil, fmt.Errorf("%w: CALDAV_ALLOW_PRIVATE_IPS: %w", ErrInvalidConfig, err)
	}
	cfg.CalDAV.AllowPrivateIPs = allowPrivate

	rps, err := getEnvFloat("RATE_LIMIT_RPS", 10.0)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.RPS = rps

	burst, err := getEnvInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.Burst = burst

	cfg.Sync.RetrySchedule = getEnv("RETRY_SWEEP_SCHEDULE", "@every 5m")
	if _, err := cron.ParseStandard(cfg.Sync.RetrySchedule); err != nil {
		return nil, fmt.Errorf("%w: RETRY_SWEEP_SCHEDULE: %w", ErrInvalidConfig, err)
	}

	limit, err := getEnvInt("RETRY_BATCH_LIMIT", 100)
	if err != nil || limit < 1 {
		return nil, fmt.Errorf("%w: RETRY_BATCH_LIMIT must be a positive integer", ErrInvalidConfig)
	}
	cfg.Sync.RetryLimit = limit

	workers, err := getEnvInt("SYNC_WORKERS", 4)
	if err != nil || workers < 1 {
		return nil, fmt.Errorf("%w: SYNC_WORKERS must be a positive integer", ErrInvalidConfig)
	}
	cfg.Sync.Workers = workers

	cfg.Alerts.WebhookURL = getEnv("ALERT_WEBHOOK_URL", "")
	cfg.Alerts.ResendAPIKey = getEnv("RESEND_API_KEY", "")
	cfg.Alerts.EmailFrom = getEnv("ALERT_EMAIL_FROM", "")
	cooldown, err := getEnvInt("ALERT_COOLDOWN_MINUTES", 360)
	if err != nil {
		return nil, fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.Cooldown = time.Duration(cooldown) * time.Minute

	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.Server.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if len(c.Security.EncryptionKey) == 0 {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if len(c.Security.StateSigningKey) == 0 {
		missing = append(missing, "STATE_SIGNING_KEY")
	}
	if c.Security.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}
	if c.Security.APIToken == "" {
		missing = append(missing, "API_TOKEN")
	}

	return missing
}

// Notify returns the notification settings.
func (c *Config) Notify() *notify.Config {
	return &notify.Config{
		WebhookURL:     c.Alerts.WebhookURL,
		ResendAPIKey:   c.Alerts.ResendAPIKey,
		EmailFrom:      c.Alerts.EmailFrom,
		CooldownPeriod: c.Alerts.Cooldown,
	}
}

// Validate checks URL formats and that the Google issuer answers.
func (c *Config) Validate(ctx context.Context) error {
	v := validator.New()

	if err := v.ValidateURL(c.Server.BaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: BASE_URL: %w", ErrValidationFailed, err)
	}

	if err := v.ValidateURL(c.CalDAV.ICloudURL, true); err != nil {
		return fmt.Errorf("%w: ICLOUD_CALDAV_URL: %w", ErrValidationFailed, err)
	}

	if c.Google.Enabled() {
		if err := v.ValidateOIDCIssuer(ctx, auth.GoogleIssuer); err != nil {
			return fmt.Errorf("%w: Google issuer: %w", ErrValidationFailed, err)
		}
	}

	if err := notify.ValidateConfig(c.Notify()); err != nil {
		return fmt.Errorf("%w: alerts: %w", ErrValidationFailed, err)
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %w", err)
	}
	return parsed, nil
}
