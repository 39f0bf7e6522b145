// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Remote bot API
	BotAPIBaseURL string
	BotAPIKey     string
	BotAPITimeout time.Duration

	// CSRF / replay protection
	CSRFSecret     string
	CSRFTokenTTL   time.Duration
	CSRFCookieName string
	CSRFHeaderName string

	// Per-admin action throttling
	ThrottleLimit  int
	ThrottleWindow time.Duration

	// Risk policy
	BalanceConfirmThresholdKopeks int64 // abs delta above this requires confirmation
	BalanceFloorKopeks            int64 // deny adjustments below this resulting floor
	RequireBlockConfirmation      bool
	SyncConfirmBatchSize          int // batches above this require confirmation

	// Confirmation tickets
	ConfirmTicketTTL time.Duration

	// API-wide rate limiting
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultCSRFCookie     = "botadmin_csrf"
	DefaultCSRFHeader     = "X-CSRF-Token"
	DefaultThrottleLimit  = 10
	DefaultRateLimitRPM   = 120
	DefaultConfirmBatch   = 100
	DefaultBalanceConfirm = 5_000_000 // 50 000 rub in kopeks
	DefaultBalanceFloor   = 0
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		BotAPIBaseURL: os.Getenv("BOTAPI_BASE_URL"),
		BotAPIKey:     os.Getenv("BOTAPI_API_KEY"),
		BotAPITimeout: time.Duration(getEnvInt64("BOTAPI_TIMEOUT_SECONDS", 10)) * time.Second,

		CSRFSecret:     os.Getenv("CSRF_SECRET"),
		CSRFTokenTTL:   time.Duration(getEnvInt64("CSRF_TOKEN_TTL_MINUTES", 30)) * time.Minute,
		CSRFCookieName: getEnv("CSRF_COOKIE_NAME", DefaultCSRFCookie),
		CSRFHeaderName: getEnv("CSRF_HEADER_NAME", DefaultCSRFHeader),

		ThrottleLimit:  int(getEnvInt64("THROTTLE_LIMIT", DefaultThrottleLimit)),
		ThrottleWindow: time.Duration(getEnvInt64("THROTTLE_WINDOW_SECONDS", 60)) * time.Second,

		BalanceConfirmThresholdKopeks: getEnvInt64("BALANCE_CONFIRM_THRESHOLD_KOPEKS", DefaultBalanceConfirm),
		BalanceFloorKopeks:            getEnvInt64("BALANCE_FLOOR_KOPEKS", DefaultBalanceFloor),
		RequireBlockConfirmation:      getEnvBool("REQUIRE_BLOCK_CONFIRMATION", true),
		SyncConfirmBatchSize:          int(getEnvInt64("SYNC_CONFIRM_BATCH_SIZE", DefaultConfirmBatch)),

		ConfirmTicketTTL: time.Duration(getEnvInt64("CONFIRM_TICKET_TTL_SECONDS", 300)) * time.Second,

		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and sane.
// The bot API credential is deliberately NOT required: without it the
// remote client runs in disabled mode and the panel degrades to read-only.
func (c *Config) Validate() error {
	if c.CSRFSecret == "" {
		return fmt.Errorf("CSRF_SECRET is required")
	}
	if len(c.CSRFSecret) < 16 {
		return fmt.Errorf("CSRF_SECRET must be at least 16 characters")
	}
	if c.BotAPITimeout <= 0 {
		return fmt.Errorf("BOTAPI_TIMEOUT_SECONDS must be positive")
	}
	if c.ThrottleLimit <= 0 {
		return fmt.Errorf("THROTTLE_LIMIT must be positive")
	}
	if c.ThrottleWindow <= 0 {
		return fmt.Errorf("THROTTLE_WINDOW_SECONDS must be positive")
	}
	if c.ConfirmTicketTTL <= 0 {
		return fmt.Errorf("CONFIRM_TICKET_TTL_SECONDS must be positive")
	}
	return nil
}

// BotAPIConfigured reports whether the remote bot API credential is set.
func (c *Config) BotAPIConfigured() bool {
	return c.BotAPIBaseURL != "" && c.BotAPIKey != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
