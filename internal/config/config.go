// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // optional exchange-rate cache

	// Payments backend
	PaymentsAPIURL   string
	PaymentsAPIToken string // service bearer token (optional in development)

	// Merchant settings
	MerchantSolanaAddress string
	USDCMint              string
	EURCMint              string

	// Lifecycle policy
	PollInterval  time.Duration
	InvoiceTTL    time.Duration
	RateMaxAge    time.Duration
	SweepInterval time.Duration

	// Observability
	OTLPEndpoint string

	// HTTP surface
	CORSAllowedOrigins []string
	RateLimitPerMinute int
	// LocalRegistrar assigns invoice ids in-process instead of creating
	// invoices on the payments backend. Development only; PayPal is unavailable.
	LocalRegistrar bool
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultUSDCMint      = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	DefaultEURCMint      = "HzwqbKZw8HxMN6bF2yFZNrht3c2iXXzpKcFu7uBEDKtr"
	DefaultPollInterval  = 5 * time.Second
	DefaultInvoiceTTL    = 30 * time.Minute
	DefaultRateMaxAge    = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultRateLimitRPM  = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		PaymentsAPIURL:        os.Getenv("PAYMENTS_API_URL"),
		PaymentsAPIToken:      os.Getenv("PAYMENTS_API_TOKEN"),
		MerchantSolanaAddress: os.Getenv("MERCHANT_SOLANA_ADDRESS"),
		USDCMint:              getEnv("USDC_MINT", DefaultUSDCMint),
		EURCMint:              getEnv("EURC_MINT", DefaultEURCMint),
		PollInterval:          getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		InvoiceTTL:            getEnvDuration("INVOICE_TTL", DefaultInvoiceTTL),
		RateMaxAge:            getEnvDuration("RATE_MAX_AGE", DefaultRateMaxAge),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSAllowedOrigins:    getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitPerMinute:    getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		LocalRegistrar:        getEnv("INVOICE_REGISTRAR", "backend") == "local",
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PaymentsAPIURL == "" {
		return fmt.Errorf("PAYMENTS_API_URL is required")
	}
	u, err := url.Parse(c.PaymentsAPIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PAYMENTS_API_URL must be an absolute http(s) URL")
	}

	if c.MerchantSolanaAddress == "" {
		return fmt.Errorf("MERCHANT_SOLANA_ADDRESS is required")
	}

	if c.IsProduction() && c.PaymentsAPIToken == "" {
		return fmt.Errorf("PAYMENTS_API_TOKEN is required in production")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.InvoiceTTL <= 0 {
		return fmt.Errorf("INVOICE_TTL must be positive")
	}
	if c.RateMaxAge <= 0 {
		return fmt.Errorf("RATE_MAX_AGE must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.IsProduction() && c.LocalRegistrar {
		return fmt.Errorf("INVOICE_REGISTRAR=local is not allowed in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("5s") or bare seconds ("5").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
