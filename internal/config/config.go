// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sitegrade/purchaselink/internal/linktoken"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Purchase links
	PurchaseLinkSecret string
	PurchaseLinkTTL    time.Duration
	PurchaseBaseURL    string

	// SigningKey is derived from PurchaseLinkSecret by Validate.
	SigningKey linktoken.SigningKey

	// Referral share links (disabled when the secret is empty)
	ReferralJWTSecret string
	ReferralLinkTTL   time.Duration
	ReferralBaseURL   string

	// Checkout (Stripe). Checkout is disabled when StripeSecretKey is empty.
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	CheckoutCurrency    string

	// Assessment workflow API (preview endpoint disabled when empty)
	AssessmentAPIURL   string
	AssessmentAPIKey   string
	AssessmentCacheTTL time.Duration
	RedisURL           string // optional shared preview cache

	// Security
	AdminSecret  string
	RateLimitRPM int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultPurchaseBaseURL  = "http://localhost:3000/purchase"
	DefaultReferralBaseURL  = "http://localhost:3000/r"
	DefaultCheckoutCurrency = "usd"
	DefaultRateLimit        = 60

	// MaxLinkTTL bounds PURCHASE_LINK_TTL and REFERRAL_LINK_TTL.
	MaxLinkTTL = 365 * 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := &envReader{}
	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		PurchaseLinkSecret:  os.Getenv(linktoken.SecretEnv),
		PurchaseLinkTTL:     env.seconds("PURCHASE_LINK_TTL", linktoken.DefaultTTL),
		PurchaseBaseURL:     getEnv("PURCHASE_BASE_URL", DefaultPurchaseBaseURL),
		ReferralJWTSecret:   os.Getenv("REFERRAL_JWT_SECRET"),
		ReferralLinkTTL:     env.seconds("REFERRAL_LINK_TTL", 30*24*time.Hour),
		ReferralBaseURL:     getEnv("REFERRAL_BASE_URL", DefaultReferralBaseURL),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:  os.Getenv("CHECKOUT_SUCCESS_URL"),
		CheckoutCancelURL:   os.Getenv("CHECKOUT_CANCEL_URL"),
		CheckoutCurrency:    getEnv("CHECKOUT_CURRENCY", DefaultCheckoutCurrency),
		AssessmentAPIURL:    os.Getenv("ASSESSMENT_API_URL"),
		AssessmentAPIKey:    os.Getenv("ASSESSMENT_API_KEY"),
		AssessmentCacheTTL:  env.seconds("ASSESSMENT_CACHE_TTL", 10*time.Minute),
		RedisURL:            os.Getenv("REDIS_URL"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(env.integer("RATE_LIMIT_RPM", int64(DefaultRateLimit), math.MaxInt32)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and derives
// the signing key. A missing or weak secret is a *linktoken.ConfigError.
func (c *Config) Validate() error {
	key, err := linktoken.NewSigningKey(c.PurchaseLinkSecret)
	if err != nil {
		return err
	}
	c.SigningKey = key

	if c.PurchaseLinkTTL < time.Second || c.PurchaseLinkTTL > MaxLinkTTL {
		return fmt.Errorf("PURCHASE_LINK_TTL must be between 1 and %d seconds", int64(MaxLinkTTL/time.Second))
	}
	if c.ReferralLinkTTL < 0 || c.ReferralLinkTTL > MaxLinkTTL {
		return fmt.Errorf("REFERRAL_LINK_TTL must be between 0 and %d seconds", int64(MaxLinkTTL/time.Second))
	}
	if err := requireAbsoluteURL("PURCHASE_BASE_URL", c.PurchaseBaseURL); err != nil {
		return err
	}

	if c.StripeSecretKey != "" {
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
		}
		if err := requireAbsoluteURL("CHECKOUT_SUCCESS_URL", c.CheckoutSuccessURL); err != nil {
			return err
		}
		if err := requireAbsoluteURL("CHECKOUT_CANCEL_URL", c.CheckoutCancelURL); err != nil {
			return err
		}
	}

	if c.AssessmentAPIURL != "" {
		if err := requireAbsoluteURL("ASSESSMENT_API_URL", c.AssessmentAPIURL); err != nil {
			return err
		}
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}

	return nil
}

// CheckoutEnabled reports whether Stripe checkout is configured.
func (c *Config) CheckoutEnabled() bool {
	return c.StripeSecretKey != ""
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

// envReader parses numeric variables and keeps every parse failure, so a
// typo is reported instead of silently replaced by the default.
type envReader struct {
	errs []error
}

func (r *envReader) integer(key string, defaultValue, maxValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil || i > maxValue {
		r.errs = append(r.errs, fmt.Errorf("%s must be an integer no greater than %d, got %q", key, maxValue, value))
		return defaultValue
	}
	return i
}

// seconds reads a whole number of seconds.
func (r *envReader) seconds(key string, defaultValue time.Duration) time.Duration {
	maxSeconds := int64(math.MaxInt64 / int64(time.Second))
	return time.Duration(r.integer(key, int64(defaultValue/time.Second), maxSeconds)) * time.Second
}

func requireAbsoluteURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
	}
	return nil
}
