package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port string

	DatabaseURL string

	StripeSecret        string
	StripeWebhookSecret string
	StripeAnnualPriceID string
	LifetimePriceCents  int64
	Currency            string

	LicenseSecret string
	TrialDays     int

	CORSOrigins []string
	RateLimit   RateLimit
	// TrustProxy takes the client address from X-Forwarded-For and
	// X-Real-IP. Only set it behind a proxy that overwrites those headers.
	TrustProxy bool

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string

	SentryDSN string

	// Development is set when running against Stripe test mode.
	Development bool
}

type RateLimit struct {
	Requests int
	Window   time.Duration
}

// EmailEnabled reports whether enough SMTP settings exist to send mail.
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != "" && c.SMTPPort != ""
}

func New() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "memory://"
	}

	stripeSecret := os.Getenv("STRIPE_SECRET")
	if stripeSecret == "" {
		return nil, errors.New("STRIPE_SECRET environment variable is required")
	}

	stripeWebhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if stripeWebhookSecret == "" {
		return nil, errors.New("STRIPE_WEBHOOK_SECRET environment variable is required")
	}

	licenseSecret := os.Getenv("LICENSE_SECRET")
	if licenseSecret == "" {
		return nil, errors.New("LICENSE_SECRET environment variable is required")
	}

	trialDays, err := intEnv("TRIAL_DAYS", 14)
	if err != nil {
		return nil, err
	}
	if trialDays <= 0 {
		return nil, errors.New("TRIAL_DAYS must be positive")
	}

	lifetimePrice, err := intEnv("LIFETIME_PRICE_CENTS", 2900)
	if err != nil {
		return nil, err
	}
	if lifetimePrice <= 0 {
		return nil, errors.New("LIFETIME_PRICE_CENTS must be positive")
	}

	currency := strings.ToLower(os.Getenv("CURRENCY"))
	if currency == "" {
		currency = "usd"
	}

	rateRequests, err := intEnv("RATE_LIMIT_REQUESTS", 30)
	if err != nil {
		return nil, err
	}
	rateWindow := time.Minute
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		rateWindow, err = time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("RATE_LIMIT_WINDOW: %w", err)
		}
	}

	trustProxy := false
	if v := os.Getenv("TRUST_PROXY"); v != "" {
		trustProxy, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("TRUST_PROXY must be a boolean: %w", err)
		}
	}

	smtpHost := os.Getenv("SMTP_HOST")
	smtpPort := os.Getenv("SMTP_PORT")
	smtpUsername := os.Getenv("SMTP_USERNAME")
	smtpPassword := os.Getenv("SMTP_PASSWORD")
	if smtpHost != "" && smtpPort == "" {
		smtpPort = "587"
	}
	emailFrom := os.Getenv("EMAIL_FROM")
	if emailFrom == "" {
		emailFrom = "licenses@pfw.app"
	}

	return &Config{
		Port:                port,
		DatabaseURL:         dbURL,
		StripeSecret:        stripeSecret,
		StripeWebhookSecret: stripeWebhookSecret,
		StripeAnnualPriceID: os.Getenv("STRIPE_ANNUAL_PRICE_ID"),
		LifetimePriceCents:  int64(lifetimePrice),
		Currency:            currency,
		LicenseSecret:       licenseSecret,
		TrialDays:           trialDays,
		CORSOrigins:         splitList(os.Getenv("CORS_ORIGINS"), []string{"*"}),
		RateLimit:           RateLimit{Requests: rateRequests, Window: rateWindow},
		TrustProxy:          trustProxy,
		SMTPHost:            smtpHost,
		SMTPPort:            smtpPort,
		SMTPUsername:        smtpUsername,
		SMTPPassword:        smtpPassword,
		EmailFrom:           emailFrom,
		SentryDSN:           os.Getenv("SENTRY_DSN"),
		Development:         strings.HasPrefix(stripeSecret, "sk_test_"),
	}, nil
}

func intEnv(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, err)
	}
	return n, nil
}

func splitList(v string, fallback []string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
