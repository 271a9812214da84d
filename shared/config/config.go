// Package config loads service settings from the environment, with an
// optional .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv string
	Port   string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NatsURL string

	JWTSecret       string
	JWTExpiresIn    time.Duration
	RefreshTokenTTL time.Duration

	WhatsAppAPIURL        string
	WhatsAppPhoneNumberID string
	WhatsAppAccessToken   string
	WhatsAppVerifyToken   string
	WhatsAppAppSecret     string

	StripeSecretKey     string
	StripeWebhookSecret string

	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	AuthServiceURL      string
	MessagingServiceURL string
	BillingServiceURL   string

	RateLimitRPS   float64
	RateLimitBurst int

	SchedulerRefresh time.Duration
}

// Load reads .env (when present) and then the process environment.
// defaultPort is used when PORT is unset so each service keeps its own port.
func Load(defaultPort string) (*Config, error) {
	_ = godotenv.Load()

	jwtTTL, err := ParseDuration(env("JWT_EXPIRES_IN", "7d"))
	if err != nil {
		return nil, fmt.Errorf("JWT_EXPIRES_IN: %w", err)
	}
	refreshTTL, err := ParseDuration(env("REFRESH_TOKEN_TTL", "30d"))
	if err != nil {
		return nil, fmt.Errorf("REFRESH_TOKEN_TTL: %w", err)
	}
	schedRefresh, err := ParseDuration(env("SCHEDULER_REFRESH", "1m"))
	if err != nil {
		return nil, fmt.Errorf("SCHEDULER_REFRESH: %w", err)
	}

	cfg := &Config{
		AppEnv:      env("APP_ENV", "production"),
		Port:        env("PORT", defaultPort),
		DatabaseURL: env("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=wa_saas port=5432 sslmode=disable"),

		RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		NatsURL: env("NATS_URL", "nats://localhost:4222"),

		JWTSecret:       os.Getenv("JWT_SECRET"),
		JWTExpiresIn:    jwtTTL,
		RefreshTokenTTL: refreshTTL,

		WhatsAppAPIURL:        strings.TrimRight(env("WHATSAPP_API_URL", "https://graph.facebook.com/v19.0"), "/"),
		WhatsAppPhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		WhatsAppAccessToken:   os.Getenv("WHATSAPP_ACCESS_TOKEN"),
		WhatsAppVerifyToken:   os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		WhatsAppAppSecret:     os.Getenv("WHATSAPP_APP_SECRET"),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),

		RazorpayKeyID:         os.Getenv("RAZORPAY_KEY_ID"),
		RazorpayKeySecret:     os.Getenv("RAZORPAY_KEY_SECRET"),
		RazorpayWebhookSecret: os.Getenv("RAZORPAY_WEBHOOK_SECRET"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),

		AuthServiceURL:      env("AUTH_SERVICE_URL", "http://localhost:8081"),
		MessagingServiceURL: env("MESSAGING_SERVICE_URL", "http://localhost:8082"),
		BillingServiceURL:   env("BILLING_SERVICE_URL", "http://localhost:8083"),

		RateLimitRPS:   envFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 20),

		SchedulerRefresh: schedRefresh,
	}
	return cfg, nil
}

// Validate checks settings every service needs.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

func (c *Config) Development() bool {
	return c.AppEnv == "development"
}

// ParseDuration accepts Go durations ("90m") and whole days ("7d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid day duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
