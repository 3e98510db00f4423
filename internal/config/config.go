// Package config handles application configuration.
// Everything is read from the environment once at startup and passed
// explicitly to the components that need it.
package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	DeploymentHosted     = "hosted"
	DeploymentSelfHosted = "selfhosted"
)

// ErrMissingTokenSecret is returned in hosted mode when TOKEN_SECRET is unset.
var ErrMissingTokenSecret = errors.New("TOKEN_SECRET is required for hosted mode")

// TierLimits holds the rolling 24h message allowance for unpaid tiers.
type TierLimits struct {
	AnonymousDailyMessages int
	FreeDailyMessages      int
}

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port    int
	BaseURL string

	// Database
	DatabaseURL    string
	TursoURL       string
	TursoAuthToken string

	// Bearer tokens
	TokenSecret       string
	TokenIssueEnabled bool // Serve POST /api/v1/token (companion clients in dev/self-hosted)

	// BYOK key encryption (32-byte AES-256-GCM key)
	EncryptionKey []byte

	// Payment events
	StripeSecretKey     string
	StripeWebhookSecret string
	ClerkWebhookSecret  string // Svix signing secret

	// CORS
	CORSOrigins []string

	// Deployment mode
	DeploymentMode string // "hosted" or "selfhosted"

	// Pricing table source, first match wins: file, then bucket, then built-in.
	PricingFile string
	PricingKey  string
	FreeModelID string // Overrides the table's free_model when set

	// Object Storage (S3-compatible)
	Storage StorageConfig

	Limits  TierLimits
	Billing BillingConfig

	// HTTP behaviour
	RequestTimeout     time.Duration
	RateLimitPerMinute int
	IdleTimeout        time.Duration // Scale-to-zero: exit after this long without traffic; 0 disables

	// Settlement retries on ledger version conflicts
	SettleMaxAttempts int
}

// StorageConfig configures the S3-compatible bucket the pricing table can live in.
type StorageConfig struct {
	Endpoint  string // AWS_ENDPOINT_URL_S3
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
}

// Enabled reports whether a bucket is configured.
func (s StorageConfig) Enabled() bool {
	return s.Bucket != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("PORT", 8080),
		BaseURL:        getEnv("BASE_URL", "http://localhost:8080"),
		DatabaseURL:    getEnv("DATABASE_URL", "file:chatgate.db"),
		TursoURL:       getEnv("TURSO_URL", ""),
		TursoAuthToken: getEnv("TURSO_AUTH_TOKEN", ""),

		TokenSecret: getEnv("TOKEN_SECRET", ""),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		ClerkWebhookSecret:  getEnv("CLERK_WEBHOOK_SECRET", ""),

		CORSOrigins:    getEnvSlice("CORS_ORIGINS", []string{"http://localhost:3000"}),
		DeploymentMode: strings.ToLower(getEnv("DEPLOYMENT_MODE", DeploymentHosted)),

		PricingFile: getEnv("PRICING_FILE", ""),
		PricingKey:  getEnv("PRICING_KEY", "config/pricing.toml"),
		FreeModelID: getEnv("FREE_MODEL_ID", ""),

		Storage: StorageConfig{
			Endpoint:  getEnv("AWS_ENDPOINT_URL_S3", ""),
			AccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Bucket:    getEnvWithFallback("BUCKET_NAME", "STORAGE_BUCKET", ""),
			Region:    getEnv("AWS_REGION", "auto"),
		},

		Limits: TierLimits{
			AnonymousDailyMessages: getEnvInt("ANONYMOUS_DAILY_MESSAGES", 10),
			FreeDailyMessages:      getEnvInt("FREE_DAILY_MESSAGES", 50),
		},
		Billing: LoadBillingConfig(),

		RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		IdleTimeout:        getEnvDuration("IDLE_TIMEOUT", 0),
		SettleMaxAttempts:  getEnvInt("SETTLE_MAX_ATTEMPTS", 5),
	}

	if cfg.DeploymentMode != DeploymentHosted && cfg.DeploymentMode != DeploymentSelfHosted {
		return nil, fmt.Errorf("DEPLOYMENT_MODE must be %q or %q, got %q", DeploymentHosted, DeploymentSelfHosted, cfg.DeploymentMode)
	}

	if cfg.TokenSecret == "" {
		if !cfg.IsSelfHosted() {
			return nil, ErrMissingTokenSecret
		}
		// Self-hosted tokens only need to survive this process.
		cfg.TokenSecret = generateRandomSecret(64)
	}

	cfg.TokenIssueEnabled = getEnvBool("TOKEN_ISSUE_ENABLED", cfg.IsSelfHosted())

	if encKey := getEnv("ENCRYPTION_KEY", ""); encKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(encKey)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("ENCRYPTION_KEY must be a base64-encoded 32-byte key")
		}
		cfg.EncryptionKey = decoded
	} else {
		cfg.EncryptionKey = deriveEncryptionKey(cfg.TokenSecret)
	}

	if cfg.SettleMaxAttempts < 1 {
		cfg.SettleMaxAttempts = 1
	}

	return cfg, nil
}

// IsSelfHosted returns true if running in self-hosted mode.
func (c *Config) IsSelfHosted() bool {
	return c.DeploymentMode == DeploymentSelfHosted
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

func getEnvWithFallback(primary, fallback, defaultValue string) string {
	if value := os.Getenv(primary); value != "" {
		return value
	}
	if value := os.Getenv(fallback); value != "" {
		return value
	}
	return defaultValue
}

func generateRandomSecret(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic("config: failed to generate secret: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// deriveEncryptionKey derives the 32-byte BYOK key from the token secret with HKDF-SHA256.
func deriveEncryptionKey(secret string) []byte {
	r := hkdf.New(sha256.New, []byte(secret), []byte("chatgate-byok-key-v1"), []byte("aes-256-gcm"))

	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		panic("hkdf: failed to derive key: " + err.Error())
	}
	return key
}
