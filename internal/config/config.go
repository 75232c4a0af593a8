package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port   string
	Mode   string
	APIKey string

	// Storage configuration
	DatabaseURL      string
	LedgerSQLitePath string
	CachePath        string
	RedisURL         string

	// Provider configuration
	ProviderURL           string
	ProviderAPIKey        string
	ProviderWebhookSecret string
	CatalogFile           string

	// Account logged in at start, if any
	AccountID string

	// Reconciliation configuration
	CacheValidity        time.Duration
	VerifyTimeout        time.Duration
	RefreshTimeout       time.Duration
	GracePeriod          time.Duration
	MaxReconnectAttempts int
	RefreshRateLimit     time.Duration

	// App backend webhook configuration
	WebhookCallbackURL string
	WebhookSecret      string

	// Brevo email configuration
	BrevoAPIKey    string
	BrevoFromEmail string
	AlertEmail     string

	// Logging configuration
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = Load()
	return nil
}

// Load reads configuration from the environment
func Load() *Config {
	return &Config{
		Port:                  getEnv("PORT", "8080"),
		Mode:                  getEnv("GIN_MODE", "debug"),
		APIKey:                getEnv("API_KEY", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		LedgerSQLitePath:      getEnv("LEDGER_SQLITE_PATH", "entitlement-ledger.db"),
		CachePath:             getEnv("CACHE_PATH", "entitlement-cache.db"),
		RedisURL:              getEnv("REDIS_URL", ""),
		ProviderURL:           getEnv("PROVIDER_URL", "http://localhost:9400"),
		ProviderAPIKey:        getEnv("PROVIDER_API_KEY", ""),
		ProviderWebhookSecret: getEnv("PROVIDER_WEBHOOK_SECRET", ""),
		CatalogFile:           getEnv("CATALOG_FILE", ""),
		AccountID:             getEnv("ACCOUNT_ID", ""),
		CacheValidity:         getEnvDuration("CACHE_VALIDITY", 30*time.Second),
		VerifyTimeout:         getEnvDuration("VERIFY_TIMEOUT", 4*time.Second),
		RefreshTimeout:        getEnvDuration("REFRESH_TIMEOUT", 3*time.Second),
		GracePeriod:           getEnvDuration("GRACE_PERIOD", 48*time.Hour),
		MaxReconnectAttempts:  getEnvInt("MAX_RECONNECT_ATTEMPTS", 5),
		RefreshRateLimit:      getEnvDuration("REFRESH_RATE_LIMIT", 5*time.Second),
		WebhookCallbackURL:    getEnv("WEBHOOK_CALLBACK_URL", ""),
		WebhookSecret:         getEnv("WEBHOOK_SECRET", ""),
		BrevoAPIKey:           getEnv("BREVO_API_KEY", ""),
		BrevoFromEmail:        getEnv("BREVO_FROM_EMAIL", ""),
		AlertEmail:            getEnv("ALERT_EMAIL", ""),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
	}
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

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
