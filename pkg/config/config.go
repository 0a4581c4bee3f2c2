package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Crypto   CryptoConfig
	Slack    SlackConfig
	Cache    CacheConfig
	Admin    AdminConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port string
	Env  string
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string
	OpTimeout       time.Duration
}

// CryptoConfig holds encryption-related configuration. MasterSecret is the
// operator-held outer secret; key material at rest is wrapped under a KEK
// derived from it.
type CryptoConfig struct {
	MasterSecret  string
	KDFSalt       string
	KeyMaxAge     time.Duration
	SweepInterval time.Duration
}

// SlackConfig holds the OAuth collaborator configuration
type SlackConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       string
	StateSecret  string
	StateTTL     time.Duration
}

// CacheConfig holds credential cache configuration
type CacheConfig struct {
	CredentialTTL time.Duration
}

// AdminConfig holds admin API authentication configuration. APIKeyHash is
// a bcrypt hash of the admin bearer key.
type AdminConfig struct {
	APIKeyHash string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// MetricsConfig holds metrics-related configuration
type MetricsConfig struct {
	Prefix string
}

// Load loads the application configuration from environment variables
func Load() (*Config, error) {
	// Load environment variables from .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8086"),
			Env:  getEnv("APP_ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Name:            getEnv("DB_NAME", "tokenbroker_db"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 1*time.Hour),
			LogLevel:        getEnv("DB_LOG_LEVEL", "info"),
			OpTimeout:       getEnvAsDuration("DB_OP_TIMEOUT", 5*time.Second),
		},
		Crypto: CryptoConfig{
			MasterSecret:  getEnv("CRYPTO_MASTER_SECRET", ""),
			KDFSalt:       getEnv("CRYPTO_KDF_SALT", ""),
			KeyMaxAge:     getEnvAsDuration("CRYPTO_KEY_MAX_AGE", 90*24*time.Hour),
			SweepInterval: getEnvAsDuration("CRYPTO_SWEEP_INTERVAL", 12*time.Hour),
		},
		Slack: SlackConfig{
			ClientID:     getEnv("SLACK_CLIENT_ID", ""),
			ClientSecret: getEnv("SLACK_CLIENT_SECRET", ""),
			RedirectURL:  getEnv("SLACK_REDIRECT_URL", "http://localhost:8086/slack/oauth/callback"),
			Scopes:       getEnv("SLACK_SCOPES", "app_mentions:read,chat:write,im:history,im:read,im:write"),
			StateSecret:  getEnv("SLACK_STATE_SECRET", ""),
			StateTTL:     getEnvAsDuration("SLACK_STATE_TTL", 10*time.Minute),
		},
		Cache: CacheConfig{
			CredentialTTL: getEnvAsDuration("CREDENTIAL_CACHE_TTL", 30*time.Minute),
		},
		Admin: AdminConfig{
			APIKeyHash: getEnv("ADMIN_API_KEY_HASH", ""),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Prefix: getEnv("METRICS_PREFIX", "tokenbroker"),
		},
	}, nil
}

// Helper functions to get environment variables with defaults
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
