// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow gateway
	EscrowAPIURL           string
	EscrowEmail            string
	EscrowAPIKey           string
	EscrowBrokerPercentage float64 // platform fee, percent of settlement amount
	EscrowWebhookSecret    string  // empty disables inbound signature checks

	// Blockchain settings
	ChainRPCURL     string
	ChainID         int64
	ContractAddress string
	AdminPrivateKey string // Hex-encoded, with or without 0x prefix

	// Remote call policy
	RemoteTimeout    time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	BreakerThreshold int
	BreakerOpenFor   time.Duration

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultBrokerPercentage = 2.5
	DefaultChainID          = 84532 // Base Sepolia
	DefaultRemoteTimeout    = 15 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryBaseDelay   = 200 * time.Millisecond
	DefaultBreakerThreshold = 5
	DefaultBreakerOpenFor   = 30 * time.Second
	DefaultRateLimit        = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		EscrowAPIURL:           os.Getenv("ESCROW_API_URL"),
		EscrowEmail:            os.Getenv("ESCROW_EMAIL"),
		EscrowAPIKey:           os.Getenv("ESCROW_API_KEY"),
		EscrowBrokerPercentage: getEnvFloat("ESCROW_BROKER_PERCENTAGE", DefaultBrokerPercentage),
		EscrowWebhookSecret:    os.Getenv("ESCROW_WEBHOOK_SECRET"),
		ChainRPCURL:            os.Getenv("CHAIN_RPC_URL"),
		ChainID:                getEnvInt64("CHAIN_ID", DefaultChainID),
		ContractAddress:        os.Getenv("CONTRACT_ADDRESS"),
		AdminPrivateKey:        os.Getenv("ADMIN_PRIVATE_KEY"),
		RemoteTimeout:          getEnvSeconds("REMOTE_TIMEOUT_SECONDS", DefaultRemoteTimeout),
		RetryMaxAttempts:       int(getEnvInt64("RETRY_MAX_ATTEMPTS", DefaultRetryAttempts)),
		RetryBaseDelay:         getEnvMillis("RETRY_BASE_DELAY_MS", DefaultRetryBaseDelay),
		BreakerThreshold:       int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerOpenFor:         getEnvSeconds("BREAKER_OPEN_SECONDS", DefaultBreakerOpenFor),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:           int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		OTLPEndpoint:           os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EscrowAPIURL == "" {
		return fmt.Errorf("ESCROW_API_URL is required")
	}
	if c.EscrowEmail == "" {
		return fmt.Errorf("ESCROW_EMAIL is required")
	}
	if c.EscrowAPIKey == "" {
		return fmt.Errorf("ESCROW_API_KEY is required")
	}
	if c.EscrowBrokerPercentage < 0 || c.EscrowBrokerPercentage >= 100 {
		return fmt.Errorf("ESCROW_BROKER_PERCENTAGE must be in [0, 100)")
	}

	// Anchoring is optional in development but must be configured as a unit.
	if c.AnchoringEnabled() {
		key := c.AdminPrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("ADMIN_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.ChainRPCURL == "" {
			return fmt.Errorf("CHAIN_RPC_URL is required when anchoring is configured")
		}
		if c.ContractAddress == "" {
			return fmt.Errorf("CONTRACT_ADDRESS is required when anchoring is configured")
		}
	} else if c.IsProduction() {
		return fmt.Errorf("CHAIN_RPC_URL, CONTRACT_ADDRESS and ADMIN_PRIVATE_KEY are required in production")
	}

	return nil
}

// AnchoringEnabled reports whether any on-chain setting is present.
func (c *Config) AnchoringEnabled() bool {
	return c.ChainRPCURL != "" || c.ContractAddress != "" || c.AdminPrivateKey != ""
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return defaultValue
}
