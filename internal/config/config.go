// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Ledger
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement service
	SettlementURL   string  // JSON-RPC endpoint (optional, settles in-process if not set)
	SettlementToken string  // Bearer token sent to, and required by, the RPC service
	ServeRPC        bool    // Mount the settlement JSON-RPC service on this process
	RPCRateLimit    float64 // Requests per second per RPC caller, 0 = unlimited
	RPCBurst        int

	// Operator signing key. Hex-encoded secp256k1, with or without 0x prefix.
	OperatorPrivateKey string

	// Reconciler
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	CallTimeout  time.Duration
	MaxInFlight  int     // 0 = unbounded
	SettleRPS    float64 // 0 = unlimited

	// Settlement circuit breaker
	BreakerThreshold int
	BreakerOpen      time.Duration

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultPollInterval     = 30 * time.Second
	DefaultBackoffBase      = time.Second
	DefaultBackoffMax       = 5 * time.Minute
	DefaultCallTimeout      = 120 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerOpen      = 30 * time.Second
	DefaultRPCRateLimit     = 50
	DefaultRPCBurst         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SettlementURL:      os.Getenv("SETTLEMENT_URL"),
		SettlementToken:    os.Getenv("SETTLEMENT_TOKEN"),
		ServeRPC:           getEnvBool("SERVE_RPC", true),
		RPCRateLimit:       getEnvFloat("RPC_RPS", DefaultRPCRateLimit),
		RPCBurst:           int(getEnvInt64("RPC_BURST", DefaultRPCBurst)),
		OperatorPrivateKey: os.Getenv("OPERATOR_PRIVATE_KEY"), // Required, no default
		MaxInFlight:        int(getEnvInt64("MAX_IN_FLIGHT", 0)),
		SettleRPS:          getEnvFloat("SETTLE_RPS", 0),
		BreakerThreshold:   int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"POLL_INTERVAL", DefaultPollInterval, &cfg.PollInterval},
		{"BACKOFF_BASE", DefaultBackoffBase, &cfg.BackoffBase},
		{"BACKOFF_MAX", DefaultBackoffMax, &cfg.BackoffMax},
		{"CALL_TIMEOUT", DefaultCallTimeout, &cfg.CallTimeout},
		{"BREAKER_OPEN", DefaultBreakerOpen, &cfg.BreakerOpen},
	}
	for _, d := range durations {
		if *d.dest, err = getEnvDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OperatorPrivateKey == "" {
		return fmt.Errorf("OPERATOR_PRIVATE_KEY is required")
	}
	if _, err := c.OperatorAddress(); err != nil {
		return err
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("BACKOFF_BASE must be positive")
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("BACKOFF_MAX must be at least BACKOFF_BASE")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("CALL_TIMEOUT must be positive")
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("MAX_IN_FLIGHT must not be negative")
	}
	if c.SettleRPS < 0 {
		return fmt.Errorf("SETTLE_RPS must not be negative")
	}
	if c.RPCRateLimit < 0 || c.RPCBurst < 0 {
		return fmt.Errorf("RPC_RPS and RPC_BURST must not be negative")
	}
	if c.SettlementURL != "" && !strings.HasPrefix(c.SettlementURL, "http://") && !strings.HasPrefix(c.SettlementURL, "https://") {
		return fmt.Errorf("SETTLEMENT_URL must be an http(s) URL")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	return nil
}

// OperatorAddress derives the operator's checksummed address from the
// configured signing key.
func (c *Config) OperatorAddress() (string, error) {
	// Allow both with and without 0x prefix
	key := strings.TrimPrefix(c.OperatorPrivateKey, "0x")
	if len(key) != 64 {
		return "", fmt.Errorf("OPERATOR_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	pk, err := crypto.HexToECDSA(key)
	if err != nil {
		return "", fmt.Errorf("OPERATOR_PRIVATE_KEY is not a valid secp256k1 key: %w", err)
	}
	return crypto.PubkeyToAddress(pk.PublicKey).Hex(), nil
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("30s") or bare seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}
