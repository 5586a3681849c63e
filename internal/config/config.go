// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds configuration shared by all mesh binaries. Each binary reads
// the subset it needs; Validate enforces only the fields required everywhere.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database (registry only; uses in-memory store if not set)
	DatabaseURL string

	// Ledger settings
	RPCURL        string
	ChainID       int64
	Network       string // network name advertised in payment challenges
	TokenContract string // USDC contract ("token mint")
	PrivateKey    string // Hex-encoded, with or without 0x prefix
	WalletAddress string

	// Marketplace endpoints
	RegistryURL    string
	FacilitatorURL string

	// Agent identity (provider/consumer binaries)
	AgentID     string
	AgentName   string
	EndpointURL string

	// Provider settings
	PollInterval time.Duration // RFP poll cadence
	TaskTypes    []string      // task types this provider bids on
	PriceUSDC    string        // advertised price per delivery

	// Consumer settings
	BidWindow       time.Duration // how long to collect bids
	SettleTimeout   time.Duration
	RequestDeadline time.Duration // end-to-end consumer deadline

	// Evaluator
	ModelAPIKey  string // enables the model-backed bid evaluator when set
	ModelName    string
	ModelBaseURL string

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532                                        // Base Sepolia
	DefaultTokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultNetwork       = "base-sepolia"
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRegistryURL   = "http://localhost:8080"
	DefaultFacilitator   = "http://localhost:3000"
	DefaultPriceUSDC     = "0.0001"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RPCURL:          getEnv("RPC_URL", DefaultRPCURL),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		Network:         getEnv("NETWORK", DefaultNetwork),
		TokenContract:   getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		PrivateKey:      os.Getenv("PRIVATE_KEY"),
		WalletAddress:   os.Getenv("WALLET_ADDRESS"),
		RegistryURL:     getEnv("REGISTRY_URL", DefaultRegistryURL),
		FacilitatorURL:  getEnv("FACILITATOR_URL", DefaultFacilitator),
		AgentID:         os.Getenv("AGENT_ID"),
		AgentName:       os.Getenv("AGENT_NAME"),
		EndpointURL:     os.Getenv("ENDPOINT_URL"),
		PollInterval:    getEnvDuration("POLL_INTERVAL", 3*time.Second),
		TaskTypes:       splitCSV(getEnv("TASK_TYPES", "price_data")),
		PriceUSDC:       getEnv("PRICE_USDC", DefaultPriceUSDC),
		BidWindow:       getEnvDuration("BID_WINDOW", 10*time.Second),
		SettleTimeout:   getEnvDuration("SETTLE_TIMEOUT", 30*time.Second),
		RequestDeadline: getEnvDuration("REQUEST_DEADLINE", 60*time.Second),
		ModelAPIKey:     os.Getenv("MODEL_API_KEY"),
		ModelName:       getEnv("MODEL_NAME", "claude-sonnet-4-5"),
		ModelBaseURL:    getEnv("MODEL_BASE_URL", "https://api.anthropic.com"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	return cfg, nil
}

// ValidateWallet checks that wallet credentials are usable.
// Called by binaries that sign or receive payments; the registry does not
// hold keys and skips this.
func (c *Config) ValidateWallet() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := strings.TrimPrefix(c.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	return nil
}

// ValidateAgent checks identity fields required by provider and consumer binaries.
func (c *Config) ValidateAgent() error {
	if c.AgentID == "" {
		return fmt.Errorf("AGENT_ID is required")
	}
	if c.WalletAddress == "" {
		return fmt.Errorf("WALLET_ADDRESS is required")
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
