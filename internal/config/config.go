package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Reserve  ReserveConfig
	Source   ChainConfig
	Dest     ChainConfig
	Operator OperatorConfig
	Poller   PollerConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// DatabaseConfig holds PostgreSQL configuration for the sighting history
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// Disabled turns the history store off entirely; derivation and
	// orchestration never depend on it.
	Disabled bool
}

// ReserveConfig holds the risk/reserve service connection settings
type ReserveConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// ChainConfig holds configuration for one EVM chain
type ChainConfig struct {
	Name          string // e.g. "sepolia"
	RPCEndpoint   string
	ChainSelector uint64 // transport-layer selector for this chain

	// Contract addresses. Issuer/Sender live on the source chain,
	// Receiver on the destination chain; Router is the source-side
	// transport router used for the advisory chain-support check.
	IssuerAddress   string
	SenderAddress   string
	ReceiverAddress string
	RouterAddress   string
	TokenAddress    string

	// LookbackBlocks bounds every log scan window on this chain.
	LookbackBlocks uint64
	// RouterLookbackBlocks bounds the generic router-executed probe, which
	// cannot filter by indexed topic and is therefore kept tighter.
	RouterLookbackBlocks uint64
	// Confirmations is the finality threshold: an event is ok only once its
	// block has at least this many confirmations.
	Confirmations uint64
	// WriteGasLimit caps gas for mint/send submissions.
	WriteGasLimit uint64
}

// OperatorConfig holds the operator wallet configuration
type OperatorConfig struct {
	PrivateKey string // hex, for signing source-chain transactions
}

// PollerConfig tunes the status refresh loop
type PollerConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	MaxDuration time.Duration
	Cooldown    time.Duration // manual refresh rate limit
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "greenreserve"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			Disabled: getEnvBool("DB_DISABLED", false),
		},
		Reserve: ReserveConfig{
			BaseURL:    strings.TrimRight(getEnv("RESERVE_API_BASE_URL", "http://localhost:8788"), "/"),
			Timeout:    getEnvDuration("RESERVE_API_TIMEOUT", 10*time.Second),
			MaxRetries: getEnvInt("RESERVE_API_MAX_RETRIES", 2),
		},
		Source: ChainConfig{
			Name:                 getEnv("SOURCE_CHAIN_NAME", "sepolia"),
			RPCEndpoint:          getEnv("SOURCE_RPC_ENDPOINT", ""),
			ChainSelector:        getEnvUint64("SOURCE_CHAIN_SELECTOR", 16015286601757825753),
			IssuerAddress:        getEnv("SOURCE_ISSUER_ADDRESS", ""),
			SenderAddress:        getEnv("SOURCE_SENDER_ADDRESS", ""),
			RouterAddress:        getEnv("SOURCE_ROUTER_ADDRESS", ""),
			TokenAddress:         getEnv("SOURCE_TOKEN_ADDRESS", ""),
			LookbackBlocks:       getEnvUint64("SOURCE_LOOKBACK_BLOCKS", 5_000),
			RouterLookbackBlocks: getEnvUint64("SOURCE_ROUTER_LOOKBACK_BLOCKS", 20_000),
			Confirmations:        getEnvUint64("SOURCE_CONFIRMATIONS", 2),
			WriteGasLimit:        getEnvUint64("SOURCE_WRITE_GAS_LIMIT", 800_000),
		},
		Dest: ChainConfig{
			Name:                 getEnv("DEST_CHAIN_NAME", "basesepolia"),
			RPCEndpoint:          getEnv("DEST_RPC_ENDPOINT", ""),
			ChainSelector:        getEnvUint64("DEST_CHAIN_SELECTOR", 10344971235874465080),
			ReceiverAddress:      getEnv("DEST_RECEIVER_ADDRESS", ""),
			TokenAddress:         getEnv("DEST_TOKEN_ADDRESS", ""),
			LookbackBlocks:       getEnvUint64("DEST_LOOKBACK_BLOCKS", 20_000),
			RouterLookbackBlocks: getEnvUint64("DEST_ROUTER_LOOKBACK_BLOCKS", 20_000),
			Confirmations:        getEnvUint64("DEST_CONFIRMATIONS", 2),
		},
		Operator: OperatorConfig{
			PrivateKey: getEnv("OPERATOR_PRIVATE_KEY", ""),
		},
		Poller: PollerConfig{
			BaseDelay:   getEnvDuration("POLLER_BASE_DELAY", 2*time.Second),
			MaxDelay:    getEnvDuration("POLLER_MAX_DELAY", 60*time.Second),
			MaxAttempts: getEnvInt("POLLER_MAX_ATTEMPTS", 30),
			MaxDuration: getEnvDuration("POLLER_MAX_DURATION", 20*time.Minute),
			Cooldown:    getEnvDuration("POLLER_REFRESH_COOLDOWN", 3*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Reserve.BaseURL == "" {
		return fmt.Errorf("reserve API base URL is required")
	}

	if c.Source.RPCEndpoint == "" {
		return fmt.Errorf("source chain RPC endpoint is required")
	}

	if c.Dest.RPCEndpoint == "" {
		return fmt.Errorf("destination chain RPC endpoint is required")
	}

	if c.Source.Confirmations == 0 || c.Dest.Confirmations == 0 {
		return fmt.Errorf("confirmation thresholds must be at least 1")
	}

	if c.Source.LookbackBlocks == 0 || c.Dest.LookbackBlocks == 0 {
		return fmt.Errorf("lookback windows must be positive")
	}

	if c.Poller.BaseDelay <= 0 || c.Poller.MaxDelay < c.Poller.BaseDelay {
		return fmt.Errorf("invalid poller delays: base=%s max=%s", c.Poller.BaseDelay, c.Poller.MaxDelay)
	}

	return nil
}

// Helper functions

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

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
