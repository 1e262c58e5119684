package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for the metering core.
type Config struct {
	Database   DatabaseConfig
	Redis      RedisConfig
	Chain      ChainConfig
	Oracle     OracleConfig
	Settlement SettlementConfig
	HTTPPort   string
	LogLevel   string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RedisConfig holds Redis connection settings for the stats counters.
// Redis is optional; with no address the stats service reads straight
// from the database.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ChainConfig holds RPC transport settings
type ChainConfig struct {
	// RPCEndpoint, when set by deployment config, is used exclusively.
	// Otherwise the manager walks FallbackEndpoints in order.
	RPCEndpoint       string
	FallbackEndpoints []string
	RequestTimeout    time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	HealthCheckEvery  time.Duration
}

// OracleConfig holds price oracle settings
type OracleConfig struct {
	TokenMint       string
	PriceServiceURL string
	PriceAPIKey     string
	RequestTimeout  time.Duration
	TWAPWindow      time.Duration
	Freshness       time.Duration
	BurnFloor       float64
	BurnCeiling     float64
	RefreshInterval time.Duration
}

// SettlementConfig holds batch settlement settings
type SettlementConfig struct {
	TreasuryAddress string
	// DepositAddress is the custodial wallet deposits must land in.
	// Empty means derive it from the custodial key.
	DepositAddress string
	// CustodialKey accepts a JSON byte array, a comma-delimited byte
	// list, a base-58 private key, or a BIP-39 mnemonic phrase.
	CustodialKey     string
	LegacyKeyDerive  bool
	BatchSize        int
	Interval         time.Duration
	ThresholdTokens  float64
	ConfirmTimeout   time.Duration
	ConfirmPollEvery time.Duration
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	floatVal, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return floatVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return boolVal
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	mint := os.Getenv("TOKEN_MINT")
	if mint == "" {
		return nil, fmt.Errorf("TOKEN_MINT is required")
	}

	cfg := &Config{
		HTTPPort: getEnvString("HTTP_PORT", "8080"),
		LogLevel: getEnvString("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			URL:             dbURL,
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", ""),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Chain: ChainConfig{
			RPCEndpoint:       getEnvString("SOLANA_RPC_ENDPOINT", ""),
			FallbackEndpoints: fallbackEndpoints(),
			RequestTimeout:    getEnvDuration("RPC_REQUEST_TIMEOUT", 30*time.Second),
			MaxRetries:        getEnvInt("RPC_MAX_RETRIES", 3),
			RetryBackoff:      getEnvDuration("RPC_RETRY_BACKOFF", 500*time.Millisecond),
			HealthCheckEvery:  getEnvDuration("RPC_HEALTH_CHECK_INTERVAL", 60*time.Second),
		},
		Oracle: OracleConfig{
			TokenMint:       mint,
			PriceServiceURL: getEnvString("PRICE_SERVICE_URL", "https://lite-api.jup.ag/price/v2"),
			PriceAPIKey:     getEnvString("PRICE_SERVICE_API_KEY", ""),
			RequestTimeout:  getEnvDuration("PRICE_REQUEST_TIMEOUT", 5*time.Second),
			TWAPWindow:      getEnvDuration("TWAP_WINDOW", 10*time.Minute),
			Freshness:       getEnvDuration("PRICE_FRESHNESS", 60*time.Second),
			BurnFloor:       getEnvFloat("BURN_FLOOR", 0.05),
			BurnCeiling:     getEnvFloat("BURN_CEILING", 50),
			RefreshInterval: getEnvDuration("PRICE_REFRESH_INTERVAL", 60*time.Second),
		},
		Settlement: SettlementConfig{
			TreasuryAddress:  getEnvString("TREASURY_ADDRESS", ""),
			DepositAddress:   getEnvString("DEPOSIT_ADDRESS", ""),
			CustodialKey:     getEnvString("CUSTODIAL_PRIVATE_KEY", ""),
			LegacyKeyDerive:  getEnvBool("CUSTODIAL_KEY_LEGACY_DERIVE", false),
			BatchSize:        getEnvInt("SETTLEMENT_BATCH_SIZE", 100),
			Interval:         getEnvDuration("SETTLEMENT_INTERVAL", 1*time.Hour),
			ThresholdTokens:  getEnvFloat("SETTLEMENT_THRESHOLD_TOKENS", 10),
			ConfirmTimeout:   getEnvDuration("SETTLEMENT_CONFIRM_TIMEOUT", 60*time.Second),
			ConfirmPollEvery: getEnvDuration("SETTLEMENT_CONFIRM_POLL", 2*time.Second),
		},
	}

	return cfg, nil
}

// fallbackEndpoints returns the public RPC endpoints tried in order
// when no explicit endpoint is configured.
func fallbackEndpoints() []string {
	if val := os.Getenv("SOLANA_FALLBACK_ENDPOINTS"); val != "" {
		var out []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return []string{
		"https://api.mainnet-beta.solana.com",
		"https://solana-rpc.publicnode.com",
		"https://rpc.ankr.com/solana",
	}
}
