package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"trademirror/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Execution venue (Binance futures terminal)
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Signal venue (intercepted broker API)
	SignalBrokerURL string
	SignalAccountID string

	// Symbol mapping
	SymbolSuffix    string
	SymbolOverrides string // YAML override table path; optional
	PipTablePath    string // YAML pip size table path; optional

	// Engine
	Workers       int
	RetryAttempts int
	RetryDelay    time.Duration

	// Periodic loops
	ReconcileInterval time.Duration
	TrailingInterval  time.Duration

	// Bus
	BusBufferSize      int
	BusMaxRedeliveries int

	// Interception listener
	ListenAddr string

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Execution venue API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Signal venue
	cfg.SignalBrokerURL = getEnv("SIGNAL_BROKER_URL", "")
	if cfg.SignalBrokerURL == "" {
		errs = append(errs, "SIGNAL_BROKER_URL must be set")
	}
	cfg.SignalAccountID = getEnv("SIGNAL_ACCOUNT_ID", "")
	if cfg.SignalAccountID == "" {
		errs = append(errs, "SIGNAL_ACCOUNT_ID must be set")
	}

	// Symbol mapping
	cfg.SymbolSuffix = getEnv("SYMBOL_SUFFIX", ".a")
	cfg.SymbolOverrides = getEnv("SYMBOL_OVERRIDES_PATH", "./config/symbol_overrides.yaml")
	cfg.PipTablePath = getEnv("PIP_TABLE_PATH", "./config/pip_sizes.yaml")

	// Engine
	cfg.Workers, err = getEnvAsIntRequired("ENGINE_WORKERS", 4)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ENGINE_WORKERS: %v", err))
	} else if cfg.Workers <= 0 {
		errs = append(errs, "ENGINE_WORKERS must be positive")
	}

	cfg.RetryAttempts, err = getEnvAsIntRequired("RETRY_ATTEMPTS", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RETRY_ATTEMPTS: %v", err))
	} else if cfg.RetryAttempts <= 0 {
		errs = append(errs, "RETRY_ATTEMPTS must be positive")
	}

	retryDelayMs := getEnvAsInt("RETRY_DELAY_MS", 100)
	if retryDelayMs <= 0 {
		errs = append(errs, "RETRY_DELAY_MS must be positive")
	}
	cfg.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond

	// Periodic loops
	reconcileMs := getEnvAsInt("RECONCILE_INTERVAL_MS", 1000)
	if reconcileMs <= 0 {
		errs = append(errs, "RECONCILE_INTERVAL_MS must be positive")
	}
	cfg.ReconcileInterval = time.Duration(reconcileMs) * time.Millisecond

	trailingMs := getEnvAsInt("TRAILING_INTERVAL_MS", 1000)
	if trailingMs <= 0 {
		errs = append(errs, "TRAILING_INTERVAL_MS must be positive")
	}
	cfg.TrailingInterval = time.Duration(trailingMs) * time.Millisecond

	// Bus
	cfg.BusBufferSize = getEnvAsInt("BUS_BUFFER_SIZE", 256)
	if cfg.BusBufferSize <= 0 {
		errs = append(errs, "BUS_BUFFER_SIZE must be positive")
	}
	cfg.BusMaxRedeliveries = getEnvAsInt("BUS_MAX_REDELIVERIES", 3)
	if cfg.BusMaxRedeliveries <= 0 {
		errs = append(errs, "BUS_MAX_REDELIVERIES must be positive")
	}

	// Interception listener
	cfg.ListenAddr = getEnv("INTERCEPT_LISTEN_ADDR", "127.0.0.1:9440")
	if cfg.ListenAddr == "" {
		errs = append(errs, "INTERCEPT_LISTEN_ADDR must be set")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/trademirror.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
