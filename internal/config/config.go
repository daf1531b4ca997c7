/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the transfer-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventExchange        string `mapstructure:"EVENT_EXCHANGE"`

	LedgerStoreBaseURL string `mapstructure:"LEDGER_STORE_BASE_URL"`
	LedgerStoreAPIKey  string `mapstructure:"LEDGER_STORE_API_KEY"`
	LedgerCollection   string `mapstructure:"LEDGER_COLLECTION"`
	RelayStoreBaseURL  string `mapstructure:"RELAY_STORE_BASE_URL"`
	RelayStoreAPIKey   string `mapstructure:"RELAY_STORE_API_KEY"`
	RelayCollection    string `mapstructure:"RELAY_COLLECTION"`
	DirectoryCollection string `mapstructure:"DIRECTORY_COLLECTION"`

	InstitutionRoutingCode string `mapstructure:"INSTITUTION_ROUTING_CODE"`
	AuthJWKSURL            string `mapstructure:"AUTH_JWKS_URL"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`

	MaxTransferAmountMinor int64 `mapstructure:"MAX_TRANSFER_AMOUNT_MINOR"`
	TransferRateLimitPerMinute int `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`

	StepRetryMaxAttempts     int `mapstructure:"STEP_RETRY_MAX_ATTEMPTS"`
	StepRetryBaseBackoffMs   int `mapstructure:"STEP_RETRY_BASE_BACKOFF_MS"`
	StepRetryMaxBackoffMs    int `mapstructure:"STEP_RETRY_MAX_BACKOFF_MS"`
	RelayPollIntervalSeconds int `mapstructure:"RELAY_POLL_INTERVAL_SECONDS"`
	RelayExpirySeconds       int `mapstructure:"RELAY_EXPIRY_SECONDS"`
	RelaySweepIntervalSeconds int `mapstructure:"RELAY_SWEEP_INTERVAL_SECONDS"`
	IdempotencyMarkerTTLMin  int `mapstructure:"IDEMPOTENCY_MARKER_TTL_MINUTES"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("EVENT_EXCHANGE", "ledgerbridge.events")
	viper.SetDefault("LEDGER_COLLECTION", "customer")
	viper.SetDefault("RELAY_COLLECTION", "common_db")
	viper.SetDefault("DIRECTORY_COLLECTION", "account_directory")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ledgerbridge:rate_limit")
	viper.SetDefault("MAX_TRANSFER_AMOUNT_MINOR", 0)
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("STEP_RETRY_MAX_ATTEMPTS", 4)
	viper.SetDefault("STEP_RETRY_BASE_BACKOFF_MS", 100)
	viper.SetDefault("STEP_RETRY_MAX_BACKOFF_MS", 2000)
	viper.SetDefault("RELAY_POLL_INTERVAL_SECONDS", 15)
	viper.SetDefault("RELAY_EXPIRY_SECONDS", 86400)
	viper.SetDefault("RELAY_SWEEP_INTERVAL_SECONDS", 300)
	viper.SetDefault("IDEMPOTENCY_MARKER_TTL_MINUTES", 1440)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSFER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("LEDGER_STORE_BASE_URL")
	_ = viper.BindEnv("LEDGER_STORE_API_KEY")
	_ = viper.BindEnv("LEDGER_COLLECTION")
	_ = viper.BindEnv("RELAY_STORE_BASE_URL")
	_ = viper.BindEnv("RELAY_STORE_API_KEY")
	_ = viper.BindEnv("RELAY_COLLECTION")
	_ = viper.BindEnv("DIRECTORY_COLLECTION")
	_ = viper.BindEnv("INSTITUTION_ROUTING_CODE")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TRANSFER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("MAX_TRANSFER_AMOUNT_MINOR")
	_ = viper.BindEnv("TRANSFER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("STEP_RETRY_MAX_ATTEMPTS")
	_ = viper.BindEnv("STEP_RETRY_BASE_BACKOFF_MS")
	_ = viper.BindEnv("STEP_RETRY_MAX_BACKOFF_MS")
	_ = viper.BindEnv("RELAY_POLL_INTERVAL_SECONDS")
	_ = viper.BindEnv("RELAY_EXPIRY_SECONDS")
	_ = viper.BindEnv("RELAY_SWEEP_INTERVAL_SECONDS")
	_ = viper.BindEnv("IDEMPOTENCY_MARKER_TTL_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("TRANSFER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ledgerbridge:rate_limit"
	}
	config.InstitutionRoutingCode = strings.TrimSpace(config.InstitutionRoutingCode)

	// The relay store defaults to the ledger store when not split out; small
	// deployments share one document store for both.
	if strings.TrimSpace(config.RelayStoreBaseURL) == "" {
		config.RelayStoreBaseURL = config.LedgerStoreBaseURL
		if strings.TrimSpace(config.RelayStoreAPIKey) == "" {
			config.RelayStoreAPIKey = config.LedgerStoreAPIKey
		}
	}

	if config.MaxTransferAmountMinor < 0 {
		log.Printf("level=warn component=config msg=\"negative transfer limit configured; coercing to unlimited\" limit=%d", config.MaxTransferAmountMinor)
		config.MaxTransferAmountMinor = 0
	}
	if config.TransferRateLimitPerMinute < 0 {
		config.TransferRateLimitPerMinute = 0
	}
	if config.StepRetryMaxAttempts <= 0 {
		config.StepRetryMaxAttempts = 4
	}
	if config.StepRetryBaseBackoffMs <= 0 {
		config.StepRetryBaseBackoffMs = 100
	}
	if config.StepRetryMaxBackoffMs <= 0 {
		config.StepRetryMaxBackoffMs = 2000
	}
	if config.RelayPollIntervalSeconds <= 0 {
		config.RelayPollIntervalSeconds = 15
	}
	if config.RelayExpirySeconds <= 0 {
		config.RelayExpirySeconds = 86400
	}
	if config.RelaySweepIntervalSeconds <= 0 {
		config.RelaySweepIntervalSeconds = 300
	}
	if config.IdempotencyMarkerTTLMin <= 0 {
		config.IdempotencyMarkerTTLMin = 1440
	}

	return
}
