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
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	PaystackAPIBaseURL    string `mapstructure:"PAYSTACK_API_BASE_URL"`
	PaystackSecretKey     string `mapstructure:"PAYSTACK_SECRET_KEY"`
	PaystackWebhookSecret string `mapstructure:"PAYSTACK_WEBHOOK_SECRET"`

	Currency                string `mapstructure:"CURRENCY"`
	Country                 string `mapstructure:"COUNTRY"`
	TransferReferencePrefix string `mapstructure:"TRANSFER_REFERENCE_PREFIX"`
	MinTransferAmount       int64  `mapstructure:"MIN_TRANSFER_AMOUNT"`
	MaxTransferAmount       int64  `mapstructure:"MAX_TRANSFER_AMOUNT"`
	ValidationChargeCents   int64  `mapstructure:"VALIDATION_CHARGE_CENTS"`

	MaxTransferRetries        int `mapstructure:"MAX_TRANSFER_RETRIES"`
	RetryBaseDelaySeconds     int `mapstructure:"RETRY_BASE_DELAY_SECONDS"`
	MaxRetryDelaySeconds      int `mapstructure:"MAX_RETRY_DELAY_SECONDS"`
	StaleTransferAfterSeconds int `mapstructure:"STALE_TRANSFER_AFTER_SECONDS"`
	SchedulerBatchSize        int `mapstructure:"SCHEDULER_BATCH_SIZE"`

	RetryDispatchSchedule string `mapstructure:"RETRY_DISPATCH_SCHEDULE"`
	ReconcileSchedule     string `mapstructure:"RECONCILE_SCHEDULE"`
	AutoReleaseSchedule   string `mapstructure:"AUTO_RELEASE_SCHEDULE"`

	WebhookDedupeTTLHours int `mapstructure:"WEBHOOK_DEDUPE_TTL_HOURS"`

	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
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
	viper.SetDefault("PAYSTACK_API_BASE_URL", "https://api.paystack.co")
	viper.SetDefault("CURRENCY", "ZAR")
	viper.SetDefault("COUNTRY", "ZA")
	viper.SetDefault("TRANSFER_REFERENCE_PREFIX", "payout")
	viper.SetDefault("MIN_TRANSFER_AMOUNT", 100)
	viper.SetDefault("MAX_TRANSFER_AMOUNT", 1_000_000)
	viper.SetDefault("VALIDATION_CHARGE_CENTS", 300)
	viper.SetDefault("MAX_TRANSFER_RETRIES", 3)
	viper.SetDefault("RETRY_BASE_DELAY_SECONDS", 60)
	viper.SetDefault("MAX_RETRY_DELAY_SECONDS", 1800)
	viper.SetDefault("STALE_TRANSFER_AFTER_SECONDS", 600)
	viper.SetDefault("SCHEDULER_BATCH_SIZE", 50)
	viper.SetDefault("RETRY_DISPATCH_SCHEDULE", "@every 30s")
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 5m")
	viper.SetDefault("AUTO_RELEASE_SCHEDULE", "@every 10m")
	viper.SetDefault("WEBHOOK_DEDUPE_TTL_HOURS", 24)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PAYSTACK_API_BASE_URL")
	_ = viper.BindEnv("PAYSTACK_SECRET_KEY")
	_ = viper.BindEnv("PAYSTACK_WEBHOOK_SECRET")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("COUNTRY")
	_ = viper.BindEnv("TRANSFER_REFERENCE_PREFIX")
	_ = viper.BindEnv("MIN_TRANSFER_AMOUNT")
	_ = viper.BindEnv("MAX_TRANSFER_AMOUNT")
	_ = viper.BindEnv("VALIDATION_CHARGE_CENTS")
	_ = viper.BindEnv("MAX_TRANSFER_RETRIES")
	_ = viper.BindEnv("RETRY_BASE_DELAY_SECONDS")
	_ = viper.BindEnv("MAX_RETRY_DELAY_SECONDS")
	_ = viper.BindEnv("STALE_TRANSFER_AFTER_SECONDS")
	_ = viper.BindEnv("SCHEDULER_BATCH_SIZE")
	_ = viper.BindEnv("RETRY_DISPATCH_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("AUTO_RELEASE_SCHEDULE")
	_ = viper.BindEnv("WEBHOOK_DEDUPE_TTL_HOURS")
	_ = viper.BindEnv("ALLOWED_ORIGINS")

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
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)

	if config.DatabaseURL == "" {
		return config, fmt.Errorf("DATABASE_URL is required")
	}
	if config.PaystackSecretKey == "" {
		return config, fmt.Errorf("PAYSTACK_SECRET_KEY is required")
	}
	if config.MinTransferAmount <= 0 || config.MaxTransferAmount <= config.MinTransferAmount {
		return config, fmt.Errorf("transfer amount bounds are inconsistent: min=%d max=%d", config.MinTransferAmount, config.MaxTransferAmount)
	}
	if config.MaxTransferRetries < 0 {
		log.Printf("level=warn component=config msg=\"negative retry budget configured; coercing to zero\" max_retries=%d", config.MaxTransferRetries)
		config.MaxTransferRetries = 0
	}

	return
}

// AllowedOriginList splits the configured comma-separated origins.
func (c Config) AllowedOriginList() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
