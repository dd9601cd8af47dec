package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values.
type Config struct {
	AppPort           string `mapstructure:"APP_PORT"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	Env               string `mapstructure:"ENV"`
	LogLevel          string `mapstructure:"LOG_LEVEL"`
	MaxRequestsPerMin int    `mapstructure:"MAX_REQUESTS_PER_MIN"`

	// Redis configuration.
	RedisAddr        string `mapstructure:"REDIS_ADDR"`
	RedisPassword    string `mapstructure:"REDIS_PASSWORD"`
	RedisStoreDB     int    `mapstructure:"REDIS_STORE_DB"`
	RedisTaskQueueDB int    `mapstructure:"REDIS_TASK_QUEUE_DB"`

	// Coordination timeouts and bounds.
	BookingTimeoutSeconds      int `mapstructure:"BOOKING_TIMEOUT_SECONDS"`
	ConfirmationTimeoutSeconds int `mapstructure:"CONFIRMATION_TIMEOUT_SECONDS"`
	StateHistoryLimit          int `mapstructure:"STATE_HISTORY_LIMIT"`
}

var AppConfig Config

func LoadConfig() {
	// Look for a config file named "config.yaml" in the current and "config" directory.
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	// Automatically use environment variables where available.
	viper.AutomaticEnv()

	// Set default values.
	viper.SetDefault("APP_PORT", "8080")
	viper.SetDefault("ENV", "development")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("MAX_REQUESTS_PER_MIN", 100)
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_STORE_DB", 0)
	viper.SetDefault("REDIS_TASK_QUEUE_DB", 1)
	viper.SetDefault("DATABASE_URL", "mongodb://localhost:27017")
	viper.SetDefault("BOOKING_TIMEOUT_SECONDS", 60)
	viper.SetDefault("CONFIRMATION_TIMEOUT_SECONDS", 30)
	viper.SetDefault("STATE_HISTORY_LIMIT", 50)

	if err := viper.ReadInConfig(); err != nil {
		log.Println("No config file found, using environment variables only")
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
}

func GetEnv() string {
	return AppConfig.Env
}

func IsProduction() bool {
	return GetEnv() == "production"
}

// BookingTimeout returns the configured booking watchdog duration.
func BookingTimeout() time.Duration {
	return time.Duration(AppConfig.BookingTimeoutSeconds) * time.Second
}

// ConfirmationTimeout returns the configured approval countdown duration.
func ConfirmationTimeout() time.Duration {
	return time.Duration(AppConfig.ConfirmationTimeoutSeconds) * time.Second
}
