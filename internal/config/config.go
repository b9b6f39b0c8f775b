package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	WSURL    string `validate:"required,url"`
	APIURL   string `validate:"required,url"`
	Token    string
	UserID   string
	EmpID    string
	RedisURL string `validate:"omitempty,url"`
	LogLevel string `validate:"oneof=debug info warn error"`

	PopupTTL                 time.Duration `validate:"gt=0"`
	ChatPollInterval         time.Duration `validate:"gt=0"`
	PaymentPollInterval      time.Duration `validate:"gt=0"`
	NotificationPollInterval time.Duration `validate:"gt=0"`
	ReconnectBaseDelay       time.Duration `validate:"gt=0"`
	ReconnectMaxDelay        time.Duration `validate:"gtefield=ReconnectBaseDelay"`
	MaxReconnectAttempts     int           `validate:"gte=0"`
	SendTimeout              time.Duration `validate:"gt=0"`
}

// Load reads the environment, after merging an optional .env file from the
// working directory. Existing environment variables win over .env entries.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		WSURL:    getEnv("NOTIFY_WS_URL", "ws://localhost:8080/ws"),
		APIURL:   getEnv("NOTIFY_API_URL", "http://localhost:8080"),
		Token:    getEnv("NOTIFY_TOKEN", ""),
		UserID:   getEnv("NOTIFY_USER_ID", ""),
		EmpID:    getEnv("NOTIFY_EMP_ID", ""),
		RedisURL: getEnv("REDIS_URL", ""),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		PopupTTL:                 getEnvDuration("POPUP_TTL", 8*time.Second),
		ChatPollInterval:         getEnvDuration("CHAT_POLL_INTERVAL", 5*time.Second),
		PaymentPollInterval:      getEnvDuration("PAYMENT_POLL_INTERVAL", 60*time.Second),
		NotificationPollInterval: getEnvDuration("NOTIFICATION_POLL_INTERVAL", 60*time.Second),
		ReconnectBaseDelay:       getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:        getEnvDuration("RECONNECT_MAX_DELAY", 10*time.Second),
		MaxReconnectAttempts:     getEnvInt("MAX_RECONNECT_ATTEMPTS", 5),
		SendTimeout:              getEnvDuration("SEND_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("5s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if i, err := strconv.Atoi(value); err == nil {
		return time.Duration(i) * time.Second
	}
	return fallback
}
