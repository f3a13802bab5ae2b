package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the PredictQ server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Predictor PredictorConfig
	Batch     BatchConfig
	Breaker   BreakerConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// PredictorConfig configures the HTTP prediction backend client.
type PredictorConfig struct {
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
}

// BatchConfig holds the batch engine tunables. All of them are overridable per
// deployment; Workers, ItemTimeout, and MaxRetries may also be overridden per
// batch at submission time.
type BatchConfig struct {
	Workers        int
	ItemTimeout    time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PollInterval   time.Duration
	StaleAfter     time.Duration
	SweepInterval  time.Duration
	PreferBulk     bool
}

// BreakerConfig holds circuit breaker thresholds for the prediction backend.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PREDICTQ_PORT", 8080),
			Env:  envString("PREDICTQ_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Predictor: PredictorConfig{
			BaseURL:     os.Getenv("PREDICTOR_BASE_URL"),
			APIKey:      os.Getenv("PREDICTOR_API_KEY"),
			CallTimeout: envDuration("PREDICTOR_CALL_TIMEOUT", 30*time.Second),
		},
		Batch: BatchConfig{
			Workers:        envInt("BATCH_WORKERS", 5),
			ItemTimeout:    envDuration("BATCH_ITEM_TIMEOUT", 30*time.Second),
			MaxRetries:     envInt("BATCH_MAX_RETRIES", 3),
			RetryBaseDelay: envDuration("BATCH_RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryMaxDelay:  envDuration("BATCH_RETRY_MAX_DELAY", 10*time.Second),
			PollInterval:   envDuration("BATCH_POLL_INTERVAL", 2*time.Second),
			StaleAfter:     envDuration("BATCH_STALE_AFTER", 5*time.Minute),
			SweepInterval:  envDuration("BATCH_SWEEP_INTERVAL", time.Minute),
			PreferBulk:     envBool("BATCH_PREFER_BULK", false),
		},
		Breaker: BreakerConfig{
			FailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
			ResetTimeout:     envDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Predictor.BaseURL == "" {
		return fmt.Errorf("PREDICTOR_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Predictor.BaseURL, "http://") && !strings.HasPrefix(c.Predictor.BaseURL, "https://") {
		return fmt.Errorf("PREDICTOR_BASE_URL must start with http:// or https://, got %q", c.Predictor.BaseURL)
	}

	if c.Batch.Workers <= 0 {
		return fmt.Errorf("BATCH_WORKERS must be positive, got %d", c.Batch.Workers)
	}
	if c.Batch.ItemTimeout <= 0 {
		return fmt.Errorf("BATCH_ITEM_TIMEOUT must be positive, got %s", c.Batch.ItemTimeout)
	}
	if c.Batch.MaxRetries < 0 {
		return fmt.Errorf("BATCH_MAX_RETRIES must not be negative, got %d", c.Batch.MaxRetries)
	}
	if c.Batch.StaleAfter <= 0 {
		return fmt.Errorf("BATCH_STALE_AFTER must be positive, got %s", c.Batch.StaleAfter)
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive, got %d", c.Breaker.FailureThreshold)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
