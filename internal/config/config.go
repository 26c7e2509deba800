package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Publisher PublisherConfig `yaml:"publisher"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type RabbitMQConfig struct {
	URL              string        `yaml:"url"`
	Exchange         string        `yaml:"exchange"`
	ConnectionName   string        `yaml:"connection_name"`
	ReconnectRetries int           `yaml:"reconnect_retries"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
}

type PublisherConfig struct {
	AppID         string        `yaml:"app_id"`
	BatchSize     int           `yaml:"batch_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
	MaxPending    int           `yaml:"max_pending"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		RabbitMQ: RabbitMQConfig{
			Exchange:         "notifications.direct",
			ConnectionName:   "mmate-notify",
			ReconnectRetries: 5,
			ReconnectDelay:   4 * time.Second,
			ConnectTimeout:   10 * time.Second,
			Heartbeat:        10 * time.Second,
		},
		Publisher: PublisherConfig{
			AppID:         "mmate-notify",
			BatchSize:     20,
			BatchInterval: 2 * time.Second,
			MaxPending:    10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads the configuration from the environment
func Load() (Config, error) {
	return LoadFile("")
}

// LoadFile reads a YAML file over the defaults and then applies the
// environment, so environment variables always win. An empty path skips the
// file.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.RabbitMQ.URL = getEnv("RABBITMQ_URL", cfg.RabbitMQ.URL)
	cfg.RabbitMQ.Exchange = getEnv("RABBITMQ_EXCHANGE", cfg.RabbitMQ.Exchange)
	cfg.RabbitMQ.ConnectionName = getEnv("RABBITMQ_CONNECTION_NAME", cfg.RabbitMQ.ConnectionName)
	cfg.RabbitMQ.ReconnectRetries = getEnvInt("RABBITMQ_RECONNECT_RETRIES", cfg.RabbitMQ.ReconnectRetries)
	cfg.RabbitMQ.ReconnectDelay = getEnvDuration("RABBITMQ_RECONNECT_DELAY", cfg.RabbitMQ.ReconnectDelay)
	cfg.RabbitMQ.ConnectTimeout = getEnvDuration("RABBITMQ_CONNECT_TIMEOUT", cfg.RabbitMQ.ConnectTimeout)
	cfg.RabbitMQ.Heartbeat = getEnvDuration("RABBITMQ_HEARTBEAT", cfg.RabbitMQ.Heartbeat)

	cfg.Publisher.AppID = getEnv("PUBLISHER_APP_ID", cfg.Publisher.AppID)
	cfg.Publisher.BatchSize = getEnvInt("PUBLISHER_BATCH_SIZE", cfg.Publisher.BatchSize)
	cfg.Publisher.BatchInterval = getEnvDuration("PUBLISHER_BATCH_INTERVAL", cfg.Publisher.BatchInterval)
	cfg.Publisher.MaxPending = getEnvInt("PUBLISHER_MAX_PENDING", cfg.Publisher.MaxPending)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", cfg.Metrics.Addr)
}

// Validate checks the values that would otherwise fail late. A missing
// RABBITMQ_URL is not an error here; the first connect reports it.
func (c Config) Validate() error {
	if c.Publisher.BatchSize < 1 {
		return fmt.Errorf("PUBLISHER_BATCH_SIZE must be at least 1, got %d", c.Publisher.BatchSize)
	}
	if c.Publisher.BatchInterval <= 0 {
		return fmt.Errorf("PUBLISHER_BATCH_INTERVAL must be positive, got %s", c.Publisher.BatchInterval)
	}
	if c.Publisher.MaxPending < 0 {
		return fmt.Errorf("PUBLISHER_MAX_PENDING must not be negative, got %d", c.Publisher.MaxPending)
	}
	if c.RabbitMQ.ReconnectRetries < 1 {
		return fmt.Errorf("RABBITMQ_RECONNECT_RETRIES must be at least 1, got %d", c.RabbitMQ.ReconnectRetries)
	}
	if c.RabbitMQ.ReconnectDelay < 0 {
		return fmt.Errorf("RABBITMQ_RECONNECT_DELAY must not be negative, got %s", c.RabbitMQ.ReconnectDelay)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("2s") or a bare number of milliseconds
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
