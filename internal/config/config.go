package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store and queue backends.
const (
	StoreMemory   = "memory"
	StorePebble   = "pebble"
	StorePostgres = "postgres"

	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config holds all runtime configuration for the order execution service.
type Config struct {
	Port            int
	LogLevel        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	WorkerConcurrency int
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration

	SettleDelay    time.Duration
	StageDelay     time.Duration
	QuoteTimeout   time.Duration
	ExecuteTimeout time.Duration

	StoreBackend string
	PebbleDir    string
	DatabaseURL  string

	QueueBackend  string
	QueueName     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	QueueStatsInterval time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	WebhookURL          string
	WebhookTimeout      time.Duration
	WebhookTerminalOnly bool

	CORSOrigins    []string
	SimFailureRate float64
	SimLatency     bool
}

// Load reads an optional .env file, then configuration from environment
// variables, applies defaults, and validates values. Variables already set
// in the process environment take precedence over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{
		LogLevel:      getStr("LOG_LEVEL", "info"),
		StoreBackend:  getStr("STORE_BACKEND", StoreMemory),
		PebbleDir:     getStr("PEBBLE_DIR", "data/orders"),
		DatabaseURL:   getStr("DATABASE_URL", ""),
		QueueBackend:  getStr("QUEUE_BACKEND", QueueMemory),
		QueueName:     getStr("QUEUE_NAME", "orders"),
		RedisAddr:     getStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getStr("REDIS_PASSWORD", ""),
		KafkaBrokers:  getList("KAFKA_BROKERS", nil),
		KafkaTopic:    getStr("KAFKA_TOPIC", "order-status"),
		WebhookURL:    getStr("WEBHOOK_URL", ""),
		CORSOrigins:   getList("CORS_ORIGINS", []string{"*"}),
	}

	var err error

	if cfg.Port, err = getInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", cfg.Port)
	}

	if !isValidLogLevel(cfg.LogLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"READ_TIMEOUT", 5 * time.Second, &cfg.ReadTimeout},
		{"WRITE_TIMEOUT", 10 * time.Second, &cfg.WriteTimeout},
		{"IDLE_TIMEOUT", 60 * time.Second, &cfg.IdleTimeout},
		{"SHUTDOWN_TIMEOUT", 10 * time.Second, &cfg.ShutdownTimeout},
		{"BACKOFF_BASE", 500 * time.Millisecond, &cfg.BackoffBase},
		{"BACKOFF_MAX", 5 * time.Second, &cfg.BackoffMax},
		{"SETTLE_DELAY", 8 * time.Second, &cfg.SettleDelay},
		{"STAGE_DELAY", 2 * time.Second, &cfg.StageDelay},
		{"QUOTE_TIMEOUT", 2 * time.Second, &cfg.QuoteTimeout},
		{"EXECUTE_TIMEOUT", 10 * time.Second, &cfg.ExecuteTimeout},
		{"WEBHOOK_TIMEOUT", 5 * time.Second, &cfg.WebhookTimeout},
		{"QUEUE_STATS_INTERVAL", 30 * time.Second, &cfg.QueueStatsInterval},
	}
	for _, d := range durations {
		v, err := getDuration(d.key, d.def)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("invalid %s: %v is negative", d.key, v)
		}
		*d.dst = v
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		return nil, fmt.Errorf("invalid BACKOFF_MAX: %v is below BACKOFF_BASE %v", cfg.BackoffMax, cfg.BackoffBase)
	}

	if cfg.WorkerConcurrency, err = getInt("WORKER_CONCURRENCY", 10); err != nil {
		return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %d, must be at least 1", cfg.WorkerConcurrency)
	}

	if cfg.MaxAttempts, err = getInt("MAX_ATTEMPTS", 3); err != nil {
		return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %w", err)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %d, must be at least 1", cfg.MaxAttempts)
	}

	switch cfg.StoreBackend {
	case StoreMemory, StorePebble:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("invalid DATABASE_URL: required when STORE_BACKEND is postgres")
		}
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND: %q, must be one of: memory, pebble, postgres", cfg.StoreBackend)
	}

	switch cfg.QueueBackend {
	case QueueMemory, QueueRedis:
	default:
		return nil, fmt.Errorf("invalid QUEUE_BACKEND: %q, must be one of: memory, redis", cfg.QueueBackend)
	}

	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.RedisDB < 0 {
		return nil, fmt.Errorf("invalid REDIS_DB: %d is negative", cfg.RedisDB)
	}

	if cfg.SimFailureRate, err = getFloat("SIM_FAILURE_RATE", 0); err != nil {
		return nil, fmt.Errorf("invalid SIM_FAILURE_RATE: %w", err)
	}
	if math.IsNaN(cfg.SimFailureRate) || cfg.SimFailureRate < 0 || cfg.SimFailureRate > 1 {
		return nil, fmt.Errorf("invalid SIM_FAILURE_RATE: %v, must be within [0, 1]", cfg.SimFailureRate)
	}

	if cfg.SimLatency, err = getBool("SIM_LATENCY", true); err != nil {
		return nil, fmt.Errorf("invalid SIM_LATENCY: %w", err)
	}

	if cfg.WebhookURL != "" {
		u, err := url.ParseRequestURI(cfg.WebhookURL)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("invalid WEBHOOK_URL: %q must be an absolute http(s) URL", cfg.WebhookURL)
		}
	}
	if cfg.WebhookTerminalOnly, err = getBool("WEBHOOK_TERMINAL_ONLY", true); err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_TERMINAL_ONLY: %w", err)
	}

	return cfg, nil
}

// WebhookEnabled reports whether status events are posted to a callback URL.
func (c *Config) WebhookEnabled() bool {
	return c.WebhookURL != ""
}

// KafkaEnabled reports whether status events are mirrored to Kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

// getList splits a comma separated value, dropping empty entries.
func getList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
