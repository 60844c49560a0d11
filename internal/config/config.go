package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/krishbadri/rag-project/internal/core/domain"
	"github.com/krishbadri/rag-project/internal/core/services"
	"github.com/krishbadri/rag-project/internal/worker"
)

// Store backends
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Processing watcher modes
const (
	ProcessingPoll   = "poll"
	ProcessingSettle = "settle"
)

// Config is the runtime configuration of the client
type Config struct {
	BackendURL  string
	HTTPTimeout time.Duration

	// Batch store
	StoreBackend   string
	RedisURL       string
	RedisNamespace string
	ViewID         string

	// Processing completion
	ProcessingMode    string
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
	SettleDelay       time.Duration

	UploadConcurrency int
	DefaultTopK       int
	ShowSources       bool

	LogLevel     slog.Level
	ShareBaseURL string
}

// Load reads .env (when present) and the environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		BackendURL:        getEnv("BACKEND_URL", "http://localhost:8000"),
		HTTPTimeout:       getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
		RedisURL:          getEnv("REDIS_URL", ""),
		RedisNamespace:    getEnv("REDIS_NAMESPACE", "rag"),
		ViewID:            getEnv("VIEW_ID", ""),
		ProcessingMode:    strings.ToLower(getEnv("PROCESSING_MODE", ProcessingPoll)),
		PollInterval:      getEnvDuration("POLL_INTERVAL", worker.DefaultPollInterval),
		ProcessingTimeout: getEnvDuration("PROCESSING_TIMEOUT", worker.DefaultProcessingTimeout),
		SettleDelay:       getEnvDuration("SETTLE_DELAY", worker.DefaultSettleDelay),
		UploadConcurrency: getEnvInt("UPLOAD_CONCURRENCY", services.DefaultUploadConcurrency),
		DefaultTopK:       getEnvInt("DEFAULT_TOP_K", domain.DefaultTopK),
		ShowSources:       getEnvBool("SHOW_SOURCES", true),
		ShareBaseURL:      getEnv("SHARE_BASE_URL", "http://localhost:3000/chat"),
	}

	// Redis is used if configured, memory otherwise
	defaultStore := StoreMemory
	if cfg.RedisURL != "" {
		defaultStore = StoreRedis
	}
	cfg.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", defaultStore))

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	switch c.StoreBackend {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (use: memory or redis)", c.StoreBackend)
	}
	switch c.ProcessingMode {
	case ProcessingPoll, ProcessingSettle:
	default:
		return fmt.Errorf("unknown PROCESSING_MODE %q (use: poll or settle)", c.ProcessingMode)
	}
	if c.UploadConcurrency <= 0 {
		return fmt.Errorf("UPLOAD_CONCURRENCY must be positive, got %d", c.UploadConcurrency)
	}
	if c.DefaultTopK <= 0 {
		return fmt.Errorf("DEFAULT_TOP_K must be positive, got %d", c.DefaultTopK)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
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
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		slog.Warn("ignoring invalid integer setting", "key", key, "value", value)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("750ms") or whole seconds ("30")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	slog.Warn("ignoring invalid duration setting", "key", key, "value", value)
	return defaultValue
}
