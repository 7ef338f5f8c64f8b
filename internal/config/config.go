package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the chat server.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL string
	RedisAddr   string
	RedisURL    string
	JWTSecret   string

	AllowedOrigins []string
	MaxMessageSize int64

	// Per-connection flood control
	RateLimitPerSecond float64
	RateLimitBurst     int

	JoinReadWindow int
	HistoryLimit   int
	RoomQueueSize  int

	PushWorkers int
	PushBuffer  int

	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment, loading a .env file first
// when one is present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DB_DSN", os.Getenv("DATABASE_URL")),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		AllowedOrigins: parseList(getEnv("ALLOWED_ORIGINS", "*")),
		MaxMessageSize: int64(getInt("MAX_MESSAGE_SIZE", 4096)),

		RateLimitPerSecond: getFloat("RATE_LIMIT_PER_SECOND", 5),
		RateLimitBurst:     getInt("RATE_LIMIT_BURST", 10),

		JoinReadWindow: getInt("JOIN_READ_WINDOW", 50),
		HistoryLimit:   getInt("HISTORY_LIMIT", 50),
		RoomQueueSize:  getInt("ROOM_QUEUE_SIZE", 256),

		PushWorkers: getInt("PUSH_WORKERS", 4),
		PushBuffer:  getInt("PUSH_BUFFER", 1000),

		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DB_DSN (or DATABASE_URL) is not set"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

// getDuration accepts Go durations ("45s") or plain seconds ("45").
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
