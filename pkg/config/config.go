package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server struct {
		Port    string
		Env     string
		Timeout time.Duration
	}

	// Upstream provider tiers. Each tier is an OpenAI-compatible base URL;
	// all three share the server's provider key.
	Upstream struct {
		APIKey          string
		ProBaseURL      string
		FreeBaseURL     string
		InstructBaseURL string
		Timeout         time.Duration
		// MaxStreamDuration bounds a single relayed completion stream.
		MaxStreamDuration time.Duration
	}

	// Quota budgets for proxy-served requests
	Quota struct {
		FreeDaily     int
		InstructDaily int
	}

	// Security configuration
	Security struct {
		RateLimit      float64
		RateLimitBurst int
		AllowedOrigins []string
		TrustedProxies []string
		MaxBodySize    int64
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}

	// Presence socket channel
	Presence struct {
		Enabled bool
		Path    string
	}

	// Redis-backed conversation store (optional; engine falls back to memory)
	Redis struct {
		Enabled bool
		Addr    string
		DB      int
	}

	// Observability
	Metrics struct {
		Enabled bool
		Tracing bool
	}
}

var (
	instance *Config
	once     sync.Once
)

// New creates a new Config instance with values from environment variables
// Uses singleton pattern to ensure only one instance exists
func New() *Config {
	once.Do(func() {
		// Load .env file if exists
		godotenv.Load()

		instance = &Config{}

		// Server config
		instance.Server.Port = getEnvString("PORT", "8081")
		instance.Server.Env = getEnvString("APP_ENV", "development")
		instance.Server.Timeout = getEnvDuration("SERVER_TIMEOUT", 30*time.Second)

		// Upstream tiers
		instance.Upstream.APIKey = getEnvString("PAWANKRD_API_KEY", "")
		instance.Upstream.ProBaseURL = getEnvString("UPSTREAM_PRO_BASE_URL", "https://api.pawan.krd/v1")
		instance.Upstream.FreeBaseURL = getEnvString("UPSTREAM_FREE_BASE_URL", "https://api.pawan.krd/cosmosrp/v1")
		instance.Upstream.InstructBaseURL = getEnvString("UPSTREAM_INSTRUCT_BASE_URL", "https://api.pawan.krd/cosmosrp-it/v1")
		instance.Upstream.Timeout = getEnvDuration("UPSTREAM_TIMEOUT", 2*time.Minute)
		instance.Upstream.MaxStreamDuration = getEnvDuration("UPSTREAM_MAX_STREAM_DURATION", 5*time.Minute)

		// Quota budgets
		instance.Quota.FreeDaily = getEnvInt("QUOTA_FREE_DAILY", 25)
		instance.Quota.InstructDaily = getEnvInt("QUOTA_INSTRUCT_DAILY", 3)

		// Security config
		instance.Security.RateLimit = float64(getEnvInt("RATE_LIMIT", 5))
		instance.Security.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 10)
		instance.Security.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"})
		instance.Security.TrustedProxies = getEnvStringSlice("TRUSTED_PROXIES", []string{"127.0.0.1"})
		instance.Security.MaxBodySize = getEnvInt64("MAX_BODY_SIZE", 10<<20) // 10MB

		// Logging config
		instance.Logging.Level = getEnvString("LOG_LEVEL", "info")
		instance.Logging.Format = getEnvString("LOG_FORMAT", "json")

		// Presence channel
		instance.Presence.Enabled = getEnvBool("ENABLE_PRESENCE", true)
		instance.Presence.Path = getEnvString("PRESENCE_PATH", "/ws/presence")

		// Conversation store
		instance.Redis.Enabled = getEnvBool("REDIS_ENABLED", false)
		instance.Redis.Addr = getEnvString("REDIS_URL", "localhost:6379")
		instance.Redis.DB = getEnvInt("REDIS_DB", 0)

		// Observability
		instance.Metrics.Enabled = getEnvBool("ENABLE_METRICS", true)
		instance.Metrics.Tracing = getEnvBool("ENABLE_TRACING", false)
	})

	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	if instance == nil {
		return New()
	}
	return instance
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
