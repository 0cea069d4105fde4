// Package config provides environment configuration for the livechat services.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Storage
	DatabasePath string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings (operator API)
	JWTSecret string

	// LLM settings
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	DefaultLLM       string
	LLMModel         string
	SystemPromptFile string

	// Slack settings
	SlackBotToken         string
	SlackSigningSecret    string
	SlackSupportChannelID string

	// Orchestrator
	DebounceWindow   time.Duration
	MaxWait          time.Duration
	LockTTL          time.Duration
	ResponderTimeout time.Duration
	MaxPartLength    int
	PartDelay        time.Duration

	// Realtime
	KeepaliveInterval time.Duration

	// Worker
	WorkerConcurrency int
	JobMaxAttempts    int
	WorkerInline      bool

	// HTTP surface
	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:        getEnv("PORT", "3000"),
		ServerReadTimeout: getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		// Streams stay open indefinitely, so no write deadline by default.
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),

		// Storage
		DatabasePath: getEnv("DATABASE_PATH", "data/livechat.db"),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:       getEnv("DEFAULT_LLM", "anthropic"),
		LLMModel:         getEnv("LLM_MODEL", ""),
		SystemPromptFile: getEnv("SYSTEM_PROMPT_FILE", ""),

		// Slack
		SlackBotToken:         getEnv("SLACK_BOT_TOKEN", ""),
		SlackSigningSecret:    getEnv("SLACK_SIGNING_SECRET", ""),
		SlackSupportChannelID: getEnv("SLACK_SUPPORT_CHANNEL_ID", ""),

		// Orchestrator
		DebounceWindow:   getDurationEnv("DEBOUNCE_WINDOW", 3*time.Second),
		MaxWait:          getDurationEnv("MAX_WAIT", 10*time.Second),
		LockTTL:          getDurationEnv("LOCK_TTL", 60*time.Second),
		ResponderTimeout: getDurationEnv("RESPONDER_TIMEOUT", 45*time.Second),
		MaxPartLength:    getIntEnv("MAX_PART_LENGTH", 3000),
		PartDelay:        getDurationEnv("PART_DELAY", 200*time.Millisecond),

		// Realtime
		KeepaliveInterval: getDurationEnv("KEEPALIVE_INTERVAL", 25*time.Second),

		// Worker
		WorkerConcurrency: getIntEnv("WORKER_CONCURRENCY", 2),
		JobMaxAttempts:    getIntEnv("JOB_MAX_ATTEMPTS", 5),
		WorkerInline:      getBoolEnv("WORKER_INLINE", false),

		// HTTP surface
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS"),
		RateLimitRequests:  getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:    getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

const (
	// LockReleaseMargin is the tail of the lock TTL reserved for releasing the lock.
	LockReleaseMargin = 5 * time.Second
	// MinDeliveryBudget is the part of a cycle left for storing the reply after the Responder returns.
	MinDeliveryBudget = 5 * time.Second
)

// CycleTimeout is how long a response cycle may run while holding the lock.
func (c *Config) CycleTimeout() time.Duration {
	return c.LockTTL - LockReleaseMargin
}

// Validate checks the orchestrator timing envelope.
func (c *Config) Validate() error {
	var errs []error
	if c.DebounceWindow <= 0 {
		errs = append(errs, errors.New("DEBOUNCE_WINDOW must be positive"))
	}
	if c.MaxWait < c.DebounceWindow {
		errs = append(errs, fmt.Errorf("MAX_WAIT (%s) must be at least DEBOUNCE_WINDOW (%s)", c.MaxWait, c.DebounceWindow))
	}
	// A lock that expires mid-cycle lets a second cycle start concurrently.
	if c.ResponderTimeout <= 0 || c.ResponderTimeout+MinDeliveryBudget > c.CycleTimeout() {
		errs = append(errs, fmt.Errorf(
			"RESPONDER_TIMEOUT (%s) must be positive and leave %s for delivery within LOCK_TTL (%s) minus %s",
			c.ResponderTimeout, MinDeliveryBudget, c.LockTTL, LockReleaseMargin))
	}
	if c.MaxPartLength <= 0 {
		errs = append(errs, errors.New("MAX_PART_LENGTH must be positive"))
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	if c.JobMaxAttempts <= 0 {
		errs = append(errs, errors.New("JOB_MAX_ATTEMPTS must be positive"))
	}
	if c.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("KEEPALIVE_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated value, dropping empty items.
func getListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
