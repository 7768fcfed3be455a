// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	FrontendURL   string
	DataDir       string
	SessionTTL    time.Duration
	SweepInterval time.Duration

	LLM       LLMConfig
	Chat      ChatConfig
	RateLimit RateLimitConfig

	ConversationLog ConversationLogConfig
}

// LLMConfig selects the language model endpoint and defaults.
type LLMConfig struct {
	BaseURL       string
	Models        []string
	DefaultModel  string
	Temperature   float64
	MaxIterations int
}

// ChatConfig tunes session behavior.
type ChatConfig struct {
	MemoryWindow      int
	QueryRowLimit     int
	StreamDelay       time.Duration
	MaxUploadBytes    int64
	ClearResetsMemory bool
}

// RateLimitConfig bounds chat requests per user.
type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	models := getEnvList("MODELS", []string{"gpt-4", "gpt-3.5-turbo"})
	defaultModel := getEnv("DEFAULT_MODEL", "")
	if defaultModel == "" && len(models) > 0 {
		defaultModel = models[0]
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DataDir:       getEnv("DATA_DIR", "./data"),
		SessionTTL:    getEnvDuration("SESSION_TTL", 60*time.Minute),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		LLM: LLMConfig{
			BaseURL:       getEnv("OPENAI_BASE_URL", ""),
			Models:        models,
			DefaultModel:  defaultModel,
			Temperature:   getEnvFloat("TEMPERATURE", 0.2),
			MaxIterations: getEnvInt("MAX_TOOL_ITERATIONS", 8),
		},
		Chat: ChatConfig{
			MemoryWindow:      getEnvInt("MEMORY_WINDOW", 10),
			QueryRowLimit:     getEnvInt("QUERY_ROW_LIMIT", 50),
			StreamDelay:       getEnvDuration("STREAM_DELAY", 20*time.Millisecond),
			MaxUploadBytes:    int64(getEnvInt("MAX_UPLOAD_BYTES", 200<<20)),
			ClearResetsMemory: getEnvBool("CLEAR_RESETS_MEMORY", true),
		},
		RateLimit: RateLimitConfig{
			PerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
			Burst:     getEnvInt("RATE_LIMIT_BURST", 5),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if len(c.LLM.Models) == 0 {
		return fmt.Errorf("MODELS cannot be empty")
	}
	if !slices.Contains(c.LLM.Models, c.LLM.DefaultModel) {
		return fmt.Errorf("DEFAULT_MODEL %q is not listed in MODELS", c.LLM.DefaultModel)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("TEMPERATURE must be between 0 and 2")
	}
	if c.LLM.MaxIterations <= 0 {
		return fmt.Errorf("MAX_TOOL_ITERATIONS must be > 0")
	}
	if c.Chat.MemoryWindow <= 0 {
		return fmt.Errorf("MEMORY_WINDOW must be > 0")
	}
	if c.Chat.QueryRowLimit <= 0 {
		return fmt.Errorf("QUERY_ROW_LIMIT must be > 0")
	}
	if c.Chat.StreamDelay < 0 {
		return fmt.Errorf("STREAM_DELAY cannot be negative")
	}
	if c.Chat.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.RateLimit.PerMinute <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
