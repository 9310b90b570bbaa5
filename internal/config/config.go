package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string

	DatabaseURL string

	// Context assembly.
	MaxTokens           int
	MaxTurns            int
	DefaultSystemPrompt string
	TimestampPrefix     bool

	// Admission queue.
	PerUserQueueDepth      int
	GlobalConcurrencyLimit int
	RequestTimeout         time.Duration

	// Provider gateway.
	StreamMinChars   int
	ProviderRetryMax int
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModels     []string
	GeminiAPIKey     string
	GeminiBaseURL    string
	GeminiModels     []string

	// Profiles.
	SeedCredits int
	OwnerUserID string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "chatgate"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:      trimmedEnv("DATABASE_URL"),

		MaxTokens:           4000,
		MaxTurns:            25,
		DefaultSystemPrompt: envOrDefault("DEFAULT_SYSTEM_PROMPT", "You are a helpful assistant."),
		TimestampPrefix:     false,

		PerUserQueueDepth:      2,
		GlobalConcurrencyLimit: 4,
		RequestTimeout:         90 * time.Second,

		StreamMinChars:   24,
		ProviderRetryMax: 2,
		RetryBackoffBase: 250 * time.Millisecond,
		RetryBackoffCap:  4 * time.Second,
		OpenAIAPIKey:     trimmedEnv("OPENAI_API_KEY"),
		OpenAIBaseURL:    envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModels:     listFromEnv("OPENAI_MODELS"),
		GeminiAPIKey:     trimmedEnv("GEMINI_API_KEY"),
		GeminiBaseURL:    envOrDefault("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		GeminiModels:     listFromEnv("GEMINI_MODELS"),

		SeedCredits: 0,
		OwnerUserID: trimmedEnv("OWNER_USER_ID"),

		ShutdownTimeout: 15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RequestTimeout, err = durationFromEnv("REQUEST_TIMEOUT", cfg.RequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBackoffBase, err = durationFromEnv("PROVIDER_RETRY_BACKOFF_BASE", cfg.RetryBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBackoffCap, err = durationFromEnv("PROVIDER_RETRY_BACKOFF_CAP", cfg.RetryBackoffCap)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTokens, err = intFromEnv("MAX_TOKENS", cfg.MaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTurns, err = intFromEnv("MAX_TURNS", cfg.MaxTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.PerUserQueueDepth, err = intFromEnv("PER_USER_QUEUE_DEPTH", cfg.PerUserQueueDepth)
	if err != nil {
		return Config{}, err
	}
	cfg.GlobalConcurrencyLimit, err = intFromEnv("GLOBAL_CONCURRENCY_LIMIT", cfg.GlobalConcurrencyLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamMinChars, err = intFromEnv("STREAM_MIN_CHARS", cfg.StreamMinChars)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderRetryMax, err = intFromEnv("PROVIDER_RETRY_MAX", cfg.ProviderRetryMax)
	if err != nil {
		return Config{}, err
	}
	cfg.SeedCredits, err = intFromEnv("SEED_CREDITS", cfg.SeedCredits)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.TimestampPrefix, err = boolFromEnv("TIMESTAMP_PREFIX", cfg.TimestampPrefix)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxTokens <= 0 {
		return Config{}, fmt.Errorf("MAX_TOKENS must be positive")
	}
	if cfg.MaxTurns <= 0 {
		return Config{}, fmt.Errorf("MAX_TURNS must be positive")
	}
	if cfg.PerUserQueueDepth < 1 || cfg.PerUserQueueDepth > 3 {
		return Config{}, fmt.Errorf("PER_USER_QUEUE_DEPTH must be between 1 and 3")
	}
	if cfg.GlobalConcurrencyLimit <= 0 {
		return Config{}, fmt.Errorf("GLOBAL_CONCURRENCY_LIMIT must be positive")
	}
	if cfg.RequestTimeout < time.Second {
		return Config{}, fmt.Errorf("REQUEST_TIMEOUT must be at least 1s")
	}
	if cfg.ProviderRetryMax < 0 {
		return Config{}, fmt.Errorf("PROVIDER_RETRY_MAX must be >= 0")
	}
	if cfg.SeedCredits < 0 {
		return Config{}, fmt.Errorf("SEED_CREDITS must be >= 0")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string) []string {
	raw := trimmedEnv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
