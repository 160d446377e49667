// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	CORSOrigins         []string
	RateLimitEnabled    bool

	// Storage. A postgres:// URL selects Postgres; sqlite:<path> or an empty
	// value selects the embedded store.
	DatabaseURL   string
	ArtifactsRoot string

	// Auth settings.
	JWTSecret    string // Empty means an ephemeral per-process secret.
	TokenTTL     time.Duration
	DemoUser     string
	DemoPassword string

	// Orchestration settings.
	MaxFeedbackIterations int
	StageTimeout          time.Duration
	AutoStart             bool
	HubBuffer             int
	WSPingInterval        time.Duration

	// LLM provider settings. Without an API key stages use the template executor.
	LLMAPIKey       string
	LLMBaseURL      string
	LLMModel        string
	LLMTimeout      time.Duration
	LLMMaxRetries   int
	LLMRetryBackoff time.Duration

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		DatabaseURL:   envStr("DATABASE_URL", "sqlite:kansoku.db"),
		ArtifactsRoot: envStr("KANSOKU_ARTIFACTS_ROOT", "artifacts"),
		CORSOrigins:   envList("KANSOKU_CORS_ORIGINS"),
		JWTSecret:     envStr("KANSOKU_JWT_SECRET", ""),
		DemoUser:      envStr("KANSOKU_DEMO_USER", "demo"),
		DemoPassword:  envStr("KANSOKU_DEMO_PASSWORD", "demo"),
		LLMAPIKey:     envStr("DEEPSEEK_API_KEY", ""),
		LLMBaseURL:    envStr("DEEPSEEK_BASE_URL", "https://api.deepseek.com"),
		LLMModel:      envStr("DEEPSEEK_MODEL", "deepseek-chat"),
		OTELEndpoint:  envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:   envStr("OTEL_SERVICE_NAME", "kansoku"),
		LogLevel:      envStr("KANSOKU_LOG_LEVEL", "info"),
	}

	var err error
	cfg.Port, err = envInt("KANSOKU_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("KANSOKU_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("KANSOKU_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	maxBody, err := envInt("KANSOKU_MAX_REQUEST_BODY_BYTES", 1*1024*1024) // 1 MB default
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)
	cfg.RateLimitEnabled, err = envBool("KANSOKU_RATE_LIMIT", true)
	collect(err)
	cfg.TokenTTL, err = envDuration("KANSOKU_TOKEN_TTL", 60*time.Minute)
	collect(err)
	cfg.MaxFeedbackIterations, err = envInt("KANSOKU_MAX_FEEDBACK_ITERATIONS", 1)
	collect(err)
	cfg.StageTimeout, err = envDuration("KANSOKU_STAGE_TIMEOUT", 10*time.Minute)
	collect(err)
	cfg.AutoStart, err = envBool("KANSOKU_AUTO_START", true)
	collect(err)
	cfg.HubBuffer, err = envInt("KANSOKU_HUB_BUFFER", 64)
	collect(err)
	cfg.WSPingInterval, err = envDuration("KANSOKU_WS_PING_INTERVAL", 25*time.Second)
	collect(err)
	cfg.LLMTimeout, err = envDuration("DEEPSEEK_TIMEOUT", 120*time.Second)
	collect(err)
	cfg.LLMMaxRetries, err = envInt("DEEPSEEK_MAX_RETRIES", 1)
	collect(err)
	cfg.LLMRetryBackoff, err = envDuration("DEEPSEEK_RETRY_BACKOFF", 1500*time.Millisecond)
	collect(err)
	cfg.OTELInsecure, err = envBool("KANSOKU_OTEL_INSECURE", false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the loaded values are usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("KANSOKU_PORT must be between 1 and 65535"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("KANSOKU_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.MaxFeedbackIterations < 1 {
		errs = append(errs, fmt.Errorf("KANSOKU_MAX_FEEDBACK_ITERATIONS must be at least 1"))
	}
	if c.StageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("KANSOKU_STAGE_TIMEOUT must be positive"))
	}
	if c.HubBuffer <= 0 {
		errs = append(errs, fmt.Errorf("KANSOKU_HUB_BUFFER must be positive"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("KANSOKU_TOKEN_TTL must be positive"))
	}
	if c.LLMMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("DEEPSEEK_MAX_RETRIES must not be negative"))
	}
	if _, _, err := c.StorageTarget(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// StorageTarget splits DatabaseURL into a backend name ("postgres" or
// "sqlite") and the DSN or file path for it.
func (c Config) StorageTarget() (backend, target string, err error) {
	u := strings.TrimSpace(c.DatabaseURL)
	switch {
	case u == "":
		return "sqlite", "kansoku.db", nil
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return "postgres", u, nil
	case strings.HasPrefix(u, "sqlite:"):
		path := strings.TrimPrefix(strings.TrimPrefix(u, "sqlite:"), "//")
		if path == "" {
			return "", "", fmt.Errorf("DATABASE_URL %q has no sqlite path", u)
		}
		return "sqlite", path, nil
	default:
		return "", "", fmt.Errorf("DATABASE_URL %q must start with postgres:// or sqlite:", u)
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
