package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	GeminiAPIKey     string
	GeminiBaseURL    string
	GeminiAPIVersion string

	VisionModel       string
	TextModel         string
	DefaultImageModel string
	DefaultVideoModel string
	ModelLabels       string

	LogLevel       string
	Debug          bool
	TracingEnabled bool

	PreferIPv4     bool
	HTTPTimeout    time.Duration
	RequestTimeout time.Duration

	PollInterval    time.Duration
	PollMaxAttempts int
	PollTimeout     time.Duration

	AnalyzeConcurrency int

	HistoryBackend       string
	DatabaseDSN          string
	RedisURL             string
	HistoryAppendRetries int

	NATSURL string

	S3Endpoint      string
	S3Region        string
	S3Bucket        string
	S3AccessKey     string
	S3SecretKey     string
	S3PublicBaseURL string

	WebAddr string

	TelegramToken      string
	MaxConcurrent      int
	MediaGroupDebounce time.Duration
}

// Load reads the configuration from the environment. POLL_TIMEOUT_SECONDS has
// no default: video jobs have no known upper bound, so the operator must pick one.
func Load() (Config, error) {
	cfg := Config{
		GeminiBaseURL:        getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		GeminiAPIVersion:     getEnv("GEMINI_API_VERSION", "v1beta"),
		VisionModel:          getEnv("VISION_MODEL", "gemini-2.5-flash"),
		TextModel:            getEnv("TEXT_MODEL", "gemini-2.5-flash"),
		DefaultImageModel:    getEnv("DEFAULT_IMAGE_MODEL", "gemini-2.5-flash-image"),
		DefaultVideoModel:    getEnv("DEFAULT_VIDEO_MODEL", "veo-3.0-generate-001"),
		ModelLabels:          getEnv("MODEL_LABELS", ""),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Debug:                getEnvBool("DEBUG", false),
		TracingEnabled:       getEnvBool("TRACING_ENABLED", false),
		PreferIPv4:           getEnvBool("PREFER_IPV4", true),
		HTTPTimeout:          time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 180)) * time.Second,
		RequestTimeout:       time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 900)) * time.Second,
		PollInterval:         time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 5)) * time.Second,
		PollMaxAttempts:      getEnvInt("POLL_MAX_ATTEMPTS", 0),
		AnalyzeConcurrency:   getEnvInt("ANALYZE_CONCURRENCY", 1),
		HistoryBackend:       strings.ToLower(getEnv("HISTORY_BACKEND", "memory")),
		DatabaseDSN:          getEnv("DATABASE_DSN", ""),
		RedisURL:             getEnv("REDIS_URL", ""),
		HistoryAppendRetries: getEnvInt("HISTORY_APPEND_RETRIES", 5),
		NATSURL:              getEnv("NATS_URL", ""),
		S3Endpoint:           getEnv("S3_ENDPOINT", ""),
		S3Region:             getEnv("S3_REGION", "us-east-1"),
		S3Bucket:             getEnv("S3_BUCKET", ""),
		S3AccessKey:          getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:          getEnv("S3_SECRET_KEY", ""),
		S3PublicBaseURL:      getEnv("S3_PUBLIC_BASE_URL", ""),
		WebAddr:              getEnv("WEB_ADDR", ":8080"),
		TelegramToken:        getEnv("TELEGRAM_BOT_TOKEN", ""),
		MaxConcurrent:        getEnvInt("MAX_CONCURRENT", 4),
		MediaGroupDebounce:   time.Duration(getEnvInt("MEDIA_GROUP_DEBOUNCE_MS", 1200)) * time.Millisecond,
	}

	cfg.GeminiAPIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if cfg.GeminiAPIKey == "" {
		return Config{}, errors.New("GEMINI_API_KEY is required")
	}

	pollTimeout := strings.TrimSpace(os.Getenv("POLL_TIMEOUT_SECONDS"))
	if pollTimeout == "" {
		return Config{}, errors.New("POLL_TIMEOUT_SECONDS is required")
	}
	seconds, err := strconv.Atoi(pollTimeout)
	if err != nil || seconds <= 0 {
		return Config{}, fmt.Errorf("POLL_TIMEOUT_SECONDS must be a positive integer, got %q", pollTimeout)
	}
	cfg.PollTimeout = time.Duration(seconds) * time.Second

	switch cfg.HistoryBackend {
	case "memory":
	case "postgres":
		if cfg.DatabaseDSN == "" {
			return Config{}, errors.New("DATABASE_DSN is required for the postgres history backend")
		}
	case "redis":
		if cfg.RedisURL == "" {
			return Config{}, errors.New("REDIS_URL is required for the redis history backend")
		}
	default:
		return Config{}, fmt.Errorf("unknown HISTORY_BACKEND %q", cfg.HistoryBackend)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollMaxAttempts < 0 {
		cfg.PollMaxAttempts = 0
	}
	if cfg.AnalyzeConcurrency < 1 {
		cfg.AnalyzeConcurrency = 1
	}
	if cfg.HistoryAppendRetries < 1 {
		cfg.HistoryAppendRetries = 1
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 180 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 900 * time.Second
	}

	return cfg, nil
}

// ObjectStoreEnabled reports whether generated outputs should be uploaded to S3.
func (c Config) ObjectStoreEnabled() bool {
	return c.S3Bucket != ""
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
