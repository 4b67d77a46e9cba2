package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration in a structured way.
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	LLM         LLMConfig
	RateLimit   RateLimitRetryConfig
	Platform    PlatformConfig
	Calendar    CalendarConfig
	Worker      WorkerConfig
	Manager     ManagerConfig
	Dedup       DedupConfig
	Persistence PersistenceConfig
}

type AppConfig struct {
	Version     string
	Port        string
	Debug       bool
	Environment string
	ServerID    string
	BaseDir     string
}

type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string // File path for SQLite, DB name for Postgres
	ValkeyEnabled   bool
	ValkeyAddress   string
	ValkeyPassword  string
	ValkeyDB        int
	ValkeyKeyPrefix string
}

type LLMConfig struct {
	APIKey     string
	BaseURL    string
	TimeoutMs  int
	MaxRetries int // 1..5 attempts inside the client
}

// RateLimitRetryConfig drives the worker-level recovery protocol when the
// LLM keeps answering 429 after the client's own backoff gave up.
type RateLimitRetryConfig struct {
	Enabled        bool
	RetryDelaysMs  []int64
	InitialMessage string
	FinalMessage   string
}

type PlatformConfig struct {
	GraphBaseURL string // Meta Graph API root
	TimeoutMs    int
}

type CalendarConfig struct {
	BaseURL        string // Google Calendar API root
	TokenURL       string // OAuth token endpoint
	ClientID       string
	ClientSecret   string
	TimeoutMs      int
	NoCredsMessage string // user-visible soft-failure text
	FailedMessage  string
}

type WorkerConfig struct {
	Concurrency int // max in-flight messages per worker
	LockTTLMs   int
	LeaseTTLMs  int
	LockRetries int
}

type ManagerConfig struct {
	AutoScaleEnabled   bool
	MinWorkers         int
	MaxWorkers         int
	ScaleUpThreshold   int
	ScaleDownThreshold int
	CPUThreshold       float64
	CheckIntervalMs    int
	DrainTimeoutMs     int
}

type DedupConfig struct {
	TTLSeconds int
}

type PersistenceConfig struct {
	Workers   int
	QueueSize int
	Retries   int
}

// Global provides access to the loaded configuration globally.
var Global *Config

// LoadConfig loads configuration from environment variables or defaults.
func LoadConfig() (*Config, error) {
	baseDir := getEnv("APP_BASE_DIR", "storages")

	debug := false
	if v := os.Getenv("APP_DEBUG"); v == "true" || v == "1" || v == "on" {
		debug = true
	}

	cfg := &Config{
		App: AppConfig{
			Version:     "v1.0.0",
			Port:        getEnv("APP_PORT", "3000"),
			Debug:       debug,
			Environment: getEnv("APP_ENV", "development"),
			ServerID:    getEnv("SERVER_ID", ""),
			BaseDir:     baseDir,
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "sqlite"),
			Name:            getEnv("DB_NAME", filepath.Join(baseDir, "gateway.db")),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			ValkeyEnabled:   getEnvBool("VALKEY_ENABLED", false),
			ValkeyAddress:   getEnv("VALKEY_ADDRESS", "localhost:6379"),
			ValkeyPassword:  getEnv("VALKEY_PASSWORD", ""),
			ValkeyDB:        getEnvInt("VALKEY_DB", 0),
			ValkeyKeyPrefix: getEnv("VALKEY_KEY_PREFIX", "azgw:"),
		},
		LLM: LLMConfig{
			APIKey:     getEnv("OPENAI_API_KEY", ""),
			BaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			TimeoutMs:  getEnvInt("LLM_TIMEOUT_MS", 30000),
			MaxRetries: clampInt(getEnvInt("LLM_MAX_RETRIES", 3), 1, 5),
		},
		RateLimit: RateLimitRetryConfig{
			Enabled:        getEnvBool("RATE_LIMIT_RETRY_ENABLED", true),
			RetryDelaysMs:  getEnvInt64Slice("RATE_LIMIT_RETRY_DELAYS_MS", []int64{30000, 60000, 120000}),
			InitialMessage: getEnv("RATE_LIMIT_INITIAL_MESSAGE", "Our servers are a bit busy right now, give me a moment..."),
			FinalMessage:   getEnv("RATE_LIMIT_FINAL_MESSAGE", "I couldn't process your message right now. Please try again later."),
		},
		Platform: PlatformConfig{
			GraphBaseURL: getEnv("META_GRAPH_BASE_URL", "https://graph.facebook.com/v21.0"),
			TimeoutMs:    getEnvInt("PLATFORM_TIMEOUT_MS", 15000),
		},
		Calendar: CalendarConfig{
			BaseURL:        getEnv("GOOGLE_CALENDAR_BASE_URL", "https://www.googleapis.com/calendar/v3"),
			TokenURL:       getEnv("GOOGLE_TOKEN_URL", "https://oauth2.googleapis.com/token"),
			ClientID:       getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret:   getEnv("GOOGLE_CLIENT_SECRET", ""),
			TimeoutMs:      getEnvInt("CALENDAR_TIMEOUT_MS", 15000),
			NoCredsMessage: getEnv("CALENDAR_NO_CREDS_MESSAGE", "I couldn't schedule the meeting: the calendar is not connected yet."),
			FailedMessage:  getEnv("CALENDAR_FAILED_MESSAGE", "I couldn't schedule the meeting right now. We'll follow up to confirm the time."),
		},
		Worker: WorkerConfig{
			Concurrency: getEnvInt("WORKER_CONCURRENCY", 10),
			LockTTLMs:   getEnvInt("WORKER_LOCK_TTL_MS", 300000),
			LeaseTTLMs:  getEnvInt("WORKER_LEASE_TTL_MS", 300000),
			LockRetries: getEnvInt("WORKER_LOCK_RETRIES", 150),
		},
		Manager: ManagerConfig{
			AutoScaleEnabled:   getEnvBool("MANAGER_AUTOSCALE_ENABLED", true),
			MinWorkers:         getEnvInt("MANAGER_MIN_WORKERS", 2),
			MaxWorkers:         getEnvInt("MANAGER_MAX_WORKERS", 20),
			ScaleUpThreshold:   getEnvInt("MANAGER_SCALE_UP_THRESHOLD", 50),
			ScaleDownThreshold: getEnvInt("MANAGER_SCALE_DOWN_THRESHOLD", 10),
			CPUThreshold:       getEnvFloat("MANAGER_CPU_THRESHOLD", 80.0),
			CheckIntervalMs:    getEnvInt("MANAGER_CHECK_INTERVAL_MS", 30000),
			DrainTimeoutMs:     getEnvInt("MANAGER_DRAIN_TIMEOUT_MS", 30000),
		},
		Dedup: DedupConfig{
			TTLSeconds: getEnvInt("DEDUP_TTL_S", 5),
		},
		Persistence: PersistenceConfig{
			Workers:   getEnvInt("PERSISTENCE_WORKERS", 4),
			QueueSize: getEnvInt("PERSISTENCE_QUEUE_SIZE", 1000),
			Retries:   getEnvInt("PERSISTENCE_RETRIES", 3),
		},
	}

	Global = cfg
	return cfg, nil
}

// Durations derived from the millisecond fields.

func (c *LLMConfig) Timeout() time.Duration      { return time.Duration(c.TimeoutMs) * time.Millisecond }
func (c *PlatformConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }
func (c *CalendarConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }
func (c *WorkerConfig) LockTTL() time.Duration   { return time.Duration(c.LockTTLMs) * time.Millisecond }
func (c *WorkerConfig) LeaseTTL() time.Duration  { return time.Duration(c.LeaseTTLMs) * time.Millisecond }
func (c *ManagerConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMs) * time.Millisecond
}
func (c *ManagerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}
func (c *RateLimitRetryConfig) Delays() []time.Duration {
	out := make([]time.Duration, len(c.RetryDelaysMs))
	for i, ms := range c.RetryDelaysMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return fallback
}

func getEnvInt64Slice(key string, fallback []int64) []int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return fallback
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
