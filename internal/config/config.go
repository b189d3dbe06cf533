// Package config provides application configuration loaded from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/formbricks/embed-sender/internal/huberrors"
)

// DefaultMaxConcurrentRequests is the inference host's 512 concurrent slots minus 12 kept in reserve.
const DefaultMaxConcurrentRequests = 500

// DefaultIPLookupURLs are tried in order to discover this host's public address.
var DefaultIPLookupURLs = []string{
	"https://api.ipify.org",
	"https://checkip.amazonaws.com",
	"https://www.trackip.net/ip",
}

// Config holds all application configuration.
type Config struct {
	// Task selection and sizing (overridable by command-line flags).
	TaskID         int64
	TargetInFlight int
	WorkBatchSize  int

	DatabaseURL      string
	DatabaseSchema   string
	DatabaseMaxConns int

	GPUServerURL          string
	InferenceTimeout      time.Duration
	InferenceRateLimit    float64
	MaxConcurrentRequests int

	ReceiverURL       string
	ReceiverAuthToken string
	ForwardTimeout    time.Duration

	// Pipeline timing
	OptionsBackoff  time.Duration
	ReapWait        time.Duration
	IdleWait        time.Duration
	EmptyBackoff    time.Duration
	ExitWhenDrained bool

	// Forward retry queue (River); off by default so failed forwards are only logged.
	ForwardRetryEnabled     bool
	ForwardRetryMaxAttempts int

	// Management status reporting; disabled when ManagementStatusAPI is empty.
	ManagementStatusAPI   string
	ManagementScriptToken string
	StatusInterval        time.Duration
	APIName               string
	ActionType            string
	IPCacheTTL            time.Duration
	IPFailureTTL          time.Duration
	IPLookupURLs          []string

	MetricsPort string
	LogLevel    string
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDuration accepts Go durations ("90s", "2m") and plain integers as seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	var out []string

	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}

	if len(out) == 0 {
		return defaultValue
	}

	return out
}

// databaseURLFromParts builds a connection URL from DB_HOST, DB_PORT, DB_NAME, DB_USER and DB_PASSWORD.
// It returns "" when DB_HOST or DB_NAME is unset.
func databaseURLFromParts() string {
	host := os.Getenv("DB_HOST")
	name := os.Getenv("DB_NAME")

	if host == "" || name == "" {
		return ""
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   host + ":" + getEnv("DB_PORT", "5432"),
		Path:   "/" + name,
	}

	if user := os.Getenv("DB_USER"); user != "" {
		if password, ok := os.LookupEnv("DB_PASSWORD"); ok {
			u.User = url.UserPassword(user, password)
		} else {
			u.User = url.User(user)
		}
	}

	if mode := os.Getenv("DB_SSLMODE"); mode != "" {
		u.RawQuery = url.Values{"sslmode": {mode}}.Encode()
	}

	return u.String()
}

// Load reads configuration from environment variables and returns a Config struct.
// It automatically loads .env file if it exists.
// Load does not validate; callers apply flag overrides and then call Validate.
func Load() (*Config, error) {
	// Skip logging when .env is absent (e.g. env from secrets/parameter store).
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	var taskID int64

	if raw := os.Getenv("TASK_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, huberrors.NewConfigError("TASK_ID", "must be an integer")
		}

		taskID = id
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = databaseURLFromParts()
	}

	cfg := &Config{
		TaskID:         taskID,
		TargetInFlight: getEnvAsInt("TARGET_IN_FLIGHT", 0),
		WorkBatchSize:  getEnvAsInt("WORK_BATCH_SIZE", 0),

		DatabaseURL:      databaseURL,
		DatabaseSchema:   getEnv("DATABASE_SCHEMA", ""),
		DatabaseMaxConns: getEnvAsInt("DATABASE_MAX_CONNS", 0),

		GPUServerURL:          os.Getenv("GPU_SERVER_URL"),
		InferenceTimeout:      getEnvAsDuration("INFERENCE_TIMEOUT", 120*time.Second),
		InferenceRateLimit:    getEnvAsFloat("INFERENCE_RATE_LIMIT", 0),
		MaxConcurrentRequests: getEnvAsInt("MAX_CONCURRENT_REQUESTS", DefaultMaxConcurrentRequests),

		ReceiverURL:       os.Getenv("RECEIVER_EMBED_API"),
		ReceiverAuthToken: os.Getenv("RECEIVER_AUTH_TOKEN"),
		ForwardTimeout:    getEnvAsDuration("FORWARD_TIMEOUT", 60*time.Second),

		OptionsBackoff:  getEnvAsDuration("OPTIONS_BACKOFF", 10*time.Second),
		ReapWait:        getEnvAsDuration("REAP_WAIT", 10*time.Second),
		IdleWait:        getEnvAsDuration("IDLE_WAIT", 2*time.Second),
		EmptyBackoff:    getEnvAsDuration("EMPTY_BACKOFF", 10*time.Second),
		ExitWhenDrained: getEnvAsBool("EXIT_WHEN_DRAINED", false),

		ForwardRetryEnabled:     getEnvAsBool("FORWARD_RETRY_ENABLED", false),
		ForwardRetryMaxAttempts: getEnvAsInt("FORWARD_RETRY_MAX_ATTEMPTS", 5),

		ManagementStatusAPI:   os.Getenv("MANAGEMENT_STATUS_API"),
		ManagementScriptToken: os.Getenv("MANAGEMENT_SCRIPT_TOKEN"),
		StatusInterval:        getEnvAsDuration("STATUS_INTERVAL", 5*time.Minute),
		APIName:               getEnv("API_NAME", "embed-sender"),
		ActionType:            getEnv("ACTION_TYPE", "embedding"),
		IPCacheTTL:            getEnvAsDuration("IP_CACHE_TTL", 0),
		IPFailureTTL:          getEnvAsDuration("IP_FAILURE_TTL", 5*time.Minute),
		IPLookupURLs:          getEnvAsList("IP_LOOKUP_URLS", DefaultIPLookupURLs),

		MetricsPort: os.Getenv("METRICS_PORT"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate checks required variables and the concurrency ceiling. Any error is fatal at startup.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"DATABASE_URL (or DB_HOST/DB_NAME)", c.DatabaseURL},
		{"GPU_SERVER_URL", c.GPUServerURL},
		{"RECEIVER_EMBED_API", c.ReceiverURL},
		{"RECEIVER_AUTH_TOKEN", c.ReceiverAuthToken},
	}

	for _, r := range required {
		if r.value == "" {
			return huberrors.NewConfigError(r.name, "environment variable is required but not set")
		}
	}

	if c.TaskID <= 0 {
		return huberrors.NewConfigError("TASK_ID", "must be a positive integer")
	}

	if c.TargetInFlight <= 0 {
		return huberrors.NewConfigError("TARGET_IN_FLIGHT", "must be a positive integer")
	}

	if c.WorkBatchSize <= 0 {
		return huberrors.NewConfigError("WORK_BATCH_SIZE", "must be a positive integer")
	}

	if c.MaxConcurrentRequests <= 0 {
		return huberrors.NewConfigError("MAX_CONCURRENT_REQUESTS", "must be a positive integer")
	}

	if n := c.ConcurrentRequests(); n > c.MaxConcurrentRequests {
		return huberrors.NewConfigError("TARGET_IN_FLIGHT", fmt.Sprintf(
			"%d / %d needs %d concurrent requests, more than the allowed %d; lower TARGET_IN_FLIGHT or raise WORK_BATCH_SIZE",
			c.TargetInFlight, c.WorkBatchSize, n, c.MaxConcurrentRequests))
	}

	if c.ForwardRetryEnabled && c.ForwardRetryMaxAttempts <= 0 {
		return huberrors.NewConfigError("FORWARD_RETRY_MAX_ATTEMPTS", "must be a positive integer")
	}

	if c.InferenceRateLimit < 0 {
		return huberrors.NewConfigError("INFERENCE_RATE_LIMIT", "must not be negative")
	}

	if c.ManagementStatusAPI != "" && c.StatusInterval <= 0 {
		return huberrors.NewConfigError("STATUS_INTERVAL", "must be positive when MANAGEMENT_STATUS_API is set")
	}

	return nil
}

// ConcurrentRequests is the number of inference requests in flight at full target.
func (c *Config) ConcurrentRequests() int {
	if c.WorkBatchSize <= 0 {
		return 0
	}

	return (c.TargetInFlight + c.WorkBatchSize - 1) / c.WorkBatchSize
}
