package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the broker process.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	// Engine channel.
	EngineToken     string
	EngineSecret    string
	EngineFreshness time.Duration

	// User channel.
	ActionSecret    string
	ActionFreshness time.Duration
	NonceTTL        time.Duration

	// Job lifecycle.
	JobTimeout     time.Duration
	DispatchGrace  time.Duration
	MaxRetries     int
	SweepInterval  time.Duration
	StaleThreshold time.Duration
	GCDelay        time.Duration

	// Behavioral agents.
	IdleAfter      time.Duration
	UserStateTTL   time.Duration
	SpamLockWindow time.Duration

	RateLimitCapacity int
	RateLimitRefill   float64

	TelemetryLogPath string

	// Asset previews.
	AssetBaseURL     string
	AssetPreviewDir  string
	AssetS3Bucket    string
	AssetS3Region    string
	AssetS3Endpoint  string
	AssetS3PathStyle bool
	PreviewSize      int
	PreviewTimeout   time.Duration
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),

		EngineToken:     getEnv("ENGINE_TOKEN", "dev-engine-token"),
		EngineSecret:    getEnv("ENGINE_SECRET", "dev-engine-secret"),
		EngineFreshness: getEnvDuration("ENGINE_FRESHNESS", 30*time.Second),

		ActionSecret:    getEnv("ACTION_SECRET", "dev-action-secret"),
		ActionFreshness: getEnvDuration("ACTION_FRESHNESS", 15*time.Second),
		NonceTTL:        getEnvDuration("NONCE_TTL", 5*time.Minute),

		JobTimeout:     getEnvDuration("JOB_TIMEOUT", 15*time.Second),
		DispatchGrace:  getEnvDuration("DISPATCH_GRACE", time.Second),
		MaxRetries:     getEnvInt("MAX_RETRIES", 2),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", time.Minute),
		StaleThreshold: getEnvDuration("STALE_THRESHOLD", 2*time.Minute),
		GCDelay:        getEnvDuration("JOB_GC_DELAY", time.Minute),

		IdleAfter:      getEnvDuration("IDLE_AFTER", 5*time.Second),
		UserStateTTL:   getEnvDuration("USER_STATE_TTL", 30*time.Minute),
		SpamLockWindow: getEnvDuration("SPAM_LOCK_WINDOW", 300*time.Millisecond),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),

		TelemetryLogPath: getEnv("TELEMETRY_LOG_PATH", ""),

		AssetBaseURL:     getEnv("ASSET_BASE_URL", ""),
		AssetPreviewDir:  getEnv("ASSET_PREVIEW_DIR", "./previews"),
		AssetS3Bucket:    getEnv("ASSET_S3_BUCKET", ""),
		AssetS3Region:    getEnv("ASSET_S3_REGION", "us-east-1"),
		AssetS3Endpoint:  getEnv("ASSET_S3_ENDPOINT", ""),
		AssetS3PathStyle: getEnvBool("ASSET_S3_PATH_STYLE", false),
		PreviewSize:      getEnvInt("PREVIEW_SIZE", 128),
		PreviewTimeout:   getEnvDuration("PREVIEW_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
