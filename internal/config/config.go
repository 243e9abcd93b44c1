package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string
	LogFormat   string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string

	MetricsAddr string

	// CredentialKey is the hex-encoded AES key used to seal stored tokens.
	CredentialKey string

	Traffic ProviderConfig
	Search  ProviderConfig

	Export ExportConfig

	Scheduler SchedulerConfig

	RateLimit RateLimitConfig
}

// ProviderConfig describes one upstream analytics provider.
type ProviderConfig struct {
	ReportURL    string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// ExportConfig describes the external tabular store for monthly exports.
type ExportConfig struct {
	BaseURL string
	SheetID string
	Token   string
}

// SchedulerConfig carries cron expressions and batch pacing.
type SchedulerConfig struct {
	Timezone          string
	DailyIngestSpec   string
	BenchmarkSpec     string
	ExportSpec        string
	CacheCleanupSpec  string
	QuotaResetSpec    string
	TenantPacing      time.Duration
	TenantTimeout     time.Duration
	JobTimeout        time.Duration
	IngestWindowDays  int
	CacheRetention    time.Duration
	TopEntityLimit    int
	DisableLockGuard  bool
}

// RateLimitConfig throttles outbound provider calls through redis.
type RateLimitConfig struct {
	Enabled       bool
	ProviderRate  float64
	ProviderBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "siteglance"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogFormat:   getenv("LOG_FORMAT", "json"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "siteglance"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		MetricsAddr: getenv("METRICS_ADDR", ":9464"),

		CredentialKey: strings.TrimSpace(getenv("CREDENTIAL_KEY", "")),

		Traffic: ProviderConfig{
			ReportURL:    getenv("TRAFFIC_REPORT_URL", "https://analyticsdata.googleapis.com"),
			TokenURL:     getenv("TRAFFIC_TOKEN_URL", "https://oauth2.googleapis.com/token"),
			ClientID:     strings.TrimSpace(getenv("TRAFFIC_CLIENT_ID", "")),
			ClientSecret: strings.TrimSpace(getenv("TRAFFIC_CLIENT_SECRET", "")),
		},
		Search: ProviderConfig{
			ReportURL:    getenv("SEARCH_REPORT_URL", "https://searchconsole.googleapis.com"),
			TokenURL:     getenv("SEARCH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
			ClientID:     strings.TrimSpace(getenv("SEARCH_CLIENT_ID", "")),
			ClientSecret: strings.TrimSpace(getenv("SEARCH_CLIENT_SECRET", "")),
		},

		Export: ExportConfig{
			BaseURL: getenv("EXPORT_BASE_URL", ""),
			SheetID: getenv("EXPORT_SHEET_ID", ""),
			Token:   strings.TrimSpace(getenv("EXPORT_TOKEN", "")),
		},

		Scheduler: SchedulerConfig{
			Timezone:         getenv("SCHEDULER_TIMEZONE", "Asia/Tokyo"),
			DailyIngestSpec:  getenv("SCHEDULER_DAILY_INGEST", "0 5 * * *"),
			BenchmarkSpec:    getenv("SCHEDULER_MONTHLY_BENCHMARK", "0 6 1 * *"),
			ExportSpec:       getenv("SCHEDULER_MONTHLY_EXPORT", "0 7 1 * *"),
			CacheCleanupSpec: getenv("SCHEDULER_CACHE_CLEANUP", "0 3 * * *"),
			QuotaResetSpec:   getenv("SCHEDULER_QUOTA_RESET", "5 0 1 * *"),
			TenantPacing:     getenvDuration("SCHEDULER_TENANT_PACING", time.Second),
			TenantTimeout:    getenvDuration("SCHEDULER_TENANT_TIMEOUT", 2*time.Minute),
			JobTimeout:       getenvDuration("SCHEDULER_JOB_TIMEOUT", 50*time.Minute),
			IngestWindowDays: getenvInt("SCHEDULER_INGEST_WINDOW_DAYS", 30),
			CacheRetention:   getenvDuration("SCHEDULER_CACHE_RETENTION", 24*time.Hour),
			TopEntityLimit:   getenvInt("SCHEDULER_TOP_ENTITY_LIMIT", 100),
			DisableLockGuard: getenvBool("SCHEDULER_DISABLE_LOCK_GUARD", false),
		},

		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			ProviderRate:  getenvFloat("RATE_LIMIT_PROVIDER_RATE", 1),
			ProviderBurst: getenvInt("RATE_LIMIT_PROVIDER_BURST", 5),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
