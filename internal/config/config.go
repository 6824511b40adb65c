package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr            string
	LogLevel        string
	ShutdownTimeout time.Duration

	RedisURL     string
	DatabaseURL  string
	SQLitePath   string
	ChannelsFile string

	RequestTimeout time.Duration
	MaxFailovers   int
	ProbeEnabled   bool
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration

	DefaultDailyRequests   int64
	DefaultDailyTokens     int64
	DefaultMonthlyRequests int64
	DefaultMonthlyTokens   int64

	EncryptionKey             string
	AllowPlaintextCredentials bool
	VaultAddr                 string
	VaultToken                string

	AWSRegion     string
	SNSTopicARN   string
	UsageQueueURL string

	OTLPEndpoint string

	AdminUsername     string
	AdminPasswordHash string
	TrustTenantHeader bool
	TenantAPIKeys     map[string]string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg := &Config{
		Addr:            getEnv("ADDR", ":8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		RedisURL:     getEnv("REDIS_URL", ""),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		SQLitePath:   getEnv("SQLITE_PATH", ""),
		ChannelsFile: getEnv("CHANNELS_FILE", ""),

		RequestTimeout: getDurationEnv("REQUEST_TIMEOUT", 30*time.Second),
		MaxFailovers:   getIntEnv("MAX_FAILOVERS", 1),
		ProbeEnabled:   getBoolEnv("PROBE_ENABLED", true),
		ProbeInterval:  getDurationEnv("PROBE_INTERVAL", 30*time.Second),
		ProbeTimeout:   getDurationEnv("PROBE_TIMEOUT", 10*time.Second),

		DefaultDailyRequests:   int64(getIntEnv("DEFAULT_DAILY_REQUESTS", 1000)),
		DefaultDailyTokens:     int64(getIntEnv("DEFAULT_DAILY_TOKENS", 1_000_000)),
		DefaultMonthlyRequests: int64(getIntEnv("DEFAULT_MONTHLY_REQUESTS", 30000)),
		DefaultMonthlyTokens:   int64(getIntEnv("DEFAULT_MONTHLY_TOKENS", 30_000_000)),

		EncryptionKey:             getEnv("ENCRYPTION_KEY", ""),
		AllowPlaintextCredentials: getBoolEnv("ALLOW_PLAINTEXT_CREDENTIALS", false),
		VaultAddr:                 getEnv("VAULT_ADDR", ""),
		VaultToken:                getEnv("VAULT_TOKEN", ""),

		AWSRegion:     getEnv("AWS_REGION", ""),
		SNSTopicARN:   getEnv("SNS_TOPIC_ARN", ""),
		UsageQueueURL: getEnv("USAGE_QUEUE_URL", ""),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),

		AdminUsername:     getEnv("ADMIN_USERNAME", "admin"),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		TrustTenantHeader: getBoolEnv("TENANT_HEADER_TRUSTED", false),
		TenantAPIKeys:     parsePairs(getEnv("TENANT_API_KEYS", "")),
	}

	if cfg.MaxFailovers < 0 {
		cfg.MaxFailovers = 0
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts Go duration strings ("1m30s") or bare seconds ("90").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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

// parsePairs parses "k1:v1,k2:v2".
func parsePairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
