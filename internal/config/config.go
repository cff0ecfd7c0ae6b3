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
	HTTPAddr    string

	Telemetry TelemetryConfig

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
	MigrateOnStart    bool

	Redis     RedisConfig
	Kafka     KafkaConfig
	RateLimit RateLimitConfig

	// SettingsSecret derives the key that encrypts stored webhook secrets and API keys.
	SettingsSecret string
	AdminAPIToken  string

	LemonSqueezy LemonSqueezyConfig
	MetricsPush  MetricsPushConfig

	// ServicePrincipal is the identity settlement runs under.
	ServicePrincipal string
}

// TelemetryConfig drives logging, tracing and OTLP metric export.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OTLPEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
}

// Debug enables verbose logging and stack traces outside production-like environments.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.Telemetry.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// RateLimitConfig bounds the public webhook endpoint per client address and
// sizes the per-subscription lock. Both need Redis.
type RateLimitConfig struct {
	Enabled      bool
	WebhookRate  float64
	WebhookBurst int
	LockTTL      time.Duration
	LockWait     time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0 && strings.TrimSpace(c.Topic) != ""
}

type LemonSqueezyConfig struct {
	APIBaseURL string
	Timeout    time.Duration
}

// MetricsPushConfig ships reconciliation gauges to a remote Prometheus
// endpoint for deployments that cannot be scraped.
type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

func (c MetricsPushConfig) Enabled() bool {
	return strings.TrimSpace(c.Exporter) != "" && strings.TrimSpace(c.Endpoint) != ""
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "lemonsync"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OTLPEnabled:   getenvBool("OTEL_ENABLED", false),
			OTLPEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OTLPProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 1),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "lemonsync"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		MigrateOnStart:    getenvBool("MIGRATE_ON_START", true),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getenvBool("RATE_LIMIT_ENABLED", false),
			WebhookRate:  getenvFloat("RATE_LIMIT_WEBHOOK_RATE", 20),
			WebhookBurst: getenvInt("RATE_LIMIT_WEBHOOK_BURST", 100),
			LockTTL:      getenvDuration("SUBSCRIPTION_LOCK_TTL", 15*time.Second),
			LockWait:     getenvDuration("SUBSCRIPTION_LOCK_WAIT", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getenv("KAFKA_BROKERS", "")),
			Topic:   strings.TrimSpace(getenv("KAFKA_TOPIC", "lemonsync.events")),
		},
		SettingsSecret: strings.TrimSpace(getenv("SETTINGS_SECRET", "")),
		AdminAPIToken:  strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		LemonSqueezy: LemonSqueezyConfig{
			APIBaseURL: strings.TrimRight(getenv("LEMONSQUEEZY_API_URL", "https://api.lemonsqueezy.com"), "/"),
			Timeout:    getenvDuration("LEMONSQUEEZY_TIMEOUT", 10*time.Second),
		},
		MetricsPush: MetricsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			Interval:  getenvDuration("METRICS_PUSH_INTERVAL", time.Minute),
		},
		ServicePrincipal: getenv("SERVICE_PRINCIPAL", "service:settlement"),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
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
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
