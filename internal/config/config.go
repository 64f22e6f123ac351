package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	SchedulerEnabled bool
	// SchedulerJobs is a comma separated allow-list; empty runs every job.
	SchedulerJobs string

	// WorkerEnabled runs the notification task server in this process.
	WorkerEnabled     bool
	WorkerConcurrency int

	// InvoiceNumberTemplate numbers invoices created without an explicit number.
	InvoiceNumberTemplate string

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

	Redis    RedisConfig
	Email    EmailConfig
	Receipts ReceiptConfig
	Webhooks WebhookConfig
	Ingest   IngestConfig
	Push     MetricsPushConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type ReceiptConfig struct {
	Bucket      string
	Region      string
	Endpoint    string
	KeyPrefix   string
	CompanyName string
}

type WebhookConfig struct {
	StripeSecret    string
	StripeTolerance time.Duration
	InternalSecret  string
	// RateLimitPerSecond caps webhook deliveries per provider; zero disables limiting.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

type IngestConfig struct {
	MaxAttempts  int
	RetryBackoff time.Duration
}

// TelemetryConfig feeds logging, tracing and OTLP metrics. Environment
// falls back to Config.Environment when DEPLOYMENT_ENV is unset.
type TelemetryConfig struct {
	DeploymentEnv string
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelEndpoint  string
	OtelProtocol  string
	SamplingRatio float64
}

// MetricsPushConfig points one-shot commands at a Pushgateway or a
// remote_write endpoint. An empty exporter disables pushing.
type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewReminderConfigHolder),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:               getenv("APP_SERVICE", "clientdesk"),
		AppVersion:            getenv("APP_VERSION", "0.1.0"),
		Environment:           getenv("ENVIRONMENT", "development"),
		HTTPAddr:              getenv("HTTP_ADDR", ":8080"),
		NodeID:                getenvInt64("SNOWFLAKE_NODE_ID", 1),
		SchedulerEnabled:      getenvBool("SCHEDULER_ENABLED", true),
		SchedulerJobs:         strings.TrimSpace(getenv("SCHEDULER_JOBS", "")),
		WorkerEnabled:         getenvBool("WORKER_ENABLED", true),
		WorkerConcurrency:     getenvInt("WORKER_CONCURRENCY", 5),
		InvoiceNumberTemplate: getenv("INVOICE_NUMBER_TEMPLATE", "INV-{YYYY}{MM}-{SEQ5}"),
		DBType:                getenv("DATABASE_TYPE", "postgres"),
		DBHost:                getenv("DATABASE_HOST", "localhost"),
		DBPort:                getenv("DATABASE_PORT", "5432"),
		DBName:                getenv("DATABASE_NAME", "clientdesk"),
		DBUser:                getenv("DATABASE_USER", "postgres"),
		DBPassword:            getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:             getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:         getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:         getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime:     getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime:     getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", "localhost"),
			SMTPPort:     getenvInt("SMTP_PORT", 1025),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "billing@clientdesk.local"),
		},
		Receipts: ReceiptConfig{
			Bucket:      strings.TrimSpace(getenv("RECEIPT_BUCKET", "")),
			Region:      getenv("AWS_REGION", "us-east-1"),
			Endpoint:    strings.TrimSpace(getenv("S3_ENDPOINT", "")),
			KeyPrefix:   getenv("RECEIPT_KEY_PREFIX", "receipts"),
			CompanyName: getenv("RECEIPT_COMPANY_NAME", "Clientdesk"),
		},
		Webhooks: WebhookConfig{
			StripeSecret:       strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			StripeTolerance:    getenvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
			InternalSecret:     strings.TrimSpace(getenv("INTERNAL_WEBHOOK_SECRET", "")),
			RateLimitPerSecond: getenvFloat("WEBHOOK_RATE_LIMIT_PER_SECOND", 50),
			RateLimitBurst:     getenvInt("WEBHOOK_RATE_LIMIT_BURST", 100),
		},
		Ingest: IngestConfig{
			MaxAttempts:  getenvInt("INGEST_MAX_ATTEMPTS", 3),
			RetryBackoff: getenvDuration("INGEST_RETRY_BACKOFF", 50*time.Millisecond),
		},
		Telemetry: TelemetryConfig{
			DeploymentEnv: strings.TrimSpace(getenv("DEPLOYMENT_ENV", "")),
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", true),
			OtelEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:  otlpProtocol(),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		Push: MetricsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_TOKEN", "")),
		},
	}
}

// otlpProtocol prefers the traces-specific override used by the OTel SDKs.
func otlpProtocol() string {
	if protocol := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); protocol != "" {
		return strings.ToLower(protocol)
	}
	return strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")))
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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
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
