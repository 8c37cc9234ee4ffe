package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPPort    string

	LogLevel string

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
	RedisDB       int

	SnowflakeNodeID int

	OTLPEndpoint string

	Billing BillingConfig
}

// BillingConfig carries the money-facing knobs that tests inject
// and operators tune per deployment.
type BillingConfig struct {
	// Dunning schedule offsets are configured on the dunning module
	// itself; these are the engine-wide billing settings.
	InvoiceDueDays            int
	PaymentPlanMinTotal       int64
	PaymentPlanMaxInstallment int
	InstallmentMaxRetries     int
	DunningMaxTransientFails  int

	StripeAPIKey          string
	StripeWebhookSecret   string
	PaystackSecretKey     string
	PaystackWebhookSecret string

	ExchangeRateTTLHours int
	BaseCurrency         string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "ledgerline"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPPort:    getenv("HTTP_PORT", "8080"),

		LogLevel: getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "ledgerline"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		SnowflakeNodeID: getenvInt("SNOWFLAKE_NODE_ID", 1),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", ""),

		Billing: BillingConfig{
			InvoiceDueDays:            getenvInt("BILLING_INVOICE_DUE_DAYS", 14),
			PaymentPlanMinTotal:       getenvInt64("BILLING_PAYMENT_PLAN_MIN_TOTAL", 10000),
			PaymentPlanMaxInstallment: getenvInt("BILLING_PAYMENT_PLAN_MAX_INSTALLMENTS", 12),
			InstallmentMaxRetries:     getenvInt("BILLING_INSTALLMENT_MAX_RETRIES", 3),
			DunningMaxTransientFails:  getenvInt("BILLING_DUNNING_MAX_TRANSIENT_FAILS", 5),

			StripeAPIKey:          strings.TrimSpace(getenv("STRIPE_API_KEY", "")),
			StripeWebhookSecret:   strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			PaystackSecretKey:     strings.TrimSpace(getenv("PAYSTACK_SECRET_KEY", "")),
			PaystackWebhookSecret: strings.TrimSpace(getenv("PAYSTACK_WEBHOOK_SECRET", "")),

			ExchangeRateTTLHours: getenvInt("EXCHANGE_RATE_TTL_HOURS", 24),
			BaseCurrency:         strings.ToUpper(getenv("BASE_CURRENCY", "USD")),
		},
	}
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func getenvInt64(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}
