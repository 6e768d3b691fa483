package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	// HTTP
	Port            string
	PublicBaseURL   string // e.g. "https://encore.fm", used in email links and Stripe redirects
	CORSOrigin      string
	TrustedProxies  []string // CIDRs or IPs whose X-Forwarded-For is believed
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// MySQL
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBLogSQL   bool

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO配置
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	StreamURLTTL   time.Duration // lifetime of presigned stream URLs

	// Auth
	JWTSecret string
	JWTTTL    time.Duration

	// Resend
	ResendAPIKey     string
	EmailFrom        string
	EmailReplyTo     string
	EmailTemplateDir string // optional override directory, watched for changes
	EmailMaxAttempts uint
	EmailRetryDelay  time.Duration

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string
	Currency            string

	// Play accounting
	MinPlaySeconds    int
	PlayDedupeWindow  time.Duration
	RoyaltyCentsPer1K int64 // payout per 1000 counted plays
	RoyaltyCron       string
	AdSweepCron       string

	// Rate limiting
	RateLimitRPS   int
	RateLimitBurst int

	// Logging
	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvDuration accepts Go duration strings ("15m", "2s").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	baseURL := strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/")

	return &Config{
		Port:            getEnv("PORT", "8080"),
		PublicBaseURL:   baseURL,
		CORSOrigin:      getEnv("CORS_ORIGIN", "*"),
		TrustedProxies:  getEnvList("TRUSTED_PROXIES"),
		ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 5*time.Second),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // no hardcoded default for secrets
		DBName:     getEnv("DB_NAME", "encore"),
		DBLogSQL:   getEnvBool("DB_LOG_SQL", false),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "encore"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		StreamURLTTL:   getEnvDuration("STREAM_URL_TTL", 15*time.Minute),

		JWTSecret: getEnv("JWT_SECRET", "encore-dev-secret"),
		JWTTTL:    getEnvDuration("JWT_TTL", 72*time.Hour),

		ResendAPIKey:     os.Getenv("RESEND_API_KEY"),
		EmailFrom:        getEnv("EMAIL_FROM", "Encore <noreply@encore.fm>"),
		EmailReplyTo:     getEnv("EMAIL_REPLY_TO", ""),
		EmailTemplateDir: getEnv("EMAIL_TEMPLATE_DIR", ""),
		EmailMaxAttempts: uint(getEnvInt("EMAIL_MAX_ATTEMPTS", 3)),
		EmailRetryDelay:  getEnvDuration("EMAIL_RETRY_DELAY", 500*time.Millisecond),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeSuccessURL:    getEnv("STRIPE_SUCCESS_URL", baseURL+"/checkout/success?session_id={CHECKOUT_SESSION_ID}"),
		StripeCancelURL:     getEnv("STRIPE_CANCEL_URL", baseURL+"/checkout/cancel"),
		Currency:            strings.ToLower(getEnv("CURRENCY", "usd")),

		MinPlaySeconds:    getEnvInt("MIN_PLAY_SECONDS", 30),
		PlayDedupeWindow:  getEnvDuration("PLAY_DEDUPE_WINDOW", 10*time.Minute),
		RoyaltyCentsPer1K: getEnvInt64("ROYALTY_CENTS_PER_1K", 400),
		RoyaltyCron:       getEnv("ROYALTY_CRON", "*/15 * * * *"),
		AdSweepCron:       getEnv("AD_SWEEP_CRON", "5 0 * * *"),

		RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 10),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 20),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		LogFile:       getEnv("LOG_FILE", "logs/encore.log"),
		LogMaxSize:    getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 7),
		LogMaxAge:     getEnvInt("LOG_MAX_AGE_DAYS", 30),
	}
}

// EmailEnabled reports whether a Resend API key is configured.
func (c *Config) EmailEnabled() bool {
	return c.ResendAPIKey != ""
}

// StripeEnabled reports whether a Stripe secret key is configured.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != ""
}
