package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Database (empty means in-memory ledger, development only)
	DatabaseURL string

	// Redis (empty means in-memory job index)
	RedisURL string

	// JWT
	JWTSecret string
	JWTIssuer string

	// CORS
	AllowedOrigins []string

	// Generation provider
	EternalAPIKey    string
	EternalAPIURL    string
	EternalResultURL string
	EternalTimeout   time.Duration

	// Edits
	EditCreditCost      int64
	AllowAnonymousEdits bool
	ImageMaxSide        int
	CallbackToken       string

	// Job reconciliation
	JobMaxAge        time.Duration
	JobSweepInterval time.Duration
	JobIndexTTL      time.Duration

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string
	CreditPlans         map[string]int64

	// Source archive (R2 takes precedence over ARCHIVE_DIR)
	R2AccountID       string
	R2AccessKeyID     string
	R2AccessKeySecret string
	R2BucketName      string
	R2PublicURL       string
	ArchiveDir        string

	// Logging
	LogLevel string
}

func Load() *Config {
	// Load .env file in development
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		// Server
		Port: getEnv("PORT", "8080"),
		Env:  getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),

		// Redis
		RedisURL: getEnv("REDIS_URL", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", ""),

		// CORS
		AllowedOrigins: parseStringSlice(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),

		// Generation provider
		EternalAPIKey:    getEnv("ETERNAL_AI_API_KEY", ""),
		EternalAPIURL:    getEnv("ETERNAL_AI_API_URL", "https://agentic.eternalai.org/uncensored-image"),
		EternalResultURL: getEnv("ETERNAL_AI_RESULT_URL", "https://agentic.eternalai.org/result/uncensored-image"),
		EternalTimeout:   parseDuration(getEnv("ETERNAL_AI_TIMEOUT", "60s"), 60*time.Second),

		// Edits
		EditCreditCost:      int64(parseInt(getEnv("EDIT_CREDIT_COST", "1"), 1)),
		AllowAnonymousEdits: parseBool(getEnv("ALLOW_ANONYMOUS_EDITS", "false"), false),
		ImageMaxSide:        parseInt(getEnv("IMAGE_MAX_SIDE", "2000"), 2000),
		CallbackToken:       getEnv("GENERATION_CALLBACK_TOKEN", ""),

		// Job reconciliation
		JobMaxAge:        parseDuration(getEnv("JOB_MAX_AGE", "15m"), 15*time.Minute),
		JobSweepInterval: parseDuration(getEnv("JOB_SWEEP_INTERVAL", "1m"), time.Minute),
		JobIndexTTL:      parseDuration(getEnv("JOB_INDEX_TTL", "24h"), 24*time.Hour),

		// Stripe
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeSuccessURL:    getEnv("STRIPE_SUCCESS_URL", "http://localhost:3000/purchase/success"),
		StripeCancelURL:     getEnv("STRIPE_CANCEL_URL", "http://localhost:3000/purchase"),
		CreditPlans:         parseCreditPlans(getEnv("CREDIT_PLANS", "price_2:2,price_10:10,price_50:50")),

		// Storage
		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2AccessKeySecret: getEnv("R2_ACCESS_KEY_SECRET", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", "photoedit-sources"),
		R2PublicURL:       getEnv("R2_PUBLIC_URL", ""),
		ArchiveDir:        getEnv("ARCHIVE_DIR", ""),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "debug"),
	}
}

// Validate rejects configurations the service cannot run with.
// Production requires every external dependency to be configured explicitly.
func (c *Config) Validate() error {
	var errs []error

	if c.EditCreditCost <= 0 {
		errs = append(errs, errors.New("EDIT_CREDIT_COST must be positive"))
	}
	if len(c.CreditPlans) == 0 {
		errs = append(errs, errors.New("CREDIT_PLANS must define at least one plan"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if c.EternalAPIKey == "" {
			errs = append(errs, errors.New("ETERNAL_AI_API_KEY is required in production"))
		}
		if c.StripeWebhookSecret == "" {
			errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required in production"))
		}
		if c.AllowAnonymousEdits {
			errs = append(errs, errors.New("ALLOW_ANONYMOUS_EDITS is not allowed in production"))
		}
	}

	return errors.Join(errs...)
}

// R2Enabled reports whether the R2 archive is fully configured.
func (c *Config) R2Enabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2AccessKeySecret != ""
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func parseBool(s string, defaultValue bool) bool {
	value, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseInt(s string, defaultValue int) int {
	value, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseStringSlice(s string) []string {
	if s == "" {
		return []string{}
	}
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

// parseCreditPlans reads "plan:credits" pairs. Malformed pairs are skipped.
func parseCreditPlans(s string) map[string]int64 {
	plans := make(map[string]int64)
	for _, pair := range parseStringSlice(s) {
		id, credits, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(credits), 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		plans[strings.TrimSpace(id)] = n
	}
	return plans
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
