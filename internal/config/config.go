package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	PublicBaseURL  string
	LogLevel       string
	UseMemoryQueue bool
	WorkerCount    int

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	QueueBaseURL  string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// EncryptionKey protects tenant credentials and raw webhook payloads at
	// rest. Hex-encoded, 32 bytes once decoded.
	EncryptionKey string
	// JWTSecret signs operator session tokens. Must be distinct from the
	// encryption key.
	JWTSecret string

	OpenAIAPIKey         string
	OpenAIModel          string
	OpenAIEmbeddingModel string

	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioWebhookSecret string

	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string

	QuietHoursStart    string
	QuietHoursEnd      string
	QuietHoursTimezone string

	// Pipeline knobs.
	IntentExecuteThreshold  float64
	IntentClarifyThreshold  float64
	LanguageSwitchThreshold float64
	KBMinScore              float64
	DedupTTL                time.Duration
	DedupIncludeBodyHash    bool
	MergeWindow             time.Duration
	SessionTTL              time.Duration
	HistoryWindow           int
	SummaryEvery            int
	TurnBudget              time.Duration
	LLMTimeout              time.Duration
	GatewayTimeout          time.Duration
	VectorTimeout           time.Duration
	StorageTimeout          time.Duration
	HandoffAutoClose        bool
	UnknownIntents          []string
	DailyMessageLimit       int
	SuppressionWindow       time.Duration
	LockHold                time.Duration
	LockAcquireTimeout      time.Duration
	SessionTokenTTL         time.Duration
}

// Load reads configuration from environment variables. A .env file is
// honored in development.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		PublicBaseURL:  getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		QueueBaseURL:  getEnv("QUEUE_BASE_URL", ""),

		AWSRegion:           getEnv("AWS_REGION", "af-south-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		JWTSecret:     getEnv("JWT_SECRET", ""),

		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIEmbeddingModel: getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),

		TwilioAccountSID:    getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioWebhookSecret: getEnv("TWILIO_WEBHOOK_SECRET", ""),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "SokoFlow"),

		QuietHoursStart:    getEnv("QUIET_HOURS_START", "21:00"),
		QuietHoursEnd:      getEnv("QUIET_HOURS_END", "07:00"),
		QuietHoursTimezone: getEnv("QUIET_HOURS_TZ", "Africa/Nairobi"),

		IntentExecuteThreshold:  getEnvAsFloat("INTENT_EXECUTE_THRESHOLD", 0.70),
		IntentClarifyThreshold:  getEnvAsFloat("INTENT_CLARIFY_THRESHOLD", 0.50),
		LanguageSwitchThreshold: getEnvAsFloat("LANGUAGE_SWITCH_THRESHOLD", 0.75),
		KBMinScore:              getEnvAsFloat("KB_MIN_SCORE", 0.6),
		DedupTTL:                getEnvAsDuration("DEDUP_TTL", 24*time.Hour),
		DedupIncludeBodyHash:    getEnvAsBool("DEDUP_INCLUDE_BODY_HASH", false),
		MergeWindow:             getEnvAsDuration("MERGE_WINDOW", 2*time.Second),
		SessionTTL:              getEnvAsDuration("SESSION_TTL", 30*time.Minute),
		HistoryWindow:           getEnvAsInt("HISTORY_WINDOW", 20),
		SummaryEvery:            getEnvAsInt("SUMMARY_EVERY", 20),
		TurnBudget:              getEnvAsDuration("TURN_BUDGET", 30*time.Second),
		LLMTimeout:              getEnvAsDuration("LLM_TIMEOUT", 20*time.Second),
		GatewayTimeout:          getEnvAsDuration("GATEWAY_TIMEOUT", 10*time.Second),
		VectorTimeout:           getEnvAsDuration("VECTOR_TIMEOUT", 5*time.Second),
		StorageTimeout:          getEnvAsDuration("STORAGE_TIMEOUT", 2*time.Second),
		HandoffAutoClose:        getEnvAsBool("HANDOFF_AUTO_CLOSE", false),
		UnknownIntents:          getEnvAsList("INTENT_UNKNOWN_SET", []string{"OTHER", "GIBBERISH", "EMPTY"}),
		DailyMessageLimit:       getEnvAsInt("DAILY_MESSAGE_LIMIT", 1000),
		SuppressionWindow:       getEnvAsDuration("SUPPRESSION_WINDOW", 24*time.Hour),
		LockHold:                getEnvAsDuration("CONVERSATION_LOCK_HOLD", 45*time.Second),
		LockAcquireTimeout:      getEnvAsDuration("CONVERSATION_LOCK_TIMEOUT", 10*time.Second),
		SessionTokenTTL:         getEnvAsDuration("SESSION_TOKEN_TTL", 24*time.Hour),
	}
}

// Validate checks required values and fails with actionable messages.
// Weak keys are rejected at startup rather than discovered in production.
func (c *Config) Validate() error {
	var problems []string

	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if c.RedisAddr == "" {
		problems = append(problems, "REDIS_ADDR is required")
	}
	if !c.UseMemoryQueue && c.QueueBaseURL == "" {
		problems = append(problems, "QUEUE_BASE_URL is required unless USE_MEMORY_QUEUE=true")
	}
	if c.OpenAIAPIKey == "" {
		problems = append(problems, "OPENAI_API_KEY is required")
	}

	if key, err := hex.DecodeString(c.EncryptionKey); err != nil {
		problems = append(problems, "ENCRYPTION_KEY must be hex-encoded")
	} else if len(key) < 32 {
		problems = append(problems, fmt.Sprintf("ENCRYPTION_KEY must decode to at least 32 bytes, got %d", len(key)))
	}

	if err := validateSigningKey(c.JWTSecret); err != nil {
		problems = append(problems, "JWT_SECRET "+err.Error())
	}
	if c.JWTSecret != "" && c.JWTSecret == c.EncryptionKey {
		problems = append(problems, "JWT_SECRET must be distinct from ENCRYPTION_KEY")
	}

	if _, err := time.LoadLocation(c.QuietHoursTimezone); err != nil {
		problems = append(problems, fmt.Sprintf("QUIET_HOURS_TZ %q is not a valid IANA zone", c.QuietHoursTimezone))
	}
	if c.IntentClarifyThreshold >= c.IntentExecuteThreshold {
		problems = append(problems, "INTENT_CLARIFY_THRESHOLD must be below INTENT_EXECUTE_THRESHOLD")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// validateSigningKey enforces length, character diversity, and rejects
// keys built from a repeating pattern.
func validateSigningKey(key string) error {
	if len(key) < 32 {
		return fmt.Errorf("must be at least 32 characters, got %d", len(key))
	}
	distinct := make(map[rune]struct{})
	for _, r := range key {
		distinct[r] = struct{}{}
	}
	if len(distinct) < 16 {
		return fmt.Errorf("must contain at least 16 distinct characters, got %d", len(distinct))
	}
	for period := 1; period <= len(key)/2; period++ {
		if len(key)%period != 0 {
			continue
		}
		if strings.Repeat(key[:period], len(key)/period) == key {
			return fmt.Errorf("must not repeat a %d-character pattern", period)
		}
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
