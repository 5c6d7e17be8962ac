package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	PublicBaseURL  string
	LogLevel       string
	UseMemoryQueue bool
	WorkerCount    int
	DatabaseURL    string

	TelegramBotToken string
	// TelegramWebhookSecret switches the bot from long-polling to webhook
	// mode when set. Telegram echoes it back on every delivery.
	TelegramWebhookSecret string

	GeminiAPIKey   string
	GeminiModel    string
	BedrockModelID string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	ConversationQueueURL string
	// SyncDispatchQueueURL points the synchronous chat surfaces at a shared
	// FIFO queue so API replicas never interleave turns for one
	// conversation. Empty keeps in-process ordering only.
	SyncDispatchQueueURL  string
	ConversationJobsTable string
	EscalationStateTable  string
	ArchiveBucket         string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AdminJWTSecret     string
	CORSAllowedOrigins string

	// Public chat surface rate limiting, per client IP. Zero disables it.
	ChatRateLimit float64
	ChatRateBurst int

	// Risk thresholds. Weights are in [0,1]; a single signal at or above
	// HardTriggerThreshold forces the crisis tier regardless of the
	// aggregate score.
	LexiconPath            string
	HardTriggerThreshold   float64
	ElevatedThreshold      float64
	LowThreshold           float64
	StateSensitivityScale  float64
	CalmStreakToCooldown   int
	CooldownWindow         time.Duration

	// Safety payloads.
	PayloadRegistryPath string
	DefaultRegion       string

	// Counselor escalation desk.
	OnCallEmails        string
	PagerWebhookURL     string
	EscalationSLA       time.Duration
	AfterHoursStart     string
	AfterHoursEnd       string
	AfterHoursTimezone  string
	OvernightEmails     string

	// Email senders.
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
	SESFromName       string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		PublicBaseURL:  getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),
		DatabaseURL:    getEnv("DATABASE_URL", ""),

		TelegramBotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramWebhookSecret: getEnv("TELEGRAM_WEBHOOK_SECRET", ""),

		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),

		AWSRegion:             getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:        getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:    getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:   getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		ConversationQueueURL:  getEnv("CONVERSATION_QUEUE_URL", ""),
		SyncDispatchQueueURL:  getEnv("SYNC_DISPATCH_QUEUE_URL", ""),
		ConversationJobsTable: getEnv("CONVERSATION_JOBS_TABLE", "conversation_jobs"),
		EscalationStateTable:  getEnv("ESCALATION_STATE_TABLE", "escalation_state"),
		ArchiveBucket:         getEnv("S3_ARCHIVE_BUCKET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),

		ChatRateLimit: getEnvAsFloat("CHAT_RATE_LIMIT", 5),
		ChatRateBurst: getEnvAsInt("CHAT_RATE_BURST", 10),

		LexiconPath:           getEnv("LEXICON_PATH", ""),
		HardTriggerThreshold:  getEnvAsFloat("RISK_HARD_TRIGGER", 0.85),
		ElevatedThreshold:     getEnvAsFloat("RISK_ELEVATED_THRESHOLD", 0.55),
		LowThreshold:          getEnvAsFloat("RISK_LOW_THRESHOLD", 0.15),
		StateSensitivityScale: getEnvAsFloat("RISK_STATE_SENSITIVITY", 0.75),
		CalmStreakToCooldown:  getEnvAsInt("CALM_STREAK_TO_COOLDOWN", 3),
		CooldownWindow:        getEnvAsDuration("COOLDOWN_WINDOW", 10*time.Minute),

		PayloadRegistryPath: getEnv("PAYLOAD_REGISTRY_PATH", ""),
		DefaultRegion:       strings.ToUpper(strings.TrimSpace(getEnv("DEFAULT_REGION", "AU"))),

		OnCallEmails:       getEnv("ONCALL_EMAILS", ""),
		PagerWebhookURL:    getEnv("PAGER_WEBHOOK_URL", ""),
		EscalationSLA:      getEnvAsDuration("ESCALATION_SLA", 15*time.Minute),
		AfterHoursStart:    getEnv("AFTER_HOURS_START", ""),
		AfterHoursEnd:      getEnv("AFTER_HOURS_END", ""),
		AfterHoursTimezone: getEnv("AFTER_HOURS_TZ", "UTC"),
		OvernightEmails:    getEnv("OVERNIGHT_EMAILS", ""),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Companion Safety"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SESFromName:       getEnv("SES_FROM_NAME", "Companion Safety"),
	}
}

// OnCallRecipients splits the configured on-call email list.
func (c *Config) OnCallRecipients() []string {
	return splitList(c.OnCallEmails)
}

// CORSOrigins splits the configured allowed-origin list.
func (c *Config) CORSOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

// OvernightRecipients splits the configured overnight email list.
func (c *Config) OvernightRecipients() []string {
	return splitList(c.OvernightEmails)
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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

// getEnvAsFloat retrieves an environment variable as a float or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
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
