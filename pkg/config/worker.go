package config

import "time"

// WorkerConfig holds runtime configuration for the background worker.
type WorkerConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	QueueRedisAddr     string
	QueueRedisPassword string
	QueueRedisDB       int

	PlatformAPIBaseURL   string
	PlatformAPIKey       string
	PlatformDomain       string
	PlatformPollInterval time.Duration
	PlatformPollTimeout  time.Duration

	DeployConcurrency  int
	WebhookConcurrency int
	EmailConcurrency   int
	MaxJobAttempts     int
	RetryBackoffBase   time.Duration
	RetryBackoffMax    time.Duration
	JobTimeout         time.Duration
	CleanupInterval    time.Duration
	RetentionDays      int

	WebhookSenderName   string
	SecretEncryptionKey string

	EmailAPIBaseURL string
	EmailAPIKey     string
	EmailFrom       string
	SMTPAddr        string
	SMTPUsername    string
	SMTPPassword    string
	TemplateDir     string
}

// LoadWorkerConfig constructs a WorkerConfig from environment variables.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("WORKER_ADDR", ":4100"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://stackpilot:stackpilot@db:5432/stackpilot?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		QueueRedisAddr:     GetString("QUEUE_REDIS_ADDR", ""),
		QueueRedisPassword: GetString("QUEUE_REDIS_PASSWORD", ""),
		QueueRedisDB:       GetInt("QUEUE_REDIS_DB", 0),

		PlatformAPIBaseURL:   GetString("PLATFORM_API_URL", ""),
		PlatformAPIKey:       GetString("PLATFORM_API_KEY", ""),
		PlatformDomain:       GetString("PLATFORM_DOMAIN", "example.domain"),
		PlatformPollInterval: GetDuration("PLATFORM_POLL_INTERVAL", 5*time.Second),
		PlatformPollTimeout:  GetDuration("PLATFORM_POLL_TIMEOUT", 10*time.Minute),

		DeployConcurrency:  GetInt("DEPLOY_CONCURRENCY", 2),
		WebhookConcurrency: GetInt("WEBHOOK_CONCURRENCY", 4),
		EmailConcurrency:   GetInt("EMAIL_CONCURRENCY", 8),
		MaxJobAttempts:     GetInt("MAX_JOB_ATTEMPTS", 5),
		RetryBackoffBase:   GetDuration("RETRY_BACKOFF_BASE", 2*time.Second),
		RetryBackoffMax:    GetDuration("RETRY_BACKOFF_MAX", 5*time.Minute),
		JobTimeout:         GetDuration("JOB_TIMEOUT", 15*time.Minute),
		CleanupInterval:    GetDuration("CLEANUP_INTERVAL", 24*time.Hour),
		RetentionDays:      GetInt("RETENTION_DAYS", 30),

		WebhookSenderName:   GetString("WEBHOOK_SENDER_NAME", "stackpilot-hookshot"),
		SecretEncryptionKey: GetString("SECRET_ENCRYPTION_KEY", "supersecuresecret"),

		EmailAPIBaseURL: GetString("EMAIL_API_URL", ""),
		EmailAPIKey:     GetString("EMAIL_API_KEY", ""),
		EmailFrom:       GetString("EMAIL_FROM", "noreply@stackpilot.dev"),
		SMTPAddr:        GetString("SMTP_ADDR", ""),
		SMTPUsername:    GetString("SMTP_USERNAME", ""),
		SMTPPassword:    GetString("SMTP_PASSWORD", ""),
		TemplateDir:     GetString("EMAIL_TEMPLATE_DIR", "./templates/email"),
	}
}
