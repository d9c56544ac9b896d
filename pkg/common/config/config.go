package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	UploadTimeout  time.Duration
	MaxRequestBody int64
	MaxUploadBytes int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	PostgresMaxConns int
	PostgresMaxIdle  int

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers      []string
	KafkaGroupID      string
	NotificationTopic string

	// Attachments
	AttachmentBackend   string
	AttachmentBucket    string
	StrictPDFValidation bool

	// Identity
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWTTTL      time.Duration

	// Notifications
	NotifyBackend   string
	NotifyTemplates string
	NotifySender    string

	// SMTP (mailer-service)
	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string

	// Workflow
	LeaseTTL          time.Duration
	ReconcileSchedule string
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 5*time.Minute),
		UploadTimeout:  getDuration("UPLOAD_TIMEOUT", 15*time.Minute),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
		MaxUploadBytes: int64(getIntEnv("MAX_UPLOAD_BYTES", 100*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "docsupply"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "docsupply"),
		PostgresDB:       getEnv("POSTGRES_DB", "docsupply"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresMaxConns: getIntEnv("POSTGRES_MAX_CONNS", 25),
		PostgresMaxIdle:  getIntEnv("POSTGRES_MAX_IDLE", 5),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:      getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "docsupply-mailer"),
		NotificationTopic: getEnv("NOTIFICATION_TOPIC", "document-request-notifications"),

		AttachmentBackend:   getEnv("ATTACHMENT_BACKEND", "db"),
		AttachmentBucket:    getEnv("ATTACHMENT_BUCKET", ""),
		StrictPDFValidation: getBoolEnv("STRICT_PDF_VALIDATION", false),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", "docsupply"),
		JWTAudience: getEnv("JWT_AUDIENCE", "docsupply-api"),
		JWTTTL:      getDuration("JWT_TTL", 12*time.Hour),

		NotifyBackend:   getEnv("NOTIFY_BACKEND", "kafka"),
		NotifyTemplates: getEnv("NOTIFY_TEMPLATES", ""),
		NotifySender:    getEnv("NOTIFY_SENDER", "library-requests@localhost"),

		SMTPHost:     getEnv("SMTP_HOST", "localhost"),
		SMTPPort:     getEnv("SMTP_PORT", "25"),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),

		LeaseTTL:          getDuration("LEASE_TTL", 2*time.Minute),
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "@every 15m"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
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

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
