package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Environment
	RunMode string // Set via flag, not env

	// MongoDB
	MongoURI    string
	MongoDbName string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// JWT
	JwtSecret string
	JwtTTL    time.Duration

	// Server
	ApiPort string

	// Listing lifecycle policy
	TierFreeHours     int           // active duration for free accounts
	TierPremiumHours  int           // active duration for premium accounts
	ArchiveGraceDays  int           // archived-to-deleted window, tier independent
	SweepInterval     time.Duration // how often the consistency sweep runs
	SweepPageSize     int           // bounded page size for sweep scans
	ExpiryWarningLead time.Duration // how far ahead of expiry to warn owners

	// Email
	SmtpHost        string
	SmtpPort        int
	SmtpUsername    string
	SmtpPassword    string
	SmtpFromAddress string

	// AWS S3
	AwsAccessKeyID     string
	AwsSecretAccessKey string
	AwsRegion          string
	AwsS3Bucket        string
	ImageMaxDimension  int
	ImageThumbSize     int
	ImageMaxSizeMB     int

	// App Defaults
	AppName string

	// Rate Limiting Defaults (write endpoints only)
	RateLimitBucketSize int
	RateLimitRefillRate int // tokens per second
}

// ArchiveGrace returns the archived-to-deleted window as a duration.
func (c *Config) ArchiveGrace() time.Duration {
	return time.Duration(c.ArchiveGraceDays) * 24 * time.Hour
}

// TierHours returns the configured active-listing hours for a built-in tier
// name, with the free tier as the conservative fallback for unknown names.
func (c *Config) TierHours(tier string) int {
	switch tier {
	case "premium":
		return c.TierPremiumHours
	default:
		return c.TierFreeHours
	}
}

// Load configuration from environment variables.
// RunMode needs to be passed in as it comes from command-line flags.
func Load(runMode string) (*Config, error) {
	// Load .env file, ignoring errors if it doesn't exist
	godotenv.Load()

	cfg := &Config{
		RunMode: runMode,
	}

	var err error

	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		return defaultValue
	}

	getRequiredEnv := func(key string) (string, error) {
		value, exists := os.LookupEnv(key)
		if !exists {
			return "", fmt.Errorf("missing required environment variable: %s", key)
		}
		return value, nil
	}

	getIntEnv := func(key, defaultValue string) (int, error) {
		v, convErr := strconv.Atoi(getEnv(key, defaultValue))
		if convErr != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, convErr)
		}
		return v, nil
	}

	cfg.MongoURI, err = getRequiredEnv("MONGO_URI")
	if err != nil {
		return nil, err
	}
	cfg.MongoDbName = getEnv("MONGO_DB_NAME", "cardyard")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.JwtSecret, err = getRequiredEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	cfg.ApiPort = getEnv("API_PORT", "8080")
	cfg.SmtpHost = getEnv("SMTP_HOST", "")
	cfg.SmtpUsername = getEnv("SMTP_USERNAME", "")
	cfg.SmtpPassword = getEnv("SMTP_PASSWORD", "")
	cfg.SmtpFromAddress = getEnv("SMTP_FROM_ADDRESS", "noreply@cardyard.example.com")
	cfg.AwsAccessKeyID = getEnv("AWS_ACCESS_KEY_ID", "")
	cfg.AwsSecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", "")
	cfg.AwsRegion = getEnv("AWS_REGION", "")
	cfg.AwsS3Bucket = getEnv("AWS_S3_BUCKET", "")
	cfg.AppName = getEnv("APP_NAME", "CardYard")

	cfg.RedisDB, err = getIntEnv("REDIS_DB", "0")
	if err != nil {
		return nil, err
	}

	jwtTTLSeconds, err := getIntEnv("JWT_TTL_SECONDS", "3600")
	if err != nil {
		return nil, err
	}
	cfg.JwtTTL = time.Duration(jwtTTLSeconds) * time.Second

	cfg.SmtpPort, err = getIntEnv("SMTP_PORT", "587")
	if err != nil {
		return nil, err
	}

	cfg.TierFreeHours, err = getIntEnv("TIER_FREE_HOURS", "48")
	if err != nil {
		return nil, err
	}

	cfg.TierPremiumHours, err = getIntEnv("TIER_PREMIUM_HOURS", "720")
	if err != nil {
		return nil, err
	}

	cfg.ArchiveGraceDays, err = getIntEnv("ARCHIVE_GRACE_DAYS", "7")
	if err != nil {
		return nil, err
	}

	sweepIntervalSeconds, err := getIntEnv("SWEEP_INTERVAL_SECONDS", "3600")
	if err != nil {
		return nil, err
	}
	cfg.SweepInterval = time.Duration(sweepIntervalSeconds) * time.Second

	cfg.SweepPageSize, err = getIntEnv("SWEEP_PAGE_SIZE", "200")
	if err != nil {
		return nil, err
	}

	expiryWarningHours, err := getIntEnv("EXPIRY_WARNING_HOURS", "24")
	if err != nil {
		return nil, err
	}
	cfg.ExpiryWarningLead = time.Duration(expiryWarningHours) * time.Hour

	cfg.ImageMaxDimension, err = getIntEnv("IMAGE_MAX_DIMENSION", "2048")
	if err != nil {
		return nil, err
	}

	cfg.ImageThumbSize, err = getIntEnv("IMAGE_THUMB_SIZE", "320")
	if err != nil {
		return nil, err
	}

	cfg.ImageMaxSizeMB, err = getIntEnv("IMAGE_MAX_SIZE_MB", "10")
	if err != nil {
		return nil, err
	}

	cfg.RateLimitBucketSize, err = getIntEnv("RATE_LIMIT_BUCKET_SIZE", "8")
	if err != nil {
		return nil, err
	}
	cfg.RateLimitRefillRate, err = getIntEnv("RATE_LIMIT_REFILL_RATE", "2")
	if err != nil {
		return nil, err
	}

	return cfg, nil
}
