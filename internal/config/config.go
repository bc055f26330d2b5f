// Package config provides centralized configuration management for the
// relay. Configuration is loaded from environment variables with sensible
// defaults; invalid values fail fast with helpful error messages.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all relay configuration.
type Config struct {
	// Server configuration
	Port     int
	LogLevel string

	// Pub/sub configuration
	Publisher     string // "redis" (default) or "log"
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Journal configuration
	JournalEnabled bool
	DBType         string // "sqlite" (default) or "postgres"
	DB             string // SQLite file path
	DBDSN          string // PostgreSQL DSN
	// JournalRetention prunes journaled messages older than this (0 keeps all).
	JournalRetention time.Duration

	// Session archive configuration
	ArchiveBackend           string // "", "local" or "s3"
	ArchivePath              string
	ArchiveS3Bucket          string
	ArchiveS3Region          string
	ArchiveS3Endpoint        string // Custom endpoint for MinIO/self-hosted S3
	ArchiveS3Prefix          string
	ArchiveS3AccessKeyID     string // Explicit AWS access key ID (optional)
	ArchiveS3SecretAccessKey string // Explicit AWS secret access key (optional)
	// ArchiveRetention deletes archives older than this (0 keeps all).
	ArchiveRetention time.Duration

	// Ingestion configuration
	AnalyzerEnabled bool
	RateLimit       float64 // Requests per second per IP (0 = disabled)
	RateBurst       int
	MaxBodyBytes    int64
	JWTSecret       string   // Enables bearer-token auth when set
	AllowedOrigins  []string // WebSocket origin allow-list (empty = any)
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values
const (
	DefaultPort            = 9001
	DefaultLogLevel        = "info"
	DefaultPublisher       = "redis"
	DefaultRedisHost       = "localhost"
	DefaultRedisPort       = 6379
	DefaultDBType          = "sqlite"
	DefaultDBPath          = "attentive.db"
	DefaultArchivePath     = "/data/archive"
	DefaultArchiveS3Region = "us-east-1"
	DefaultArchiveS3Prefix = "sessions/"
	DefaultRateLimit       = float64(20)
	DefaultRateBurst       = 40
	DefaultMaxBodyBytes    = int64(1 << 20)
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     DefaultPort,
		LogLevel: DefaultLogLevel,

		Publisher: DefaultPublisher,
		RedisHost: DefaultRedisHost,
		RedisPort: DefaultRedisPort,

		DBType: DefaultDBType,
		DB:     DefaultDBPath,

		ArchivePath:     DefaultArchivePath,
		ArchiveS3Region: DefaultArchiveS3Region,
		ArchiveS3Prefix: DefaultArchiveS3Prefix,

		AnalyzerEnabled: true,
		RateLimit:       DefaultRateLimit,
		RateBurst:       DefaultRateBurst,
		MaxBodyBytes:    DefaultMaxBodyBytes,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// loadFromEnv populates the config from environment variables.
func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	intVar := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   name,
				Message: fmt.Sprintf("invalid value: %q (must be an integer)", v),
			})
			return
		}
		*dst = n
	}
	boolVar := func(name string, dst *bool) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   name,
				Message: fmt.Sprintf("invalid value: %q (must be true or false)", v),
			})
			return
		}
		*dst = b
	}

	// Server configuration
	intVar("ATTENTIVE_PORT", &c.Port)
	if v := os.Getenv("ATTENTIVE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	// Pub/sub configuration
	if v := os.Getenv("ATTENTIVE_PUBLISHER"); v != "" {
		c.Publisher = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.RedisHost = v
	}
	intVar("REDIS_PORT", &c.RedisPort)
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	intVar("REDIS_DB", &c.RedisDB)

	// Journal configuration
	boolVar("ATTENTIVE_JOURNAL_ENABLED", &c.JournalEnabled)
	if v := os.Getenv("ATTENTIVE_DB_TYPE"); v != "" {
		c.DBType = v
	}
	if v := os.Getenv("ATTENTIVE_DB"); v != "" {
		c.DB = v
	}
	if v := os.Getenv("ATTENTIVE_DB_DSN"); v != "" {
		c.DBDSN = v
	}
	if v := os.Getenv("ATTENTIVE_JOURNAL_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "ATTENTIVE_JOURNAL_RETENTION",
				Message: fmt.Sprintf("invalid duration: %q (use Go duration format, e.g. 720h)", v),
			})
		} else {
			c.JournalRetention = d
		}
	}

	// Session archive configuration
	if v := os.Getenv("ATTENTIVE_ARCHIVE_BACKEND"); v != "" {
		c.ArchiveBackend = v
	}
	if v := os.Getenv("ATTENTIVE_ARCHIVE_PATH"); v != "" {
		c.ArchivePath = v
	}
	if v := os.Getenv("ATTENTIVE_ARCHIVE_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "ATTENTIVE_ARCHIVE_RETENTION",
				Message: fmt.Sprintf("invalid duration: %q (use Go duration format, e.g. 2160h)", v),
			})
		} else {
			c.ArchiveRetention = d
		}
	}
	if v := os.Getenv("ATTENTIVE_ARCHIVE_S3_BUCKET"); v != "" {
		c.ArchiveS3Bucket = v
	}
	if v := os.Getenv("ATTENTIVE_ARCHIVE_S3_REGION"); v != "" {
		c.ArchiveS3Region = v
	}
	if v := os.Getenv("ATTENTIVE_ARCHIVE_S3_ENDPOINT"); v != "" {
		c.ArchiveS3Endpoint = v
	}
	if v := os.Getenv("ATTENTIVE_ARCHIVE_S3_PREFIX"); v != "" {
		c.ArchiveS3Prefix = v
	}
	if v := os.Getenv("ATTENTIVE_ARCHIVE_S3_ACCESS_KEY_ID"); v != "" {
		c.ArchiveS3AccessKeyID = v
	}
	if v := os.Getenv("ATTENTIVE_ARCHIVE_S3_SECRET_ACCESS_KEY"); v != "" {
		c.ArchiveS3SecretAccessKey = v
	}

	// Ingestion configuration
	boolVar("ATTENTIVE_ANALYZER_ENABLED", &c.AnalyzerEnabled)
	if v := os.Getenv("ATTENTIVE_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "ATTENTIVE_RATE_LIMIT",
				Message: fmt.Sprintf("invalid rate: %q (must be a number)", v),
			})
		} else {
			c.RateLimit = f
		}
	}
	intVar("ATTENTIVE_RATE_BURST", &c.RateBurst)
	if v := os.Getenv("ATTENTIVE_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "ATTENTIVE_MAX_BODY_BYTES",
				Message: fmt.Sprintf("invalid size: %q (must be an integer number of bytes)", v),
			})
		} else {
			c.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("ATTENTIVE_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("ATTENTIVE_ALLOWED_ORIGINS"); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, origin)
			}
		}
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "ATTENTIVE_PORT",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port),
		})
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, ValidationError{Field: "ATTENTIVE_LOG_LEVEL", Message: err.Error()})
	}

	switch c.Publisher {
	case "redis":
		if c.RedisPort < 1 || c.RedisPort > 65535 {
			errs = append(errs, ValidationError{
				Field:   "REDIS_PORT",
				Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.RedisPort),
			})
		}
	case "log":
	default:
		errs = append(errs, ValidationError{
			Field:   "ATTENTIVE_PUBLISHER",
			Message: fmt.Sprintf("unsupported publisher: %q (must be \"redis\" or \"log\")", c.Publisher),
		})
	}

	if c.JournalEnabled {
		switch c.DBType {
		case "sqlite":
			if c.DB == "" {
				errs = append(errs, ValidationError{
					Field:   "ATTENTIVE_DB",
					Message: "database path cannot be empty",
				})
			}
		case "postgres":
			if c.DBDSN == "" {
				errs = append(errs, ValidationError{
					Field:   "ATTENTIVE_DB_DSN",
					Message: "PostgreSQL requires ATTENTIVE_DB_DSN",
				})
			}
		default:
			errs = append(errs, ValidationError{
				Field:   "ATTENTIVE_DB_TYPE",
				Message: fmt.Sprintf("unsupported database type: %q (must be \"sqlite\" or \"postgres\")", c.DBType),
			})
		}
	}

	if c.JournalRetention < 0 {
		errs = append(errs, ValidationError{
			Field:   "ATTENTIVE_JOURNAL_RETENTION",
			Message: fmt.Sprintf("retention cannot be negative, got %s", c.JournalRetention),
		})
	}
	if c.ArchiveRetention < 0 {
		errs = append(errs, ValidationError{
			Field:   "ATTENTIVE_ARCHIVE_RETENTION",
			Message: fmt.Sprintf("retention cannot be negative, got %s", c.ArchiveRetention),
		})
	}

	switch c.ArchiveBackend {
	case "":
	case "local", "s3":
		if !c.JournalEnabled {
			errs = append(errs, ValidationError{
				Field:   "ATTENTIVE_ARCHIVE_BACKEND",
				Message: "session archives are built from the journal; set ATTENTIVE_JOURNAL_ENABLED=true",
			})
		}
		if c.ArchiveBackend == "s3" && c.ArchiveS3Bucket == "" {
			errs = append(errs, ValidationError{
				Field:   "ATTENTIVE_ARCHIVE_S3_BUCKET",
				Message: "S3 bucket is required when archive backend is \"s3\"",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "ATTENTIVE_ARCHIVE_BACKEND",
			Message: fmt.Sprintf("unsupported archive backend: %q (must be \"local\" or \"s3\")", c.ArchiveBackend),
		})
	}

	if (c.ArchiveS3AccessKeyID != "") != (c.ArchiveS3SecretAccessKey != "") {
		errs = append(errs, ValidationError{
			Field:   "ATTENTIVE_ARCHIVE_S3_ACCESS_KEY_ID / ATTENTIVE_ARCHIVE_S3_SECRET_ACCESS_KEY",
			Message: "both S3 access key ID and secret access key must be set together",
		})
	}

	if c.RateLimit < 0 {
		errs = append(errs, ValidationError{
			Field:   "ATTENTIVE_RATE_LIMIT",
			Message: fmt.Sprintf("rate limit cannot be negative, got %v", c.RateLimit),
		})
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "ATTENTIVE_RATE_BURST",
			Message: fmt.Sprintf("burst must be at least 1 when rate limiting is enabled, got %d", c.RateBurst),
		})
	}

	if c.MaxBodyBytes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "ATTENTIVE_MAX_BODY_BYTES",
			Message: fmt.Sprintf("body limit must be positive, got %d", c.MaxBodyBytes),
		})
	}

	return errs
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level: %q (must be debug, info, warn or error)", s)
	}
	return level, nil
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// DSN returns the journal database connection string.
func (c *Config) DSN() string {
	if c.DBType == "postgres" {
		return c.DBDSN
	}
	return c.DB
}

// IsSQLite returns true if the configured database type is SQLite.
func (c *Config) IsSQLite() bool {
	return c.DBType == "" || c.DBType == "sqlite"
}

// IsPostgres returns true if the configured database type is PostgreSQL.
func (c *Config) IsPostgres() bool {
	return c.DBType == "postgres"
}

// AuthEnabled reports whether clients must present a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

// MustLoad loads configuration and exits the process if it fails.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n\nSee .env.example for configuration options.\n", err)
		os.Exit(1)
	}
	return cfg
}

// LoadWithFlags loads configuration from environment variables,
// then applies command-line flag overrides.
func LoadWithFlags(port int, logLevel string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Apply flag overrides (only if non-default values provided)
	if port != 0 && port != DefaultPort {
		cfg.Port = port
	}
	if logLevel != "" && logLevel != DefaultLogLevel {
		cfg.LogLevel = logLevel
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}
