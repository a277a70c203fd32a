package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	Security SecurityConfig
	Cleanup  CleanupConfig
	Email    EmailConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	RunMigrations     bool
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TrustedProxies []string
	AllowedOrigins []string
	LoginRateLimit int // requests per minute per IP on public auth routes
	UserRateLimit  int // requests per minute per user on authenticated routes
}

type AuthConfig struct {
	JWTSecret          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	RememberMeExpiry   time.Duration
}

// SecurityConfig carries the brute-force and anomaly policy thresholds
type SecurityConfig struct {
	MaxFailedAttempts    int
	BlockDuration        time.Duration
	AttemptWindow        time.Duration
	RateLimitWindow      time.Duration
	MaxRequestsPerWindow int
	SuspiciousWindow     time.Duration
}

type CleanupConfig struct {
	Interval             time.Duration
	AuditRetentionDays   int
	AttemptRetentionDays int
	SessionRetentionDays int
}

type EmailConfig struct {
	AlertsEnabled bool
	AWSRegion     string
	FromAddress   string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: loadDatabaseConfig(),
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),
			AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS"),
			LoginRateLimit: getEnvAsInt("LOGIN_RATE_LIMIT_PER_MINUTE", 20),
			UserRateLimit:  getEnvAsInt("USER_RATE_LIMIT_PER_MINUTE", 120),
		},
		Auth: AuthConfig{
			JWTSecret:          jwtSecret,
			AccessTokenExpiry:  getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry: getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 24*time.Hour),
			RememberMeExpiry:   getEnvAsDuration("REMEMBER_ME_EXPIRY", 30*24*time.Hour),
		},
		Security: SecurityConfig{
			MaxFailedAttempts:    getEnvAsInt("MAX_FAILED_ATTEMPTS", 5),
			BlockDuration:        getEnvAsDuration("BLOCK_DURATION", 15*time.Minute),
			AttemptWindow:        getEnvAsDuration("ATTEMPT_WINDOW", 1*time.Hour),
			RateLimitWindow:      getEnvAsDuration("RATE_LIMIT_WINDOW", 5*time.Minute),
			MaxRequestsPerWindow: getEnvAsInt("MAX_REQUESTS_PER_WINDOW", 10),
			SuspiciousWindow:     getEnvAsDuration("SUSPICIOUS_ACTIVITY_WINDOW", 24*time.Hour),
		},
		Cleanup: CleanupConfig{
			Interval:             getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			AuditRetentionDays:   getEnvAsInt("AUDIT_RETENTION_DAYS", 90),
			AttemptRetentionDays: getEnvAsInt("ATTEMPT_RETENTION_DAYS", 30),
			SessionRetentionDays: getEnvAsInt("SESSION_RETENTION_DAYS", 30),
		},
		Email: EmailConfig{
			AlertsEnabled: getEnvAsBool("SECURITY_ALERTS_ENABLED", false),
			AWSRegion:     getEnv("AWS_REGION", "us-east-1"),
			FromAddress:   getEnv("EMAIL_FROM_ADDRESS", ""),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	if err := cfg.Security.Validate(); err != nil {
		return nil, err
	}

	if cfg.Email.AlertsEnabled && cfg.Email.FromAddress == "" {
		return nil, fmt.Errorf("EMAIL_FROM_ADDRESS is required when SECURITY_ALERTS_ENABLED is set")
	}

	return cfg, nil
}

// LoadDatabase reads only the database settings, for tools that never serve requests
func LoadDatabase() (*DatabaseConfig, error) {
	_ = godotenv.Load()

	cfg := loadDatabaseConfig()
	if cfg.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	return &cfg, nil
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:              getEnv("DB_HOST", "localhost"),
		Port:              getEnvAsInt("DB_PORT", 5432),
		User:              getEnv("DB_USER", "postgres"),
		Password:          getEnv("DB_PASSWORD", ""),
		Name:              getEnv("DB_NAME", "labdesk"),
		SSLMode:           getEnv("DB_SSLMODE", "disable"),
		MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
		MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
		MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
		MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
		HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		RunMigrations:     getEnvAsBool("DB_RUN_MIGRATIONS", true),
	}
}

// Validate rejects thresholds that would disable lockout or make every window empty
func (c SecurityConfig) Validate() error {
	if c.MaxFailedAttempts < 1 {
		return fmt.Errorf("MAX_FAILED_ATTEMPTS must be positive (got %d)", c.MaxFailedAttempts)
	}
	if c.MaxRequestsPerWindow < 1 {
		return fmt.Errorf("MAX_REQUESTS_PER_WINDOW must be positive (got %d)", c.MaxRequestsPerWindow)
	}
	if c.BlockDuration <= 0 || c.AttemptWindow <= 0 || c.RateLimitWindow <= 0 || c.SuspiciousWindow <= 0 {
		return fmt.Errorf("security windows and block duration must be positive durations")
	}
	return nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

// getEnvAsList splits a comma-separated variable, dropping empty entries
func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return []string{}
	}

	items := make([]string, 0)
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
