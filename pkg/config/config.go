package config

import (
	"fmt"
	"time"
)

// Config holds the recognized matchmaker options with their defaults.
type Config struct {
	HTTPPort           string
	UseHTTPS           bool
	MatchmakerPort     string
	AdminDashboardPort string

	LogToFile       bool
	EnableWebserver bool

	JWTSecret            string
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int

	SessionTimeout      time.Duration
	HealthCheckInterval time.Duration

	RedisURL    string
	DatabaseURL string
}

// Load reads the matchmaker configuration from the environment.
func Load() Config {
	return Config{
		HTTPPort:           GetEnv("HTTP_PORT", "80"),
		UseHTTPS:           GetEnvBool("USE_HTTPS", false),
		MatchmakerPort:     GetEnv("MATCHMAKER_PORT", "9999"),
		AdminDashboardPort: GetEnv("ADMIN_DASHBOARD_PORT", "3001"),

		LogToFile:       GetEnvBool("LOG_TO_FILE", true),
		EnableWebserver: GetEnvBool("ENABLE_WEBSERVER", true),

		JWTSecret:            GetEnv("JWT_SECRET", ""),
		RateLimitWindow:      time.Duration(GetEnvInt("RATE_LIMIT_WINDOW_MS", 900000)) * time.Millisecond,
		RateLimitMaxRequests: GetEnvInt("RATE_LIMIT_MAX_REQUESTS", 100),

		SessionTimeout:      time.Duration(GetEnvInt("SESSION_TIMEOUT_MS", 1800000)) * time.Millisecond,
		HealthCheckInterval: time.Duration(GetEnvInt("HEALTH_CHECK_INTERVAL_MS", 30000)) * time.Millisecond,

		RedisURL:    GetEnv("REDIS_URL", ""),
		DatabaseURL: GetEnv("DATABASE_URL", ""),
	}
}

// Validate checks production-critical settings. In release mode a JWT secret
// shorter than 32 characters is a startup error.
func (c Config) Validate(production bool) error {
	if production && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.RateLimitMaxRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be positive")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT_MS must be positive")
	}
	return nil
}
