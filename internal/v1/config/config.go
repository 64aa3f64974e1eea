// Package config loads and validates process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	Port      string
	RedisAddr string

	// Optional variables with defaults
	GoEnv          string
	LogLevel       string
	RedisPassword  string
	RedisDB        int
	NodeID         string
	AllowedOrigins string

	// Auth (phone-OTP identity service token verification)
	JWTSecret string
	JWKSURL   string
	JWTIssuer string
	JWTAud    string
	SkipAuth  bool

	// Rate limits (formatted as "<limit>-<period>", e.g. "100-M")
	RateLimitWsConnect string
	RateLimitGuess     string
	RateLimitVoteKick  string

	// Tracing (optional — tracing is disabled if unset)
	OTELCollectorAddr string
}

// ValidateEnv validates all required environment variables and returns a Config.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
		slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
	} else if !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.RedisDB = 0
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err != nil || db < 0 {
			errors = append(errors, fmt.Sprintf("REDIS_DB must be a non-negative integer (got '%s')", dbStr))
		} else {
			cfg.RedisDB = db
		}
	}

	cfg.NodeID = os.Getenv("NODE_ID")
	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		cfg.NodeID = host
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.JWKSURL = os.Getenv("JWKS_URL")
	cfg.JWTIssuer = os.Getenv("JWT_ISSUER")
	cfg.JWTAud = os.Getenv("JWT_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	if !cfg.SkipAuth && cfg.JWTSecret == "" && cfg.JWKSURL == "" {
		errors = append(errors, "either JWT_SECRET or JWKS_URL is required unless SKIP_AUTH=true")
	}

	cfg.RateLimitWsConnect = getEnvOrDefault("RATE_LIMIT_WS_CONNECT", "20-M")
	cfg.RateLimitGuess = getEnvOrDefault("RATE_LIMIT_GUESS", "120-M")
	cfg.RateLimitVoteKick = getEnvOrDefault("RATE_LIMIT_VOTE_KICK", "10-M")

	cfg.OTELCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"redis_addr", cfg.RedisAddr,
		"redis_db", cfg.RedisDB,
		"node_id", cfg.NodeID,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"skip_auth", cfg.SkipAuth,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
