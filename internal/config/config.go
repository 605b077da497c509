// Package config loads the immutable service configuration: an optional YAML
// file overridden by environment variables. Settings are read once at startup
// and never mutated afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds every runtime knob of the service.
type Settings struct {
	ListenAddr string `yaml:"listen_addr"`

	DatabaseURL string `yaml:"database_url"`

	JWTSecretKey         string `yaml:"jwt_secret_key"`
	JWTAlgorithm         string `yaml:"jwt_algorithm"`
	JWTExpirationMinutes int    `yaml:"jwt_expiration_minutes"`

	APIKeyPrefix          string `yaml:"api_key_prefix"`
	KeyRotationGraceHours int    `yaml:"key_rotation_grace_hours"`

	RateLimitAuthPerMinute int `yaml:"rate_limit_auth_per_minute"`
	RateLimitAPIPerMinute  int `yaml:"rate_limit_api_per_minute"`

	// RedisURL switches the rate limiter to the Redis backend when set,
	// for deployments with more than one replica.
	RedisURL string `yaml:"redis_url"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// LogFile enables a rotating file sink in addition to stderr.
	LogFile string `yaml:"log_file"`
}

// Defaults returns the built-in configuration.
func Defaults() Settings {
	return Settings{
		ListenAddr:             ":8080",
		DatabaseURL:            "postgres://localhost:5432/aims?sslmode=disable",
		JWTSecretKey:           "change-me-in-production-use-a-random-256-bit-key",
		JWTAlgorithm:           "HS256",
		JWTExpirationMinutes:   30,
		APIKeyPrefix:           "aims_",
		KeyRotationGraceHours:  24,
		RateLimitAuthPerMinute: 20,
		RateLimitAPIPerMinute:  60,
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

// Load builds the settings: defaults, then the YAML file at path (if any),
// then environment variables.
func Load(path string) (Settings, error) {
	s := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&s)

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func applyEnv(s *Settings) {
	envStr("LISTEN_ADDR", &s.ListenAddr)
	envStr("DATABASE_URL", &s.DatabaseURL)
	envStr("JWT_SECRET_KEY", &s.JWTSecretKey)
	envStr("JWT_ALGORITHM", &s.JWTAlgorithm)
	envInt("JWT_EXPIRATION_MINUTES", &s.JWTExpirationMinutes)
	envStr("API_KEY_PREFIX", &s.APIKeyPrefix)
	envInt("KEY_ROTATION_GRACE_HOURS", &s.KeyRotationGraceHours)
	envInt("RATE_LIMIT_AUTH_PER_MINUTE", &s.RateLimitAuthPerMinute)
	envInt("RATE_LIMIT_API_PER_MINUTE", &s.RateLimitAPIPerMinute)
	envStr("REDIS_URL", &s.RedisURL)
	envStr("LOG_LEVEL", &s.LogLevel)
	envStr("LOG_FORMAT", &s.LogFormat)
	envStr("LOG_FILE", &s.LogFile)
}

// Validate rejects configurations the service cannot run with.
func (s *Settings) Validate() error {
	if s.JWTSecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY must not be empty")
	}
	if s.JWTExpirationMinutes <= 0 {
		return fmt.Errorf("JWT_EXPIRATION_MINUTES must be positive")
	}
	if s.KeyRotationGraceHours < 0 {
		return fmt.Errorf("KEY_ROTATION_GRACE_HOURS must not be negative")
	}
	if s.RateLimitAuthPerMinute <= 0 || s.RateLimitAPIPerMinute <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	return nil
}

// TokenTTL returns the bearer token lifetime as a duration.
func (s *Settings) TokenTTL() time.Duration {
	return time.Duration(s.JWTExpirationMinutes) * time.Minute
}

// GracePeriod returns the key rotation grace window as a duration.
func (s *Settings) GracePeriod() time.Duration {
	return time.Duration(s.KeyRotationGraceHours) * time.Hour
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
