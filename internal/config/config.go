package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location, relative to the working
// directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                     string `yaml:"port"`
	DatabaseURL              string `yaml:"databaseURL"`
	RedisAddr                string `yaml:"redisAddr"`
	RedisPassword            string `yaml:"redisPassword"`
	SessionTTL               string `yaml:"sessionTTL"`
	RefreshTTL               string `yaml:"refreshTTL"`
	LogLevel                 string `yaml:"logLevel"`
	JWTSecret                string `yaml:"jwtSecret"`
	JWTIssuer                string `yaml:"jwtIssuer"`
	JWTAudience              string `yaml:"jwtAudience"`
	JWTLeeway                string `yaml:"jwtLeeway"`
	ResendAPIKey             string `yaml:"resendApiKey"`
	EmailFrom                string `yaml:"emailFrom"`
	SignupRateLimitPerMinute int    `yaml:"signupRateLimitPerMinute"`
	SigninRateLimitPerMinute int    `yaml:"signinRateLimitPerMinute"`
	VerifyRateLimitPerMinute int    `yaml:"verifyRateLimitPerMinute"`

	// CIDRs or IPs whose forwarded headers are trusted for client IP
	// resolution.
	TrustedProxies []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		cfg.SessionTTL = v
	}
	if v := os.Getenv("REFRESH_TTL"); v != "" {
		cfg.RefreshTTL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RESEND_API_KEY"); v != "" {
		cfg.ResendAPIKey = v
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" {
		cfg.EmailFrom = v
	}
	if v := os.Getenv("SIGNUP_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SignupRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SIGNIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SigninRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("VERIFY_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VerifyRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for jwt+redis session strategy")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set JWT_SECRET)")
	}
	if cfg.ResendAPIKey != "" && strings.TrimSpace(cfg.EmailFrom) == "" {
		return errors.New("config: emailFrom is required when resendApiKey is set")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.SigninRateLimitPerMinute < 0 || cfg.VerifyRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

// ParseSessionTTL parses optional session TTL duration string.
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	return dur, nil
}

// ParseRefreshTTL parses optional refresh TTL duration string.
func ParseRefreshTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid refreshTTL duration: %w", err)
	}
	return dur, nil
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
