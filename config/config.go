// Package config loads runtime settings from an optional .env file, an
// optional YAML file named by CONFIG_FILE, and environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Port               string        `yaml:"port"`
	DatabaseURL        string        `yaml:"databaseURL"`
	DBMaxConns         int32         `yaml:"dbMaxConns"`
	LogLevel           string        `yaml:"logLevel"`
	JWTSecret          string        `yaml:"jwtSecret"`
	RateLimitPerMinute int           `yaml:"rateLimitPerMinute"`
	MaxBodySizeBytes   int64         `yaml:"maxBodySizeBytes"`
	ShutdownTimeout    time.Duration `yaml:"shutdownTimeout"`
	DecayInterval      time.Duration `yaml:"decayInterval"`
	DecayInactivity    time.Duration `yaml:"decayInactivity"`
	DecayPoints        int           `yaml:"decayPoints"`
	NotificationTTL    time.Duration `yaml:"notificationTTL"`
	AdvisorURL         string        `yaml:"advisorURL"`
	AdvisorAPIKey      string        `yaml:"advisorAPIKey"`
	AdvisorRPS         float64       `yaml:"advisorRPS"`
	WelcomeBonus       int64         `yaml:"welcomeBonus"`
}

// Default values
const (
	DefaultPort               = "8080"
	DefaultRateLimitPerMinute = 100
	DefaultMaxBodySizeBytes   = 1 << 20 // 1MB
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultDecayInterval      = 24 * time.Hour
	DefaultDecayInactivity    = 30 * 24 * time.Hour
	DefaultDecayPoints        = 10
	DefaultNotificationTTL    = 7 * 24 * time.Hour
	DefaultAdvisorRPS         = 1
	DefaultWelcomeBonus       = 100
	DefaultDBMaxConns         = 16
)

func defaults() *Config {
	return &Config{
		Port:               DefaultPort,
		DBMaxConns:         DefaultDBMaxConns,
		LogLevel:           "info",
		RateLimitPerMinute: DefaultRateLimitPerMinute,
		MaxBodySizeBytes:   DefaultMaxBodySizeBytes,
		ShutdownTimeout:    DefaultShutdownTimeout,
		DecayInterval:      DefaultDecayInterval,
		DecayInactivity:    DefaultDecayInactivity,
		DecayPoints:        DefaultDecayPoints,
		NotificationTTL:    DefaultNotificationTTL,
		AdvisorRPS:         DefaultAdvisorRPS,
		WelcomeBonus:       DefaultWelcomeBonus,
	}
}

// Load reads configuration. A missing .env or CONFIG_FILE is not an error;
// a malformed one is.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.overlayEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	setString(&c.Port, "PORT")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.AdvisorURL, "ADVISOR_URL")
	setString(&c.AdvisorAPIKey, "ADVISOR_API_KEY")

	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil && n > 0 {
			c.DBMaxConns = int32(n)
		}
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MAX_BODY_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.MaxBodySizeBytes = n
		}
	}
	if v := os.Getenv("DECAY_POINTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.DecayPoints = n
		}
	}
	if v := os.Getenv("WELCOME_BONUS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			c.WelcomeBonus = n
		}
	}
	if v := os.Getenv("ADVISOR_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.AdvisorRPS = f
		}
	}
	setDuration(&c.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
	setDuration(&c.DecayInterval, "DECAY_INTERVAL")
	setDuration(&c.DecayInactivity, "DECAY_INACTIVITY")
	setDuration(&c.NotificationTTL, "NOTIFICATION_TTL")
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return errors.New("config: port is required")
	case c.DecayInterval <= 0 || c.DecayInactivity <= 0:
		return errors.New("config: decay interval and inactivity must be positive")
	case c.DecayPoints <= 0:
		return errors.New("config: decay points must be positive")
	case c.WelcomeBonus < 0:
		return errors.New("config: welcome bonus must not be negative")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
