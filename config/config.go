// Package config loads runtime settings from the environment and builds
// the process logger.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds runtime configuration for the server.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppIdleTimeout    time.Duration `envconfig:"APP_IDLE_TIMEOUT" default:"60s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	DBPath string `envconfig:"DB_PATH" default:"./data/erp.db"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// Local day and month boundaries for spending limits and sales.
	Timezone string `envconfig:"TIMEZONE" default:"Africa/Addis_Ababa"`

	// Empty means per-document locks stay in-process.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	RateLimitPerMinute int      `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
	CORSOrigins        []string `envconfig:"CORS_ORIGINS" default:"*"`

	// Branches checked by the missing-reconciliation scheduler.
	Branches []string `envconfig:"BRANCHES" default:"berhane,girmay"`
	// Zero disables the scheduler.
	ReconciliationCheckInterval time.Duration `envconfig:"RECONCILIATION_CHECK_INTERVAL" default:"1h"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if c.RateLimitPerMinute < 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must be >= 0")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errors.New("TIMEZONE: " + err.Error())
	}
	return nil
}

// Location resolves Timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsProduction returns true when the server runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// NewLogger builds a zap logger: JSON for "json", colored console otherwise.
func NewLogger(format, level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if strings.EqualFold(format, "json") {
		encoderConfig = zap.NewProductionEncoderConfig()
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(format, "json") {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
