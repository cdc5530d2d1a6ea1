// Package config provides configuration management for hlstree using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultHTTPTimeout           = 30 * time.Second
	defaultRetryAttempts         = 3
	defaultRetryDelay            = 1 * time.Second
	defaultAssuredBufferDuration = 16 * time.Second
	defaultMaxBufferDuration     = 60 * time.Second
	defaultRefreshMinInterval    = 1 * time.Second
	defaultRefreshMaxWait        = 1 * time.Hour
)

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Refresh RefreshConfig `mapstructure:"refresh"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// HTTPConfig holds manifest/key download configuration.
type HTTPConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`

	// UserAgent overrides the User-Agent header; empty selects the
	// build-derived default.
	UserAgent string `mapstructure:"user_agent"`
}

// RefreshConfig bounds the live playlist refresh driver.
type RefreshConfig struct {
	// MinInterval is the tightest refresh cadence allowed, protecting
	// origins from playlists declaring tiny target durations.
	MinInterval time.Duration `mapstructure:"min_interval"`

	// MaxWait caps a single wait between refresh checks so a target
	// duration seen mid-stream takes effect without a restart.
	MaxWait time.Duration `mapstructure:"max_wait"`
}

// StreamConfig holds playback buffering and DRM configuration.
type StreamConfig struct {
	// AssuredBufferDuration and MaxBufferDuration are buffering hints
	// copied onto every representation of an opened presentation.
	AssuredBufferDuration time.Duration `mapstructure:"assured_buffer_duration"`
	MaxBufferDuration     time.Duration `mapstructure:"max_buffer_duration"`

	// LicenseKey is the '|'-separated license key descriptor used for
	// AES-128 key fetching and renewal.
	LicenseKey string `mapstructure:"license_key"`
}

// Load reads configuration from file and environment with defaults applied.
// With an empty configFile the hlstree.yaml lookup is optional and a missing
// file is not an error; a configFile that is named must exist.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HLSTREE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("hlstree")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/hlstree")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "")

	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("http.retry_delay", defaultRetryDelay)
	v.SetDefault("http.user_agent", "")

	v.SetDefault("stream.assured_buffer_duration", defaultAssuredBufferDuration)
	v.SetDefault("stream.max_buffer_duration", defaultMaxBufferDuration)
	v.SetDefault("stream.license_key", "")

	v.SetDefault("refresh.min_interval", defaultRefreshMinInterval)
	v.SetDefault("refresh.max_wait", defaultRefreshMaxWait)
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}

	if c.HTTP.Timeout <= 0 {
		return errors.New("http timeout must be positive")
	}
	if c.HTTP.RetryAttempts < 0 {
		return errors.New("http retry attempts must not be negative")
	}

	if c.Stream.AssuredBufferDuration <= 0 {
		return errors.New("assured buffer duration must be positive")
	}
	if c.Stream.MaxBufferDuration < c.Stream.AssuredBufferDuration {
		return errors.New("max buffer duration must not be below assured buffer duration")
	}

	if c.Refresh.MinInterval <= 0 {
		return errors.New("refresh min interval must be positive")
	}
	if c.Refresh.MaxWait < c.Refresh.MinInterval {
		return errors.New("refresh max wait must not be below refresh min interval")
	}

	return nil
}
