// Package config provides configuration management for the options data
// service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Validate when a field is unset.
const (
	defaultLogLevel           = "info"
	defaultBaseURL            = "https://finance.yahoo.com"
	defaultDatabasePath       = "data/options.db"
	defaultCacheSize          = 64
	defaultCacheTTL           = "15m"
	defaultWorkers            = 2
	defaultEODCheckInterval   = "1m"
	defaultRetryDrainInterval = "15m"
	defaultPort               = 8080
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Scraper     ScraperConfig     `yaml:"scraper"`
	Storage     StorageConfig     `yaml:"storage"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Server      ServerConfig      `yaml:"server"`
}

// EnvironmentConfig defines the runtime environment settings.
type EnvironmentConfig struct {
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ScraperConfig defines the quote-page scraper settings.
type ScraperConfig struct {
	BaseURL string        `yaml:"base_url"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker wrapped around page loads. Zero
// values select the breaker's own defaults.
type BreakerConfig struct {
	MaxRequests  uint32  `yaml:"max_requests"`
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

// StorageConfig defines database and cache settings.
type StorageConfig struct {
	Path  string      `yaml:"path"`
	Cache CacheConfig `yaml:"cache"`
}

// CacheConfig sizes the read-through ticker cache.
type CacheConfig struct {
	Size int    `yaml:"size"`
	TTL  string `yaml:"ttl"`
}

// ScheduleConfig defines the end-of-day scheduler settings.
type ScheduleConfig struct {
	Workers            int    `yaml:"workers"`
	EODCheckInterval   string `yaml:"eod_check_interval"`
	RetryDrainInterval string `yaml:"retry_drain_interval"`
}

// ServerConfig defines the HTTP query server settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks all configuration values and fills in defaults.
func (c *Config) Validate() error {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = defaultLogLevel
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	if c.Scraper.BaseURL == "" {
		c.Scraper.BaseURL = defaultBaseURL
	}
	if !strings.HasPrefix(c.Scraper.BaseURL, "http://") && !strings.HasPrefix(c.Scraper.BaseURL, "https://") {
		return fmt.Errorf("scraper.base_url must be an http(s) URL")
	}
	if c.Scraper.Breaker.FailureRatio < 0 || c.Scraper.Breaker.FailureRatio > 1 {
		return fmt.Errorf("scraper.breaker.failure_ratio must be between 0 and 1")
	}
	if _, err := durationOrDefault(c.Scraper.Breaker.Interval, "0s"); err != nil {
		return fmt.Errorf("scraper.breaker.interval: %w", err)
	}
	if _, err := durationOrDefault(c.Scraper.Breaker.Timeout, "0s"); err != nil {
		return fmt.Errorf("scraper.breaker.timeout: %w", err)
	}

	if c.Storage.Path == "" {
		c.Storage.Path = defaultDatabasePath
	}
	if c.Storage.Cache.Size < 0 {
		return fmt.Errorf("storage.cache.size must not be negative")
	}
	if c.Storage.Cache.Size == 0 {
		c.Storage.Cache.Size = defaultCacheSize
	}
	if c.Storage.Cache.TTL == "" {
		c.Storage.Cache.TTL = defaultCacheTTL
	}
	if _, err := time.ParseDuration(c.Storage.Cache.TTL); err != nil {
		return fmt.Errorf("storage.cache.ttl: %w", err)
	}

	if c.Schedule.Workers < 0 {
		return fmt.Errorf("schedule.workers must not be negative")
	}
	if c.Schedule.Workers == 0 {
		c.Schedule.Workers = defaultWorkers
	}
	if c.Schedule.EODCheckInterval == "" {
		c.Schedule.EODCheckInterval = defaultEODCheckInterval
	}
	if _, err := time.ParseDuration(c.Schedule.EODCheckInterval); err != nil {
		return fmt.Errorf("schedule.eod_check_interval: %w", err)
	}
	if c.Schedule.RetryDrainInterval == "" {
		c.Schedule.RetryDrainInterval = defaultRetryDrainInterval
	}
	if _, err := time.ParseDuration(c.Schedule.RetryDrainInterval); err != nil {
		return fmt.Errorf("schedule.retry_drain_interval: %w", err)
	}

	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return nil
}

// CacheTTL returns the parsed ticker-cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return mustDuration(c.Storage.Cache.TTL, defaultCacheTTL)
}

// EODCheckInterval returns the parsed scheduler tick interval.
func (c *Config) EODCheckInterval() time.Duration {
	return mustDuration(c.Schedule.EODCheckInterval, defaultEODCheckInterval)
}

// RetryDrainInterval returns the parsed retry-drain tick interval.
func (c *Config) RetryDrainInterval() time.Duration {
	return mustDuration(c.Schedule.RetryDrainInterval, defaultRetryDrainInterval)
}

// BreakerInterval returns the parsed breaker counting interval.
func (c *Config) BreakerInterval() time.Duration {
	return mustDuration(c.Scraper.Breaker.Interval, "0s")
}

// BreakerTimeout returns the parsed breaker open-state timeout.
func (c *Config) BreakerTimeout() time.Duration {
	return mustDuration(c.Scraper.Breaker.Timeout, "0s")
}

func durationOrDefault(raw, fallback string) (time.Duration, error) {
	if raw == "" {
		raw = fallback
	}
	return time.ParseDuration(raw)
}

// mustDuration assumes Validate already vetted the value.
func mustDuration(raw, fallback string) time.Duration {
	d, err := durationOrDefault(raw, fallback)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q: %v", raw, err))
	}
	return d
}
