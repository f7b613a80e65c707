package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Logging     LoggingConfig    `toml:"logging"`
	Storage     StorageConfig    `toml:"storage"`
	Scheduler   SchedulerConfig  `toml:"scheduler"`
	Handshake   HandshakeConfig  `toml:"handshake"`
	Classifier  ClassifierConfig `toml:"classifier"`
	Renderer    RendererConfig   `toml:"renderer"`
	Features    FeaturesConfig   `toml:"features"`
	Reporting   ReportingConfig  `toml:"reporting"`
}

type ServerConfig struct {
	Port          int    `toml:"port" validate:"gte=1,lte=65535"`
	Host          string `toml:"host" validate:"required"`
	AllowedOrigin string `toml:"allowed_origin" validate:"required"` // CORS origin for browser navigation sources
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=trace debug info warn error"`
	Output []string `toml:"output"` // "stdout", "console", "file"
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

// SchedulerConfig bounds the analysis pipeline
type SchedulerConfig struct {
	Concurrency   int  `toml:"concurrency" validate:"gte=1"`    // Max simultaneous active runs
	StoreCapacity int  `toml:"store_capacity" validate:"gte=1"` // Max retained result records
	HistorySize   int  `toml:"history_size" validate:"gte=0"`   // Completed records kept for listing (0 disables)
	StartEnabled  bool `toml:"start_enabled"`                   // Enable the analyzer on startup
}

type HandshakeConfig struct {
	Timeout string `toml:"timeout" validate:"required"` // e.g. "3s" - wait for renderer ready after injection
}

type ClassifierConfig struct {
	URL          string `toml:"url" validate:"required,url"` // Websocket endpoint of the model worker
	Timeout      string `toml:"timeout" validate:"required"` // Per-request timeout
	ReadyTimeout string `toml:"ready_timeout" validate:"required"`
}

type RendererConfig struct {
	Enabled        bool   `toml:"enabled"`
	Headless       bool   `toml:"headless"`
	NoSandbox      bool   `toml:"no_sandbox"`
	UserAgent      string `toml:"user_agent"`
	RequestTimeout string `toml:"request_timeout" validate:"required"`
}

type FeaturesConfig struct {
	ReputationEnabled bool    `toml:"reputation_enabled"`
	RDAPURL           string  `toml:"rdap_url" validate:"omitempty,url"`
	TLSTimeout        string  `toml:"tls_timeout" validate:"required"`
	LookupTimeout     string  `toml:"lookup_timeout" validate:"required"`
	RateLimit         float64 `toml:"rate_limit" validate:"gte=0"` // RDAP requests per second (0 = unlimited)
}

type ReportingConfig struct {
	Enabled        bool    `toml:"enabled"`
	BaseURL        string  `toml:"base_url" validate:"required,url"`
	Threshold      float64 `toml:"threshold" validate:"gte=0,lte=1"`
	TriggerSize    int     `toml:"trigger_size" validate:"gte=1"`
	MaxBatchSize   int     `toml:"max_batch_size" validate:"gte=1"`
	FlushSchedule  string  `toml:"flush_schedule" validate:"required"` // Cron spec, e.g. "@every 10s"
	RequestTimeout string  `toml:"request_timeout" validate:"required"`
	Retries        int     `toml:"retries" validate:"gte=0"`
	Backoff        string  `toml:"backoff" validate:"required"` // Base delay, doubled per attempt
	RateLimit      int     `toml:"rate_limit" validate:"gte=0"` // Collector requests per minute (0 = unlimited)
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:          8085,
			Host:          "localhost",
			AllowedOrigin: "*",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/phishwatch",
			},
		},
		Scheduler: SchedulerConfig{
			Concurrency:   10,
			StoreCapacity: 30,
			HistorySize:   1000,
			StartEnabled:  true,
		},
		Handshake: HandshakeConfig{
			Timeout: "3s",
		},
		Classifier: ClassifierConfig{
			URL:          "ws://127.0.0.1:8765/ws",
			Timeout:      "3s",
			ReadyTimeout: "10s",
		},
		Renderer: RendererConfig{
			Enabled:        true,
			Headless:       true,
			NoSandbox:      true,
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			RequestTimeout: "15s",
		},
		Features: FeaturesConfig{
			ReputationEnabled: true,
			RDAPURL:           "https://rdap.org",
			TLSTimeout:        "4s",
			LookupTimeout:     "5s",
			RateLimit:         2,
		},
		Reporting: ReportingConfig{
			Enabled:        true,
			BaseURL:        "http://127.0.0.1:8000",
			Threshold:      0.70,
			TriggerSize:    20,
			MaxBatchSize:   500,
			FlushSchedule:  "@every 10s",
			RequestTimeout: "7s",
			Retries:        2,
			Backoff:        "800ms",
			RateLimit:      10, // collector accepts 10 submissions/min
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards with ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies PHISHWATCH_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("PHISHWATCH_ENV"); env != "" {
		config.Environment = env
	}

	// Server
	if port := os.Getenv("PHISHWATCH_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("PHISHWATCH_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Logging
	if level := os.Getenv("PHISHWATCH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("PHISHWATCH_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if o = strings.TrimSpace(o); o != "" {
				outputs = append(outputs, o)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Storage
	if badgerPath := os.Getenv("PHISHWATCH_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Scheduler
	if concurrency := os.Getenv("PHISHWATCH_SCHEDULER_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Scheduler.Concurrency = c
		}
	}
	if capacity := os.Getenv("PHISHWATCH_SCHEDULER_STORE_CAPACITY"); capacity != "" {
		if c, err := strconv.Atoi(capacity); err == nil {
			config.Scheduler.StoreCapacity = c
		}
	}

	// Handshake / classifier
	if timeout := os.Getenv("PHISHWATCH_HANDSHAKE_TIMEOUT"); timeout != "" {
		config.Handshake.Timeout = timeout
	}
	if url := os.Getenv("PHISHWATCH_CLASSIFIER_URL"); url != "" {
		config.Classifier.URL = url
	}
	if timeout := os.Getenv("PHISHWATCH_CLASSIFIER_TIMEOUT"); timeout != "" {
		config.Classifier.Timeout = timeout
	}

	// Renderer
	if enabled := os.Getenv("PHISHWATCH_RENDERER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Renderer.Enabled = e
		}
	}
	if headless := os.Getenv("PHISHWATCH_RENDERER_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Renderer.Headless = h
		}
	}

	// Reporting
	if enabled := os.Getenv("PHISHWATCH_REPORTING_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Reporting.Enabled = e
		}
	}
	if baseURL := os.Getenv("PHISHWATCH_REPORTING_BASE_URL"); baseURL != "" {
		config.Reporting.BaseURL = baseURL
	}
	if threshold := os.Getenv("PHISHWATCH_REPORTING_THRESHOLD"); threshold != "" {
		if t, err := strconv.ParseFloat(threshold, 64); err == nil {
			config.Reporting.Threshold = t
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks struct constraints, duration strings and the flush schedule
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"handshake.timeout":         c.Handshake.Timeout,
		"classifier.timeout":        c.Classifier.Timeout,
		"classifier.ready_timeout":  c.Classifier.ReadyTimeout,
		"renderer.request_timeout":  c.Renderer.RequestTimeout,
		"features.tls_timeout":      c.Features.TLSTimeout,
		"features.lookup_timeout":   c.Features.LookupTimeout,
		"reporting.request_timeout": c.Reporting.RequestTimeout,
		"reporting.backoff":         c.Reporting.Backoff,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("duration for %s must be positive, got %s", name, value)
		}
	}

	if _, err := cron.ParseStandard(c.Reporting.FlushSchedule); err != nil {
		return fmt.Errorf("invalid reporting.flush_schedule %q: %w", c.Reporting.FlushSchedule, err)
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseDurationOr parses a duration string, returning fallback when empty or invalid
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
