// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/absmach/unack/ratelimit"
	"gopkg.in/yaml.v3"
)

// MaxUnacknowledgedEnv overrides consumer.max_unacknowledged_messages.
const MaxUnacknowledgedEnv = "MAX_UNACKNOWLEDGED_MESSAGES"

// Config holds all configuration for the queue consumer.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Queue     QueueConfig     `yaml:"queue"`
	Delete    DeleteConfig    `yaml:"delete"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ConsumerConfig holds consumer settings.
type ConsumerConfig struct {
	QueueURL string `yaml:"queue_url"`

	// Maximum number of consumed but unacknowledged messages to remember.
	// Zero or negative means unbounded.
	MaxUnacknowledgedMessages int `yaml:"max_unacknowledged_messages"`

	// Messages fetched per receive call (1-10)
	BatchSize int `yaml:"batch_size"`

	// Pause between empty receives
	PollInterval time.Duration `yaml:"poll_interval"`

	// Serialize tracker access through a single goroutine
	Serialized bool `yaml:"serialized"`
}

// QueueConfig holds queue backend configuration.
type QueueConfig struct {
	Type              string        `yaml:"type"` // memory, badger, sqs
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`

	// BadgerDB settings
	BadgerDir   string `yaml:"badger_dir"`
	SyncWrites  bool   `yaml:"sync_writes"`
	Compression string `yaml:"compression"` // none, s2, zstd

	// SQS settings
	Region   string        `yaml:"region"`
	Endpoint string        `yaml:"endpoint"`
	WaitTime time.Duration `yaml:"wait_time"`
}

// DeleteConfig holds settings for deletes issued by acknowledgements.
type DeleteConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      ratelimit.Config     `yaml:"rate_limit"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Consumer: ConsumerConfig{
			QueueURL:                  "local://default",
			MaxUnacknowledgedMessages: 0, // Unbounded
			BatchSize:                 10,
			PollInterval:              time.Second,
		},
		Queue: QueueConfig{
			Type:              "memory",
			VisibilityTimeout: 30 * time.Second,
			BadgerDir:         "/tmp/unack/data",
			Compression:       "none",
			WaitTime:          20 * time.Second,
		},
		Delete: DeleteConfig{
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
			RateLimit: ratelimit.DefaultConfig(),
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "unack-consumer",
			ServiceVersion:  "0.1.0",
			TracesEnabled:   false,
			MetricsEnabled:  false,
			TraceSampleRate: 0.1,
		},
	}
}

// ParseMaxUnacknowledged resolves the unacknowledged message bound from its
// raw string form. Anything but a positive integer, including values with
// surrounding whitespace, yields 0, meaning unbounded.
func ParseMaxUnacknowledged(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// applyEnv applies environment overrides. A set MAX_UNACKNOWLEDGED_MESSAGES
// always wins over the file, including when it resolves to unbounded.
func (c *Config) applyEnv() {
	if raw, ok := os.LookupEnv(MaxUnacknowledgedEnv); ok {
		c.Consumer.MaxUnacknowledgedMessages = ParseMaxUnacknowledged(raw)
	}
	if c.Consumer.MaxUnacknowledgedMessages < 0 {
		c.Consumer.MaxUnacknowledgedMessages = 0
	}
}

// Load loads configuration from a YAML file and the environment.
// If the file doesn't exist, the defaults are used.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Consumer.QueueURL == "" {
		return fmt.Errorf("consumer.queue_url cannot be empty")
	}
	if c.Consumer.BatchSize < 1 || c.Consumer.BatchSize > 10 {
		return fmt.Errorf("consumer.batch_size must be between 1 and 10")
	}
	if c.Consumer.PollInterval < 0 {
		return fmt.Errorf("consumer.poll_interval cannot be negative")
	}

	validQueues := map[string]bool{"memory": true, "badger": true, "sqs": true}
	if !validQueues[c.Queue.Type] {
		return fmt.Errorf("queue.type must be one of: memory, badger, sqs")
	}
	if c.Queue.VisibilityTimeout < 0 {
		return fmt.Errorf("queue.visibility_timeout cannot be negative")
	}
	if c.Queue.Type == "badger" && c.Queue.BadgerDir == "" {
		return fmt.Errorf("queue.badger_dir required when type is badger")
	}
	validCompression := map[string]bool{"": true, "none": true, "s2": true, "zstd": true}
	if !validCompression[c.Queue.Compression] {
		return fmt.Errorf("queue.compression must be one of: none, s2, zstd")
	}
	if c.Queue.Type == "sqs" && c.Queue.WaitTime > 20*time.Second {
		return fmt.Errorf("queue.wait_time cannot exceed 20s for sqs")
	}

	if c.Delete.Timeout < 0 {
		return fmt.Errorf("delete.timeout cannot be negative")
	}
	if c.Delete.CircuitBreaker.Enabled {
		if c.Delete.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("delete.circuit_breaker.failure_threshold must be at least 1")
		}
		if c.Delete.CircuitBreaker.ResetTimeout < time.Second {
			return fmt.Errorf("delete.circuit_breaker.reset_timeout must be at least 1 second")
		}
	}
	if c.Delete.RateLimit.Enabled {
		if c.Delete.RateLimit.Rate <= 0 {
			return fmt.Errorf("delete.rate_limit.rate must be positive")
		}
		if c.Delete.RateLimit.Burst < 1 {
			return fmt.Errorf("delete.rate_limit.burst must be at least 1")
		}
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
