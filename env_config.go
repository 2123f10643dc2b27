// env_config.go: Environment variable overrides for the kernel configuration
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/go-errors"
)

// EnvConfig holds the configuration read from FPRIME_* environment
// variables. Zero fields were not set.
type EnvConfig struct {
	// Core
	Name          string        `env:"FPRIME_NAME"`
	BaseTick      time.Duration `env:"FPRIME_BASE_TICK"`
	StopTimeout   time.Duration `env:"FPRIME_STOP_TIMEOUT"`
	QueueCapacity int           `env:"FPRIME_QUEUE_CAPACITY"`
	QueuePolicy   string        `env:"FPRIME_QUEUE_POLICY"`

	// Event log
	EventsEnabled       string        `env:"FPRIME_EVENTS_ENABLED"`
	EventsOutputFile    string        `env:"FPRIME_EVENTS_OUTPUT_FILE"`
	EventsMinLevel      string        `env:"FPRIME_EVENTS_MIN_LEVEL"`
	EventsBufferSize    int           `env:"FPRIME_EVENTS_BUFFER_SIZE"`
	EventsFlushInterval time.Duration `env:"FPRIME_EVENTS_FLUSH_INTERVAL"`
	EventsRetentionDays int           `env:"FPRIME_EVENTS_RETENTION_DAYS"`
}

// LoadConfigFromEnv builds a configuration from environment variables on
// top of the defaults.
func LoadConfigFromEnv() (*Config, error) {
	config := (&Config{}).WithDefaults()
	if err := ApplyEnvOverrides(config); err != nil {
		return nil, err
	}
	// An event log enabled from the environment still needs its sizes
	return config.WithDefaults(), nil
}

// LoadConfigMultiSource loads configuration with precedence:
// 1. Environment variables (highest priority)
// 2. Deployment file
// 3. Default values (lowest priority)
//
// A missing deployment file is not an error; an unreadable or invalid one is.
func LoadConfigMultiSource(deploymentFile string) (*Config, error) {
	config := &Config{}

	if deploymentFile != "" {
		if _, err := os.Stat(deploymentFile); err == nil {
			d, err := LoadDeployment(deploymentFile)
			if err != nil {
				return nil, err
			}
			fileConfig := d.Config()
			config = &fileConfig
		}
	}
	config = config.WithDefaults()

	if err := ApplyEnvOverrides(config); err != nil {
		return config, err
	}
	return config.WithDefaults(), nil
}

// ApplyEnvOverrides overwrites config with every FPRIME_* variable that is
// set.
func ApplyEnvOverrides(config *Config) error {
	env := &EnvConfig{}
	if err := loadEnvVars(env); err != nil {
		return errors.Wrap(err, ErrCodeInvalidConfig, "failed to load environment configuration")
	}
	if err := mergeEnvConfig(config, env); err != nil {
		return errors.Wrap(err, ErrCodeInvalidConfig, "failed to apply environment configuration")
	}
	return nil
}

func loadEnvVars(env *EnvConfig) error {
	if err := loadCoreEnv(env); err != nil {
		return err
	}
	return loadEventLogEnv(env)
}

func loadCoreEnv(env *EnvConfig) error {
	env.Name = os.Getenv("FPRIME_NAME")

	var err error
	if env.BaseTick, err = envDuration("FPRIME_BASE_TICK"); err != nil {
		return err
	}
	if env.StopTimeout, err = envDuration("FPRIME_STOP_TIMEOUT"); err != nil {
		return err
	}
	if env.QueueCapacity, err = envPositiveInt("FPRIME_QUEUE_CAPACITY"); err != nil {
		return err
	}
	env.QueuePolicy = os.Getenv("FPRIME_QUEUE_POLICY")
	return nil
}

func loadEventLogEnv(env *EnvConfig) error {
	env.EventsEnabled = os.Getenv("FPRIME_EVENTS_ENABLED")
	env.EventsOutputFile = os.Getenv("FPRIME_EVENTS_OUTPUT_FILE")
	env.EventsMinLevel = os.Getenv("FPRIME_EVENTS_MIN_LEVEL")

	var err error
	if env.EventsBufferSize, err = envPositiveInt("FPRIME_EVENTS_BUFFER_SIZE"); err != nil {
		return err
	}
	if env.EventsFlushInterval, err = envDuration("FPRIME_EVENTS_FLUSH_INTERVAL"); err != nil {
		return err
	}
	if env.EventsRetentionDays, err = envPositiveInt("FPRIME_EVENTS_RETENTION_DAYS"); err != nil {
		return err
	}
	return nil
}

func envDuration(key string) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, errors.New(ErrCodeInvalidConfig, "invalid duration").
			WithContext("variable", key).
			WithContext("value", value)
	}
	return d, nil
}

func envPositiveInt(key string) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, errors.New(ErrCodeInvalidConfig, "invalid positive integer").
			WithContext("variable", key).
			WithContext("value", value)
	}
	return n, nil
}

// mergeEnvConfig applies the set fields of env to config
func mergeEnvConfig(config *Config, env *EnvConfig) error {
	if env.Name != "" {
		config.Name = env.Name
	}
	if env.BaseTick > 0 {
		config.BaseTick = env.BaseTick
	}
	if env.StopTimeout > 0 {
		config.StopTimeout = env.StopTimeout
	}
	if env.QueueCapacity > 0 {
		config.QueueCapacity = env.QueueCapacity
	}
	if env.QueuePolicy != "" {
		policy, err := ParseOverflowPolicy(env.QueuePolicy)
		if err != nil {
			return err
		}
		config.QueuePolicy = policy
	}

	if env.EventsEnabled != "" {
		config.EventLog.Enabled = parseBool(env.EventsEnabled)
	}
	if env.EventsOutputFile != "" {
		config.EventLog.OutputFile = env.EventsOutputFile
		if env.EventsEnabled == "" {
			config.EventLog.Enabled = true
		}
	}
	if env.EventsMinLevel != "" {
		level, ok := ParseEventLevel(env.EventsMinLevel)
		if !ok {
			return errors.New(ErrCodeInvalidConfig, "invalid event level").
				WithContext("level", env.EventsMinLevel)
		}
		config.EventLog.MinLevel = level
	}
	if env.EventsBufferSize > 0 {
		config.EventLog.BufferSize = env.EventsBufferSize
	}
	if env.EventsFlushInterval > 0 {
		config.EventLog.FlushInterval = env.EventsFlushInterval
	}
	if env.EventsRetentionDays > 0 {
		config.EventLog.RetentionDays = env.EventsRetentionDays
	}
	return nil
}

// parseBool parses boolean values from environment variables
// Supports: true/false, 1/0, yes/no, on/off, enabled/disabled
func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on", "enabled":
		return true
	default:
		return false
	}
}

// GetEnvWithDefault returns environment variable value or default if not set
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvDurationWithDefault returns environment variable as duration or default
func GetEnvDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
