// config_validation.go: Validation of the kernel configuration
//
// Errors make a configuration unusable; warnings flag settings that work
// but are likely to hurt a running system.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agilira/go-errors"
)

// Validation errors
var (
	ErrInvalidStopTimeout   = errors.New(ErrCodeInvalidConfig, "stop timeout must be positive")
	ErrInvalidBaseTick      = errors.New(ErrCodeInvalidConfig, "base tick must not be negative")
	ErrInvalidQueueCapacity = errors.New(ErrCodeInvalidConfig, "queue capacity must be positive")
	ErrInvalidQueuePolicy   = errors.New(ErrCodeInvalidConfig, "unknown queue overflow policy")
	ErrInvalidBufferSize    = errors.New(ErrCodeInvalidConfig, "event log buffer size must not be negative")
	ErrInvalidFlushInterval = errors.New(ErrCodeInvalidConfig, "event log flush interval must not be negative")
	ErrInvalidEventLevel    = errors.New(ErrCodeInvalidConfig, "unknown event log level")
)

// Thresholds for validation warnings
const (
	minSensibleBaseTick = 100 * time.Microsecond
	maxSensibleQueue    = 1 << 16
	maxSensibleBuffer   = 100000
)

// ValidationResult contains the errors and warnings found in a
// configuration.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	first error
}

// String returns a human-readable summary
func (vr ValidationResult) String() string {
	if vr.Valid {
		if len(vr.Warnings) == 0 {
			return "Configuration is valid"
		}
		return fmt.Sprintf("Configuration is valid with %d warning(s)", len(vr.Warnings))
	}
	return fmt.Sprintf("Configuration is invalid: %d error(s), %d warning(s)",
		len(vr.Errors), len(vr.Warnings))
}

func (vr *ValidationResult) fail(err error) {
	if vr.first == nil {
		vr.first = err
	}
	vr.Errors = append(vr.Errors, err.Error())
}

func (vr *ValidationResult) warn(format string, args ...interface{}) {
	vr.Warnings = append(vr.Warnings, fmt.Sprintf(format, args...))
}

// Validate returns the first error of ValidateDetailed, or nil.
func (c *Config) Validate() error {
	return c.ValidateDetailed().first
}

// ValidateDetailed checks the configuration as it will be used, that is
// after WithDefaults.
func (c *Config) ValidateDetailed() ValidationResult {
	result := ValidationResult{
		Errors:   make([]string, 0),
		Warnings: make([]string, 0),
	}

	c.validateCore(&result)
	c.validateEventLog(&result)

	result.Valid = len(result.Errors) == 0
	return result
}

func (c *Config) validateCore(result *ValidationResult) {
	if c.StopTimeout <= 0 {
		result.fail(ErrInvalidStopTimeout)
	}
	if c.BaseTick < 0 {
		result.fail(ErrInvalidBaseTick)
	} else if c.BaseTick > 0 && c.BaseTick < minSensibleBaseTick {
		result.warn("base tick %s is below %s; expect rate group slips", c.BaseTick, minSensibleBaseTick)
	}
	if c.QueueCapacity <= 0 {
		result.fail(ErrInvalidQueueCapacity)
	} else if c.QueueCapacity > maxSensibleQueue {
		result.warn("default queue capacity %d preallocates a large message arena per component", c.QueueCapacity)
	}
	if c.QueuePolicy < OverflowBlock || c.QueuePolicy > OverflowHook {
		result.fail(ErrInvalidQueuePolicy)
	} else if c.QueuePolicy == OverflowHook {
		result.warn("hook overflow policy as a default needs a hook on every queue")
	}
}

func (c *Config) validateEventLog(result *ValidationResult) {
	ev := c.EventLog
	if !ev.Enabled {
		return
	}
	if ev.BufferSize < 0 {
		result.fail(ErrInvalidBufferSize)
	} else if ev.BufferSize > maxSensibleBuffer {
		result.warn("large event log buffer may consume significant memory")
	}
	if ev.FlushInterval < 0 {
		result.fail(ErrInvalidFlushInterval)
	} else if ev.FlushInterval == 0 {
		result.warn("event log flush interval is 0, events are written only on query and close")
	}
	if ev.MinLevel < EventInfo || ev.MinLevel > EventFault {
		result.fail(ErrInvalidEventLevel)
	}
	if err := validateOutputFile(eventDatabasePath(ev)); err != nil {
		result.fail(err)
	}
}

// validateOutputFile checks that the event store path names a file whose
// parent, if it exists, is a directory.
func validateOutputFile(outputFile string) error {
	cleanPath := filepath.Clean(outputFile)
	if cleanPath == "." || cleanPath == "/" {
		return errors.New(ErrCodeInvalidConfig, "event log path is not a file path").
			WithContext("path", outputFile)
	}
	if info, err := os.Stat(cleanPath); err == nil && info.IsDir() {
		return errors.New(ErrCodeInvalidConfig, "event log path is a directory").
			WithContext("path", outputFile)
	}

	// Missing directories are created when the log opens.
	for dir := filepath.Dir(cleanPath); dir != "." && dir != "/"; dir = filepath.Dir(dir) {
		info, err := os.Stat(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, ErrCodeInvalidConfig, "cannot access event log directory").
				WithContext("dir", dir)
		}
		if !info.IsDir() {
			return errors.New(ErrCodeInvalidConfig, "event log parent is not a directory").
				WithContext("dir", dir)
		}
		break
	}
	return nil
}

// ValidateEnvironmentConfig loads the configuration from FPRIME_* variables
// and validates it.
func ValidateEnvironmentConfig() error {
	config, err := LoadConfigFromEnv()
	if err != nil {
		return errors.Wrap(err, ErrCodeInvalidConfig, "failed to load config from environment")
	}
	return config.Validate()
}
