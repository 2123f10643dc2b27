// config.go: Kernel configuration and defaults
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import "time"

// Config is the system-wide configuration of a topology
type Config struct {
	// Name identifies the deployment in events and stats
	Name string `yaml:"name" json:"name"`

	// BaseTick is the period of the internal rate group driver. Zero means
	// rate groups are ticked from outside through RateGroup.Tick.
	BaseTick time.Duration `yaml:"base_tick" json:"base_tick"`

	// StopTimeout bounds the wait for each active component on Stop
	StopTimeout time.Duration `yaml:"stop_timeout" json:"stop_timeout"`

	// QueueCapacity and QueuePolicy apply to components declared through
	// Topology.NewComponent without their own queue capacity
	QueueCapacity int            `yaml:"queue_capacity" json:"queue_capacity"`
	QueuePolicy   OverflowPolicy `yaml:"-" json:"-"`

	// EventLog configures the persistent event log built by deployments.
	// It is off unless enabled; enabled logs get default sizes.
	EventLog EventLogConfig `yaml:"event_log" json:"event_log"`

	// Reporter receives kernel events. Defaults to a no-op reporter.
	Reporter Reporter `yaml:"-" json:"-"`

	// OnFault is called for faults that have no caller to return to:
	// handler failures in dispatch loops, overruns, invalid buffer returns
	OnFault FaultHandler `yaml:"-" json:"-"`
}

// Default configuration values
const (
	DefaultName          = "fprime"
	DefaultStopTimeout   = 5 * time.Second
	DefaultQueueCapacity = 32
)

// WithDefaults returns a copy of the configuration with defaults applied
func (c *Config) WithDefaults() *Config {
	config := *c

	if config.Name == "" {
		config.Name = DefaultName
	}

	if config.StopTimeout <= 0 {
		config.StopTimeout = DefaultStopTimeout
	}

	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultQueueCapacity
	}

	if config.BaseTick < 0 {
		config.BaseTick = 0
	}

	if config.EventLog.Enabled {
		def := DefaultEventLogConfig()
		if config.EventLog.BufferSize <= 0 {
			config.EventLog.BufferSize = def.BufferSize
		}
		if config.EventLog.FlushInterval <= 0 {
			config.EventLog.FlushInterval = def.FlushInterval
		}
		if config.EventLog.RetentionDays <= 0 {
			config.EventLog.RetentionDays = def.RetentionDays
		}
	}

	if config.Reporter == nil {
		config.Reporter = nopReporter{}
	}

	return &config
}
