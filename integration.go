// integration.go: Command-line configuration for kernel binaries via FlashFlags
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"fmt"
	"os"
	"strings"
	"time"

	flashflags "github.com/agilira/flash-flags"
	"github.com/agilira/go-errors"
)

// Kernel flag names registered by NewConfigManager
const (
	FlagDeployment    = "deployment"
	FlagName          = "name"
	FlagBaseTick      = "base-tick"
	FlagStopTimeout   = "stop-timeout"
	FlagQueueCapacity = "queue-capacity"
	FlagQueuePolicy   = "queue-policy"
	FlagEvents        = "events"
	FlagEventsFile    = "events-file"
	FlagEventsLevel   = "events-min-level"
)

// errHelpRequested is returned by Parse for -h and --help
var errHelpRequested = errors.New(ErrCodeInvalidConfig, "help requested")

// ConfigManager layers command-line flags over the deployment file,
// FPRIME_* environment variables and defaults.
type ConfigManager struct {
	flags *flashflags.FlagSet

	appName        string
	appDescription string
	appVersion     string

	// Explicit overrides, highest precedence
	values map[string]interface{}

	// Flags present on the parsed command line
	given map[string]bool
}

// NewConfigManager creates a manager with the kernel flags registered.
// Binaries add their own flags with the fluent *Flag methods.
func NewConfigManager(appName string) *ConfigManager {
	cm := &ConfigManager{
		flags:   flashflags.New(appName),
		appName: appName,
		values:  make(map[string]interface{}),
		given:   make(map[string]bool),
	}
	cm.StringFlag(FlagDeployment, "", "Deployment file (YAML)").
		StringFlag(FlagName, "", "Deployment name override").
		DurationFlag(FlagBaseTick, 0, "Base tick of the rate group driver").
		DurationFlag(FlagStopTimeout, 0, "Wait bound for each component on stop").
		IntFlag(FlagQueueCapacity, 0, "Default queue capacity").
		StringFlag(FlagQueuePolicy, "", "Default overflow policy: block, drop-newest, drop-oldest, hook").
		BoolFlag(FlagEvents, false, "Record kernel events to the event log").
		StringFlag(FlagEventsFile, "", "Event log file (.jsonl for JSONL, SQLite otherwise)").
		StringFlag(FlagEventsLevel, "", "Minimum recorded event level: info, warn, critical, fault")
	return cm
}

// SetDescription sets the application description for help text
func (cm *ConfigManager) SetDescription(description string) *ConfigManager {
	cm.appDescription = description
	cm.flags.SetDescription(description)
	return cm
}

// SetVersion sets the application version for help text
func (cm *ConfigManager) SetVersion(version string) *ConfigManager {
	cm.appVersion = version
	cm.flags.SetVersion(version)
	return cm
}

// StringFlag adds a string flag
func (cm *ConfigManager) StringFlag(name, defaultValue, usage string) *ConfigManager {
	cm.flags.String(name, defaultValue, usage)
	return cm
}

// IntFlag adds an integer flag
func (cm *ConfigManager) IntFlag(name string, defaultValue int, usage string) *ConfigManager {
	cm.flags.Int(name, defaultValue, usage)
	return cm
}

// BoolFlag adds a boolean flag
func (cm *ConfigManager) BoolFlag(name string, defaultValue bool, usage string) *ConfigManager {
	cm.flags.Bool(name, defaultValue, usage)
	return cm
}

// DurationFlag adds a duration flag
func (cm *ConfigManager) DurationFlag(name string, defaultValue time.Duration, usage string) *ConfigManager {
	cm.flags.Duration(name, defaultValue, usage)
	return cm
}

// Parse parses command-line arguments. FPRIME_<FLAG> environment
// variables fill flags not given on the command line.
func (cm *ConfigManager) Parse(args []string) error {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return errHelpRequested
		}
	}
	cm.flags.SetEnvPrefix(strings.ToUpper(cm.appName))
	if err := cm.flags.Parse(args); err != nil {
		return errors.Wrap(err, ErrCodeInvalidConfig, "failed to parse command-line flags")
	}
	for _, arg := range args {
		if arg == "--" {
			break
		}
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		cm.given[name] = true
	}
	return nil
}

// ParseArgsOrExit parses os.Args[1:] and exits on help or error.
func (cm *ConfigManager) ParseArgsOrExit() {
	err := cm.Parse(os.Args[1:])
	if err == nil {
		return
	}
	if err == errHelpRequested {
		cm.PrintUsage()
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
	cm.PrintUsage()
	os.Exit(1)
}

// GetString retrieves a string value
func (cm *ConfigManager) GetString(key string) string {
	if val, ok := cm.values[key].(string); ok {
		return val
	}
	return cm.flags.GetString(key)
}

// GetInt retrieves an integer value
func (cm *ConfigManager) GetInt(key string) int {
	if val, ok := cm.values[key].(int); ok {
		return val
	}
	return cm.flags.GetInt(key)
}

// GetBool retrieves a boolean value
func (cm *ConfigManager) GetBool(key string) bool {
	if val, ok := cm.values[key].(bool); ok {
		return val
	}
	return cm.flags.GetBool(key)
}

// GetDuration retrieves a duration value
func (cm *ConfigManager) GetDuration(key string) time.Duration {
	if val, ok := cm.values[key].(time.Duration); ok {
		return val
	}
	return cm.flags.GetDuration(key)
}

// Set explicitly sets a value (highest precedence)
func (cm *ConfigManager) Set(key string, value interface{}) {
	cm.values[key] = value
}

// isSet reports whether a flag was given on the command line, through the
// environment or with Set.
func (cm *ConfigManager) isSet(key string) bool {
	if _, ok := cm.values[key]; ok {
		return true
	}
	if cm.given[key] {
		return true
	}
	_, ok := os.LookupEnv(cm.FlagToEnvKey(key))
	return ok
}

// LoadConfig builds the kernel configuration. Precedence, highest first:
// explicit Set values and flags, environment variables, the deployment
// file, defaults.
func (cm *ConfigManager) LoadConfig() (*Config, error) {
	config, err := LoadConfigMultiSource(cm.GetString(FlagDeployment))
	if err != nil {
		return nil, err
	}

	if v := cm.GetString(FlagName); v != "" {
		config.Name = v
	}
	if v := cm.GetDuration(FlagBaseTick); v > 0 {
		config.BaseTick = v
	}
	if v := cm.GetDuration(FlagStopTimeout); v > 0 {
		config.StopTimeout = v
	}
	if v := cm.GetInt(FlagQueueCapacity); v > 0 {
		config.QueueCapacity = v
	}
	if v := cm.GetString(FlagQueuePolicy); v != "" {
		policy, err := ParseOverflowPolicy(v)
		if err != nil {
			return nil, err
		}
		config.QueuePolicy = policy
	}
	if cm.isSet(FlagEvents) {
		config.EventLog.Enabled = cm.GetBool(FlagEvents)
	}
	if v := cm.GetString(FlagEventsFile); v != "" {
		config.EventLog.OutputFile = v
		if !cm.isSet(FlagEvents) {
			config.EventLog.Enabled = true
		}
	}
	if v := cm.GetString(FlagEventsLevel); v != "" {
		level, ok := ParseEventLevel(v)
		if !ok {
			return nil, errors.New(ErrCodeInvalidConfig, "invalid event level").
				WithContext("level", v)
		}
		config.EventLog.MinLevel = level
	}
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// PrintUsage prints help for all flags
func (cm *ConfigManager) PrintUsage() {
	cm.flags.PrintHelp()
}

// GetBoundFlags maps every flag name to its configuration key
func (cm *ConfigManager) GetBoundFlags() map[string]string {
	result := make(map[string]string)
	cm.flags.VisitAll(func(flag *flashflags.Flag) {
		result[flag.Name()] = strings.ReplaceAll(flag.Name(), "-", ".")
	})
	return result
}

// FlagToEnvKey converts "queue-capacity" to "APPNAME_QUEUE_CAPACITY"
func (cm *ConfigManager) FlagToEnvKey(flagName string) string {
	return strings.ToUpper(cm.appName + "_" + strings.ReplaceAll(flagName, "-", "_"))
}
