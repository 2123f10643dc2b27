// env_config_test.go: Tests for FPRIME_* environment overrides
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("FPRIME_NAME", "flight")
	t.Setenv("FPRIME_BASE_TICK", "10ms")
	t.Setenv("FPRIME_STOP_TIMEOUT", "2s")
	t.Setenv("FPRIME_QUEUE_CAPACITY", "64")
	t.Setenv("FPRIME_QUEUE_POLICY", "drop-oldest")
	t.Setenv("FPRIME_EVENTS_ENABLED", "yes")
	t.Setenv("FPRIME_EVENTS_MIN_LEVEL", "warn")
	t.Setenv("FPRIME_EVENTS_BUFFER_SIZE", "128")
	t.Setenv("FPRIME_EVENTS_FLUSH_INTERVAL", "250ms")
	t.Setenv("FPRIME_EVENTS_RETENTION_DAYS", "7")

	config, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv failed: %v", err)
	}
	if config.Name != "flight" || config.BaseTick != 10*time.Millisecond || config.StopTimeout != 2*time.Second {
		t.Errorf("core values not applied: %+v", config)
	}
	if config.QueueCapacity != 64 || config.QueuePolicy != OverflowDropOldest {
		t.Errorf("queue values not applied: %d %v", config.QueueCapacity, config.QueuePolicy)
	}
	ev := config.EventLog
	if !ev.Enabled || ev.MinLevel != EventWarn || ev.BufferSize != 128 || ev.FlushInterval != 250*time.Millisecond || ev.RetentionDays != 7 {
		t.Errorf("event log values not applied: %+v", ev)
	}
}

func TestEnvOutputFileEnablesEventLog(t *testing.T) {
	t.Setenv("FPRIME_EVENTS_OUTPUT_FILE", "/tmp/fprime-events.jsonl")
	config, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if !config.EventLog.Enabled || config.EventLog.OutputFile != "/tmp/fprime-events.jsonl" {
		t.Errorf("an output file should enable the log: %+v", config.EventLog)
	}

	t.Setenv("FPRIME_EVENTS_ENABLED", "off")
	config, err = LoadConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if config.EventLog.Enabled {
		t.Error("an explicit off must win over the output file")
	}
}

func TestEnvInvalidValues(t *testing.T) {
	tests := []struct{ key, value string }{
		{"FPRIME_BASE_TICK", "fast"},
		{"FPRIME_STOP_TIMEOUT", "-1s"},
		{"FPRIME_QUEUE_CAPACITY", "0"},
		{"FPRIME_QUEUE_CAPACITY", "many"},
		{"FPRIME_QUEUE_POLICY", "spill"},
		{"FPRIME_EVENTS_MIN_LEVEL", "loud"},
		{"FPRIME_EVENTS_BUFFER_SIZE", "-4"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadConfigFromEnv(); !HasCode(err, ErrCodeInvalidConfig) {
				t.Errorf("got %v, expected InvalidConfig", err)
			}
		})
	}
}

func TestLoadConfigMultiSourcePrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploy.yaml")
	deployment := "name: from-file\nbase_tick: 5ms\nqueue_capacity: 8\nqueue_policy: drop-newest\n"
	if err := os.WriteFile(path, []byte(deployment), 0600); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfigMultiSource(path)
	if err != nil {
		t.Fatal(err)
	}
	if config.Name != "from-file" || config.BaseTick != 5*time.Millisecond || config.QueuePolicy != OverflowDropNewest {
		t.Errorf("file values not applied: %+v", config)
	}
	if config.StopTimeout != DefaultStopTimeout {
		t.Errorf("defaults not applied under the file: %v", config.StopTimeout)
	}

	t.Setenv("FPRIME_QUEUE_CAPACITY", "99")
	config, err = LoadConfigMultiSource(path)
	if err != nil {
		t.Fatal(err)
	}
	if config.QueueCapacity != 99 || config.Name != "from-file" {
		t.Errorf("environment should override the file: %+v", config)
	}
}

func TestLoadConfigMultiSourceFiles(t *testing.T) {
	config, err := LoadConfigMultiSource(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil || config.Name != DefaultName {
		t.Errorf("a missing file should give defaults: %+v, %v", config, err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("name: [unclosed\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigMultiSource(bad); !HasCode(err, ErrCodeInvalidConfig) {
		t.Errorf("got %v, expected InvalidConfig for a broken file", err)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("FPRIME_TEST_STRING", "value")
	t.Setenv("FPRIME_TEST_DURATION", "3s")
	t.Setenv("FPRIME_TEST_BAD_DURATION", "soon")

	if got := GetEnvWithDefault("FPRIME_TEST_STRING", "x"); got != "value" {
		t.Errorf("got %q, expected value", got)
	}
	if got := GetEnvWithDefault("FPRIME_TEST_UNSET", "x"); got != "x" {
		t.Errorf("got %q, expected the default", got)
	}
	if got := GetEnvDurationWithDefault("FPRIME_TEST_DURATION", time.Second); got != 3*time.Second {
		t.Errorf("got %v, expected 3s", got)
	}
	if got := GetEnvDurationWithDefault("FPRIME_TEST_BAD_DURATION", time.Second); got != time.Second {
		t.Errorf("got %v, expected the default for an invalid value", got)
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"true", "1", "YES", " on ", "enabled"} {
		if !parseBool(v) {
			t.Errorf("parseBool(%q) = false", v)
		}
	}
	for _, v := range []string{"false", "0", "no", "off", "", "maybe"} {
		if parseBool(v) {
			t.Errorf("parseBool(%q) = true", v)
		}
	}
}
