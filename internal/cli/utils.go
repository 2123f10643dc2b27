// Helpers shared by the fprime command-line tools
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/NoahBraasch/fprime"
)

// ParseAge parses a duration that may use day and week units, such as
// "30d", "2w" or "12h". Plain Go durations are accepted too.
func ParseAge(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty duration")
	}
	unit := value[len(value)-1]
	if unit == 'd' || unit == 'w' {
		n, err := strconv.Atoi(value[:len(value)-1])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", value)
		}
		day := 24 * time.Hour
		if unit == 'w' {
			return time.Duration(n) * 7 * day, nil
		}
		return time.Duration(n) * day, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return d, nil
}

// ResolveEventStore returns the event store to open: the explicit path,
// then FPRIME_EVENTS_OUTPUT_FILE, then the shared default database.
func ResolveEventStore(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("FPRIME_EVENTS_OUTPUT_FILE"); env != "" {
		return env
	}
	return fprime.DefaultEventDatabase()
}

// Template names accepted by DeploymentTemplate
const (
	TemplateMinimal  = "minimal"
	TemplatePipeline = "pipeline"
)

// DeploymentTemplate returns a ready-to-run deployment of the given kind.
func DeploymentTemplate(kind, name string) (*fprime.Deployment, error) {
	if name == "" {
		name = "example"
	}
	switch kind {
	case TemplateMinimal, "":
		return &fprime.Deployment{
			Name:     name,
			BaseTick: 10 * time.Millisecond,
			Components: []fprime.ComponentSpec{
				{Name: "worker", Kind: "active", Queue: fprime.QueueSpec{Capacity: 16}},
			},
			RateGroups: []fprime.RateGroupSpec{
				{Name: "rg1", Period: 10 * time.Millisecond, Divisor: 1, Members: []string{"worker.sched"}},
			},
		}, nil

	case TemplatePipeline:
		return &fprime.Deployment{
			Name:     name,
			BaseTick: 10 * time.Millisecond,
			Buffers: []fprime.BinConfig{
				{Size: 64, Count: 32},
				{Size: 1024, Count: 8},
			},
			Components: []fprime.ComponentSpec{
				{Name: "source", Kind: "passive", BufferSize: 64},
				{Name: "filter", Kind: "queued", Queue: fprime.QueueSpec{Capacity: 32, Policy: "drop-oldest"}},
				{Name: "sink", Kind: "active", Queue: fprime.QueueSpec{Capacity: 64, Policy: "drop-newest"}},
			},
			RateGroups: []fprime.RateGroupSpec{
				{Name: "fast", Period: 10 * time.Millisecond, Divisor: 1, Members: []string{"source.sched", "filter.sched"}},
				{Name: "slow", Period: 100 * time.Millisecond, Divisor: 10, Members: []string{"sink.sched"}},
			},
			Health: &fprime.HealthSpec{
				RateGroup: "slow",
				Entries: []fprime.PingEntry{
					{Component: "filter", Warn: fprime.DefaultPingWarn, Fatal: fprime.DefaultPingFatal},
					{Component: "sink", Warn: fprime.DefaultPingWarn, Fatal: fprime.DefaultPingFatal},
				},
			},
			Connections: []fprime.ConnectionSpec{
				{From: "source.out", To: "filter.in"},
				{From: "filter.out", To: "sink.in"},
				{From: "source.bufout", To: "sink.bufin"},
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown template %q (use %s or %s)", kind, TemplateMinimal, TemplatePipeline)
}
