// Tests for the shared command-line helpers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"testing"
	"time"

	"github.com/NoahBraasch/fprime"
)

func TestParseAge(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
	}{
		{"30d", 30 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"12h", 12 * time.Hour},
		{" 90m ", 90 * time.Minute},
		{"0d", 0},
	}
	for _, tt := range tests {
		got, err := ParseAge(tt.input)
		if err != nil {
			t.Errorf("ParseAge(%q) failed: %v", tt.input, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("ParseAge(%q) = %v, expected %v", tt.input, got, tt.expected)
		}
	}

	for _, bad := range []string{"", "d", "-3d", "xw", "-1h", "soon"} {
		if _, err := ParseAge(bad); err == nil {
			t.Errorf("ParseAge(%q) should fail", bad)
		}
	}
}

func TestResolveEventStore(t *testing.T) {
	t.Setenv("FPRIME_EVENTS_OUTPUT_FILE", "")
	if got := ResolveEventStore(""); got != fprime.DefaultEventDatabase() {
		t.Errorf("got %s, expected the default database", got)
	}
	if got := ResolveEventStore("/data/events.db"); got != "/data/events.db" {
		t.Errorf("got %s, expected the explicit path", got)
	}
	t.Setenv("FPRIME_EVENTS_OUTPUT_FILE", "/env/events.jsonl")
	if got := ResolveEventStore(""); got != "/env/events.jsonl" {
		t.Errorf("got %s, expected the environment path", got)
	}
}

func TestDeploymentTemplates(t *testing.T) {
	for _, kind := range []string{"", TemplateMinimal, TemplatePipeline} {
		d, err := DeploymentTemplate(kind, "")
		if err != nil {
			t.Fatalf("template %q: %v", kind, err)
		}
		if d.Name != "example" {
			t.Errorf("template %q: got name %q", kind, d.Name)
		}
		if err := d.Validate(); err != nil {
			t.Errorf("template %q does not validate: %v", kind, err)
		}
		if _, err := d.Build(d.Config()); err != nil {
			t.Errorf("template %q does not build: %v", kind, err)
		}
	}

	d, _ := DeploymentTemplate(TemplatePipeline, "probe")
	if d.Name != "probe" || d.Health == nil || len(d.Buffers) != 2 {
		t.Errorf("unexpected pipeline template %+v", d)
	}
	if _, err := DeploymentTemplate("orbital", "x"); err == nil {
		t.Error("unknown templates should fail")
	}
}
