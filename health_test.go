// health_test.go: Tests for ping-based health monitoring
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"testing"
	"time"
)

type healthFixture struct {
	reporter *recordingReporter
	target   *Component
	health   *Health
	group    *RateGroup
	faults   int
}

func newHealthFixture(t *testing.T, warn, fatal int) *healthFixture {
	t.Helper()
	f := &healthFixture{reporter: &recordingReporter{}}
	topo := newTestTopology(t, Config{
		Name:     "health",
		Reporter: f.reporter,
		OnFault:  func(error, string) { f.faults++ },
	})
	f.target = mustComponent(t, topo, ComponentConfig{Name: "target", Kind: KindQueued, Queue: QueueConfig{Capacity: 4}})

	h, err := NewHealth(topo, HealthConfig{Entries: []PingEntry{{Component: "target", Warn: warn, Fatal: fatal}}})
	if err != nil {
		t.Fatalf("NewHealth failed: %v", err)
	}
	f.health = h
	f.group = newTestRateGroup(t, RateGroupConfig{Name: "rg", Period: time.Second})
	if err := f.group.AddMember(h.Sched()); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *healthFixture) status(t *testing.T) HealthStatus {
	t.Helper()
	s, ok := f.health.Status("target")
	if !ok {
		t.Fatal("target is not monitored")
	}
	return s
}

func TestHealthHealthyComponentStaysOK(t *testing.T) {
	f := newHealthFixture(t, 2, 3)
	for i := 0; i < 10; i++ {
		_ = f.group.Tick()
		if _, err := f.target.DispatchAll(); err != nil {
			t.Fatal(err)
		}
	}
	if f.status(t) != HealthOK {
		t.Errorf("got %s, expected ok", f.status(t))
	}
	s := f.health.Stats()[0]
	if s.Pings != 10 || s.Replies != 10 || s.Warnings != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestHealthWarnFatalRecover(t *testing.T) {
	f := newHealthFixture(t, 2, 3)

	// Cycle 1 sends the ping; later cycles count it as outstanding.
	expected := []HealthStatus{HealthOK, HealthOK, HealthWarn, HealthFatal, HealthFatal}
	for i, want := range expected {
		_ = f.group.Tick()
		if got := f.status(t); got != want {
			t.Fatalf("cycle %d: got %s, expected %s", i+1, got, want)
		}
	}
	if f.reporter.count(EventHealthWarn) != 1 || f.reporter.count(EventHealthFatal) != 1 {
		t.Errorf("got %d warn and %d fatal events, expected one of each",
			f.reporter.count(EventHealthWarn), f.reporter.count(EventHealthFatal))
	}
	if f.faults != 1 {
		t.Errorf("got %d faults, expected the fatal transition to call the fault handler once", f.faults)
	}

	if _, err := f.target.DispatchAll(); err != nil {
		t.Fatal(err)
	}
	if f.status(t) != HealthOK {
		t.Errorf("got %s after the reply, expected ok", f.status(t))
	}
	if f.reporter.count(EventHealthRecovered) != 1 {
		t.Error("recovery was not reported")
	}
	if s := f.health.Stats()[0]; s.Outstanding != 0 || s.Replies != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestHealthFullQueueCountsAsMissed(t *testing.T) {
	f := newHealthFixture(t, 1, 2)

	// Fill the target queue so the ping has no room.
	in := mustInput(t, f.target, InputConfig{Name: "in", Kind: PortAsync, Handler: func(*Call) error { return nil }})
	args := []Value{U32(0)}
	for i := 0; i < 4; i++ {
		if err := in.enqueue(args, nil); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	_ = f.group.Tick()
	s := f.health.Stats()[0]
	if s.Missed != 1 || s.Pings != 0 || s.Outstanding != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
	if f.status(t) != HealthWarn {
		t.Errorf("got %s, expected warn after one missed cycle", f.status(t))
	}
}

func TestHealthDisable(t *testing.T) {
	f := newHealthFixture(t, 1, 2)
	_ = f.group.Tick()
	_ = f.group.Tick()
	if f.status(t) != HealthWarn {
		t.Fatalf("got %s, expected warn", f.status(t))
	}

	f.health.SetEnabled(false)
	if f.health.Enabled() || f.status(t) != HealthOK {
		t.Error("disabling must clear the status")
	}
	for i := 0; i < 5; i++ {
		_ = f.group.Tick()
	}
	if s := f.health.Stats()[0]; s.Outstanding != 0 || s.Fatals != 0 {
		t.Errorf("disabled monitor kept counting: %+v", s)
	}
}

func TestNewHealthValidation(t *testing.T) {
	topo := newTestTopology(t, Config{Name: "entries"})
	mustComponent(t, topo, ComponentConfig{Name: "passive"})
	mustComponent(t, topo, ComponentConfig{Name: "queued", Kind: KindQueued, Queue: QueueConfig{Capacity: 2}})

	tests := []struct {
		name  string
		entry PingEntry
	}{
		{"unknown component", PingEntry{Component: "missing"}},
		{"passive component", PingEntry{Component: "passive"}},
		{"fatal below warn", PingEntry{Component: "queued", Warn: 4, Fatal: 2}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHealth(topo, HealthConfig{Name: "h" + string(rune('a'+i)), Entries: []PingEntry{tt.entry}})
			if !HasCode(err, ErrCodeConfiguration) {
				t.Errorf("got %v, expected a configuration error", err)
			}
		})
	}

	h, err := NewHealth(topo, HealthConfig{Entries: []PingEntry{{Component: "queued"}}})
	if err != nil {
		t.Fatal(err)
	}
	if s := h.Stats()[0]; s.Warn != DefaultPingWarn || s.Fatal != DefaultPingFatal {
		t.Errorf("got thresholds %d/%d, expected the defaults", s.Warn, s.Fatal)
	}
	if _, err := NewHealth(topo, HealthConfig{Name: "again", Entries: []PingEntry{{Component: "queued"}}}); !HasCode(err, ErrCodeConfiguration) {
		t.Errorf("second monitor on the same component: got %v", err)
	}
}
