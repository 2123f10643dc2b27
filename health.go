// health.go: Ping-based liveness monitoring of queued and active components
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"sync/atomic"

	"github.com/agilira/go-errors"
)

// Default ping thresholds, in rate group cycles
const (
	DefaultPingWarn  = 3
	DefaultPingFatal = 5
)

// PingEntry monitors one component. Warn and Fatal count rate group cycles
// without a reply.
type PingEntry struct {
	Component string `yaml:"component" json:"component"`
	Warn      int    `yaml:"warn" json:"warn"`
	Fatal     int    `yaml:"fatal" json:"fatal"`
}

// HealthConfig configures a health monitor
type HealthConfig struct {
	Name     string
	Entries  []PingEntry
	Reporter Reporter
	OnFault  FaultHandler
}

// HealthStatus of one monitored component
type HealthStatus int32

const (
	HealthOK HealthStatus = iota
	HealthWarn
	HealthFatal
)

func (s HealthStatus) String() string {
	switch s {
	case HealthOK:
		return "ok"
	case HealthWarn:
		return "warn"
	case HealthFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// HealthStats is a read-only snapshot of one ping entry
type HealthStats struct {
	Component   string `json:"component" yaml:"component"`
	Status      string `json:"status" yaml:"status"`
	Outstanding int    `json:"outstanding" yaml:"outstanding"`
	Warn        int    `json:"warn" yaml:"warn"`
	Fatal       int    `json:"fatal" yaml:"fatal"`
	Pings       uint64 `json:"pings" yaml:"pings"`
	Replies     uint64 `json:"replies" yaml:"replies"`
	Missed      uint64 `json:"missed" yaml:"missed"`
	Warnings    uint64 `json:"warnings" yaml:"warnings"`
	Fatals      uint64 `json:"fatals" yaml:"fatals"`
}

type pingTarget struct {
	comp  *Component
	warn  int32
	fatal int32

	seq         atomic.Uint32
	pending     atomic.Bool
	outstanding atomic.Int32
	status      atomic.Int32

	pings    atomic.Uint64
	replies  atomic.Uint64
	missed   atomic.Uint64
	warnings atomic.Uint64
	fatals   atomic.Uint64
}

// Health pings monitored components once per cycle of the rate group its
// Sched port is attached to. The dispatch loop of each target answers the
// ping without running user code, so a stuck handler or a flooded queue
// shows up as missed cycles. Health only reports; recovery belongs to the
// deployment.
type Health struct {
	comp     *Component
	sched    *InputPort
	targets  []*pingTarget
	enabled  atomic.Bool
	reporter Reporter
	onFault  FaultHandler
}

// NewHealth builds the monitor as a passive component of t. Every entry
// must name a queued or active component of t that no other monitor
// watches.
func NewHealth(t *Topology, config HealthConfig) (*Health, error) {
	if config.Name == "" {
		config.Name = "health"
	}
	if config.Reporter == nil {
		config.Reporter = t.Reporter()
	}
	if config.OnFault == nil {
		config.OnFault = t.FaultHandler()
	}

	h := &Health{
		reporter: config.Reporter,
		onFault:  config.OnFault,
	}
	h.enabled.Store(true)

	seen := make(map[string]bool, len(config.Entries))
	for _, e := range config.Entries {
		c := t.Component(e.Component)
		if c == nil {
			return nil, errors.New(ErrCodeConfiguration, "health entry names an unknown component").
				WithContext("component", e.Component)
		}
		if c.kind == KindPassive {
			return nil, errors.New(ErrCodeConfiguration, "passive components have no queue to ping").
				WithContext("component", e.Component)
		}
		if seen[e.Component] || c.pingSink != nil {
			return nil, errors.New(ErrCodeConfiguration, "component is already monitored").
				WithContext("component", e.Component)
		}
		seen[e.Component] = true

		warn, fatal := e.Warn, e.Fatal
		if warn <= 0 {
			warn = DefaultPingWarn
		}
		if fatal <= 0 {
			fatal = DefaultPingFatal
		}
		if fatal < warn {
			return nil, errors.New(ErrCodeConfiguration, "fatal threshold below warning threshold").
				WithContext("component", e.Component).
				WithContext("warn", warn).
				WithContext("fatal", fatal)
		}
		h.targets = append(h.targets, &pingTarget{
			comp:  c,
			warn:  int32(warn),  // #nosec G115 -- deployment-sized thresholds
			fatal: int32(fatal), // #nosec G115 -- deployment-sized thresholds
		})
	}

	comp, err := t.NewComponent(ComponentConfig{
		Name:     config.Name,
		Kind:     KindPassive,
		Reporter: config.Reporter,
		OnFault:  config.OnFault,
	})
	if err != nil {
		return nil, err
	}
	sched, err := comp.AddInput(InputConfig{
		Name:    "sched",
		Kind:    PortSync,
		Schema:  SchedSchema,
		Handler: h.cycle,
	})
	if err != nil {
		return nil, err
	}
	h.comp = comp
	h.sched = sched

	for _, pt := range h.targets {
		target := pt
		target.comp.pingSink = func(token uint32) { h.reply(target, token) }
	}
	t.addHealth(h)
	return h, nil
}

// Component returns the monitor's own passive component.
func (h *Health) Component() *Component { return h.comp }

// Sched returns the scheduling port to add to a rate group.
func (h *Health) Sched() *InputPort { return h.sched }

// SetEnabled turns pinging on or off. Disabling clears every outstanding
// count.
func (h *Health) SetEnabled(on bool) {
	h.enabled.Store(on)
	if !on {
		for _, pt := range h.targets {
			pt.pending.Store(false)
			pt.outstanding.Store(0)
			pt.status.Store(int32(HealthOK))
		}
	}
}

// Enabled reports whether pinging is on.
func (h *Health) Enabled() bool { return h.enabled.Load() }

func (h *Health) cycle(_ *Call) error {
	if !h.enabled.Load() {
		return nil
	}
	for _, pt := range h.targets {
		if pt.pending.Load() {
			h.evaluate(pt, pt.outstanding.Add(1))
			continue
		}

		token := pt.seq.Add(1)
		pt.pending.Store(true)
		if pt.comp.queue.enqueuePing(token) {
			pt.pings.Add(1)
			continue
		}
		// A full or closed queue misses the cycle without a ping in flight.
		pt.pending.Store(false)
		pt.missed.Add(1)
		h.evaluate(pt, pt.outstanding.Add(1))
	}
	return nil
}

func (h *Health) reply(pt *pingTarget, token uint32) {
	if token != pt.seq.Load() || !pt.pending.CompareAndSwap(true, false) {
		return
	}
	pt.replies.Add(1)
	pt.outstanding.Store(0)
	if prev := HealthStatus(pt.status.Swap(int32(HealthOK))); prev != HealthOK {
		h.reporter.ReportEvent(EventInfo, EventHealthRecovered, pt.comp.name, map[string]interface{}{
			"previous": prev.String(),
		})
	}
}

func (h *Health) evaluate(pt *pingTarget, outstanding int32) {
	status := HealthStatus(pt.status.Load())
	switch {
	case outstanding >= pt.fatal && status < HealthFatal:
		pt.status.Store(int32(HealthFatal))
		pt.fatals.Add(1)
		err := errors.New(ErrCodeHealthTimeout, "component stopped answering pings").
			WithContext("component", pt.comp.name).
			WithContext("cycles", int(outstanding))
		h.reporter.ReportEvent(EventFault, EventHealthFatal, pt.comp.name, map[string]interface{}{
			"cycles": int(outstanding),
			"fatal":  int(pt.fatal),
		})
		if h.onFault != nil {
			h.onFault(err, pt.comp.name)
		}
	case outstanding >= pt.warn && status < HealthWarn:
		pt.status.Store(int32(HealthWarn))
		pt.warnings.Add(1)
		h.reporter.ReportEvent(EventWarn, EventHealthWarn, pt.comp.name, map[string]interface{}{
			"cycles": int(outstanding),
			"warn":   int(pt.warn),
		})
	}
}

// Status returns the current status of a monitored component.
func (h *Health) Status(component string) (HealthStatus, bool) {
	for _, pt := range h.targets {
		if pt.comp.name == component {
			return HealthStatus(pt.status.Load()), true
		}
	}
	return HealthOK, false
}

// Stats returns one snapshot per monitored component.
func (h *Health) Stats() []HealthStats {
	out := make([]HealthStats, len(h.targets))
	for i, pt := range h.targets {
		out[i] = HealthStats{
			Component:   pt.comp.name,
			Status:      HealthStatus(pt.status.Load()).String(),
			Outstanding: int(pt.outstanding.Load()),
			Warn:        int(pt.warn),
			Fatal:       int(pt.fatal),
			Pings:       pt.pings.Load(),
			Replies:     pt.replies.Load(),
			Missed:      pt.missed.Load(),
			Warnings:    pt.warnings.Load(),
			Fatals:      pt.fatals.Load(),
		}
	}
	return out
}
