// topology.go: Static connection table and system lifecycle
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
)

// TopologyStats aggregates every read-only counter of a running system
type TopologyStats struct {
	Name       string           `json:"name" yaml:"name"`
	State      string           `json:"state" yaml:"state"`
	Uptime     time.Duration    `json:"uptime" yaml:"uptime"`
	Components []ComponentStats `json:"components" yaml:"components"`
	Buffers    []BinStats       `json:"buffers,omitempty" yaml:"buffers,omitempty"`
	RateGroups []RateGroupStats `json:"rate_groups,omitempty" yaml:"rate_groups,omitempty"`
	Health     []HealthStats    `json:"health,omitempty" yaml:"health,omitempty"`
	Driver     *DriverStats     `json:"driver,omitempty" yaml:"driver,omitempty"`
}

// Topology owns the components, their connections and the rate groups of
// one system. Everything is declared before Start and frozen afterwards.
type Topology struct {
	config  Config
	buffers *BufferManager

	mu         sync.Mutex
	components []*Component
	byName     map[string]*Component
	groups     []*RateGroup
	health     []*Health
	conns      []Connection

	state     atomic.Int32
	startedAt atomic.Int64
	driver    *Driver
	cancel    context.CancelFunc
	runDone   chan struct{}
}

// NewTopology builds an empty topology. buffers may be nil when no
// component moves buffers.
func NewTopology(config Config, buffers *BufferManager) *Topology {
	cfg := config.WithDefaults()
	return &Topology{
		config:  *cfg,
		buffers: buffers,
		byName:  make(map[string]*Component),
	}
}

func (t *Topology) Name() string               { return t.config.Name }
func (t *Topology) Config() Config             { return t.config }
func (t *Topology) Buffers() *BufferManager    { return t.buffers }
func (t *Topology) State() State               { return State(t.state.Load()) }
func (t *Topology) Reporter() Reporter         { return t.config.Reporter }
func (t *Topology) FaultHandler() FaultHandler { return t.config.OnFault }

// NewComponent builds a component with the topology's reporter, fault
// handler and buffer manager, and adds it.
func (t *Topology) NewComponent(config ComponentConfig) (*Component, error) {
	if config.Reporter == nil {
		config.Reporter = t.config.Reporter
	}
	if config.OnFault == nil {
		config.OnFault = t.config.OnFault
	}
	if config.Buffers == nil {
		config.Buffers = t.buffers
	}
	if config.Kind != KindPassive && config.Queue.Capacity == 0 {
		config.Queue.Capacity = t.config.QueueCapacity
		config.Queue.Policy = t.config.QueuePolicy
	}
	c, err := NewComponent(config)
	if err != nil {
		return nil, err
	}
	if err := t.Add(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Add registers a component. Names are unique.
func (t *Topology) Add(c *Component) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkSetupLocked(); err != nil {
		return err
	}
	if c == nil {
		return errors.New(ErrCodeConfiguration, "nil component")
	}
	if _, exists := t.byName[c.name]; exists {
		return errors.New(ErrCodeConfiguration, "duplicate component name").
			WithContext("component", c.name)
	}
	t.components = append(t.components, c)
	t.byName[c.name] = c
	return nil
}

// Component returns the registered component with the given name, or nil.
func (t *Topology) Component(name string) *Component {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byName[name]
}

// Components returns the components in registration order.
func (t *Topology) Components() []*Component {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Component(nil), t.components...)
}

// RateGroups returns the rate groups in registration order.
func (t *Topology) RateGroups() []*RateGroup {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*RateGroup(nil), t.groups...)
}

// RateGroup returns the rate group with the given name, or nil.
func (t *Topology) RateGroup(name string) *RateGroup {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, g := range t.groups {
		if g.name == name {
			return g
		}
	}
	return nil
}

// InputPort resolves "component.port" to an input port.
func (t *Topology) InputPort(ref string) (*InputPort, error) {
	c, port, err := t.resolve(ref)
	if err != nil {
		return nil, err
	}
	p := c.Input(port)
	if p == nil {
		return nil, errors.New(ErrCodeConfiguration, "unknown input port").WithContext("port", ref)
	}
	return p, nil
}

// OutputPort resolves "component.port" to an output port.
func (t *Topology) OutputPort(ref string) (*OutputPort, error) {
	c, port, err := t.resolve(ref)
	if err != nil {
		return nil, err
	}
	p := c.Output(port)
	if p == nil {
		return nil, errors.New(ErrCodeConfiguration, "unknown output port").WithContext("port", ref)
	}
	return p, nil
}

func (t *Topology) resolve(ref string) (*Component, string, error) {
	name, port, ok := strings.Cut(ref, ".")
	if !ok || name == "" || port == "" {
		return nil, "", errors.New(ErrCodeConfiguration, "port reference must be component.port").
			WithContext("ref", ref)
	}
	c := t.Component(name)
	if c == nil {
		return nil, "", errors.New(ErrCodeConfiguration, "unknown component").
			WithContext("component", name)
	}
	return c, port, nil
}

// Connect wires an output port to an input port. Connecting the same
// output to several inputs makes it a serial broadcast port, invoked in
// connection order.
func (t *Topology) Connect(out *OutputPort, in *InputPort) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkSetupLocked(); err != nil {
		return err
	}
	if out == nil || in == nil {
		return errors.New(ErrCodeConfiguration, "connect needs an output and an input port")
	}
	if t.byName[out.owner.name] != out.owner || t.byName[in.owner.name] != in.owner {
		return errors.New(ErrCodeConfiguration, "connected components must belong to the topology").
			WithContext("from", out.FullName()).
			WithContext("to", in.FullName())
	}
	if !out.schema.Equal(in.schema) {
		return errors.New(ErrCodeConfiguration, "port schemas do not match").
			WithContext("from", out.FullName()).
			WithContext("to", in.FullName()).
			WithContext("output_schema", out.schema.String()).
			WithContext("input_schema", in.schema.String())
	}
	if out.owner == in.owner {
		if in.kind == PortGuarded {
			return errors.New(ErrCodeConfiguration, "guarded self-connection would deadlock").
				WithContext("from", out.FullName()).
				WithContext("to", in.FullName())
		}
		if in.kind == PortAsync && in.owner.queue.Policy() == OverflowBlock {
			return errors.New(ErrCodeConfiguration, "blocking async self-connection would deadlock").
				WithContext("from", out.FullName()).
				WithContext("to", in.FullName())
		}
	}
	for _, d := range out.dests {
		if d == in {
			return errors.New(ErrCodeConfiguration, "duplicate connection").
				WithContext("from", out.FullName()).
				WithContext("to", in.FullName())
		}
	}
	if out.carriesBuffer && len(out.dests) > 0 {
		return errors.New(ErrCodeConfiguration, "buffer ports cannot broadcast").
			WithContext("from", out.FullName())
	}

	out.dests = append(out.dests, in)
	t.conns = append(t.conns, Connection{
		From: out.FullName(),
		To:   in.FullName(),
		Kind: in.kind.String(),
	})
	return nil
}

// ConnectByName is Connect with "component.port" references.
func (t *Topology) ConnectByName(from, to string) error {
	out, err := t.OutputPort(from)
	if err != nil {
		return err
	}
	in, err := t.InputPort(to)
	if err != nil {
		return err
	}
	return t.Connect(out, in)
}

// AddRateGroup registers a rate group.
func (t *Topology) AddRateGroup(g *RateGroup) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkSetupLocked(); err != nil {
		return err
	}
	if g == nil {
		return errors.New(ErrCodeConfiguration, "nil rate group")
	}
	for _, existing := range t.groups {
		if existing.name == g.name {
			return errors.New(ErrCodeConfiguration, "duplicate rate group name").
				WithContext("rate_group", g.name)
		}
	}
	t.groups = append(t.groups, g)
	return nil
}

func (t *Topology) addHealth(h *Health) {
	t.mu.Lock()
	t.health = append(t.health, h)
	t.mu.Unlock()
}

func (t *Topology) checkSetupLocked() error {
	if t.State() != StateUninitialized {
		return errors.New(ErrCodeConfiguration, "topology is fixed once started").
			WithContext("topology", t.config.Name).
			WithContext("state", t.State().String())
	}
	return nil
}

// Connections returns the connection table in declaration order.
func (t *Topology) Connections() []Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Connection(nil), t.conns...)
}

// Validate checks the whole topology without starting it.
func (t *Topology) Validate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.validateLocked()
}

func (t *Topology) validateLocked() error {
	for _, c := range t.components {
		if c.State() != StateUninitialized {
			return errors.New(ErrCodeConfiguration, "component already started outside the topology").
				WithContext("component", c.name)
		}
	}
	for _, g := range t.groups {
		if len(g.members) == 0 {
			return errors.New(ErrCodeConfiguration, "rate group has no members").
				WithContext("rate_group", g.name)
		}
		for _, m := range g.members {
			if t.byName[m.owner.name] != m.owner {
				return errors.New(ErrCodeConfiguration, "rate group member outside the topology").
					WithContext("rate_group", g.name).
					WithContext("port", m.FullName())
			}
		}
	}
	if err := t.checkReentryLocked(); err != nil {
		return err
	}
	if t.config.BaseTick > 0 {
		for _, g := range t.groups {
			if g.period != t.config.BaseTick*time.Duration(g.divisor) {
				return errors.New(ErrCodeConfiguration, "rate group period is not its divisor times the base tick").
					WithContext("rate_group", g.name).
					WithContext("period", g.period.String()).
					WithContext("base_tick", t.config.BaseTick.String())
			}
		}
	}
	return nil
}

// checkReentryLocked rejects chains of sync and guarded calls that come
// back to a component while one of its async or guarded handlers is still
// running on the same execution context. Any handler of a component is
// assumed to call any of its outputs.
func (t *Topology) checkReentryLocked() error {
	for _, c := range t.components {
		for _, start := range c.inputs {
			if start.kind == PortSync {
				continue
			}
			if err := walkReentry(start, c, make(map[*Component]bool)); err != nil {
				return err
			}
		}
	}
	return nil
}

func walkReentry(start *InputPort, from *Component, visited map[*Component]bool) error {
	if visited[from] {
		return nil
	}
	visited[from] = true
	origin := start.owner
	for _, out := range from.outputs {
		for _, in := range out.dests {
			if in.owner == origin {
				if in.kind == PortGuarded {
					return errors.New(ErrCodeConfiguration, "call chain re-enters a guarded port while its component lock is held").
						WithContext("handler", start.FullName()).
						WithContext("via", out.FullName()).
						WithContext("to", in.FullName())
				}
				if in.kind == PortAsync && origin.queue != nil && origin.queue.Policy() == OverflowBlock {
					return errors.New(ErrCodeConfiguration, "call chain blocks on the queue of the component running it").
						WithContext("handler", start.FullName()).
						WithContext("via", out.FullName()).
						WithContext("to", in.FullName())
				}
			}
			if in.kind == PortAsync {
				continue
			}
			if err := walkReentry(start, in.owner, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// Start validates the topology and starts every component, then the rate
// group driver when a base tick is configured. A configuration error leaves
// the system not running.
func (t *Topology) Start() error {
	t.mu.Lock()
	if t.State() != StateUninitialized {
		t.mu.Unlock()
		return errors.New(ErrCodeConfiguration, "topology already started").
			WithContext("topology", t.config.Name)
	}
	if err := t.validateLocked(); err != nil {
		t.mu.Unlock()
		return err
	}

	var driver *Driver
	if t.config.BaseTick > 0 && len(t.groups) > 0 {
		d, err := NewDriver(t.config.BaseTick, t.groups...)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		driver = d
	}

	for _, g := range t.groups {
		g.seal()
	}
	for _, c := range t.components {
		c.sealed.Store(true)
	}
	t.state.Store(int32(StateRunning))
	t.startedAt.Store(timecache.CachedTimeNano())
	components := append([]*Component(nil), t.components...)
	t.mu.Unlock()

	for i, c := range components {
		if err := c.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				ctx, cancel := context.WithTimeout(context.Background(), t.config.StopTimeout)
				_ = components[j].StopContext(ctx)
				cancel()
			}
			t.state.Store(int32(StateStopped))
			return err
		}
	}

	if driver != nil {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		t.mu.Lock()
		t.driver = driver
		t.cancel = cancel
		t.runDone = done
		t.mu.Unlock()
		go func() {
			defer close(done)
			_ = driver.Run(ctx)
		}()
	}

	t.config.Reporter.ReportEvent(EventInfo, EventTopologyStart, t.config.Name, map[string]interface{}{
		"components":  len(components),
		"rate_groups": len(t.groups),
		"connections": len(t.conns),
	})
	return nil
}

// Stop halts the rate groups first, then the components in reverse
// registration order, and finally returns every buffer to its bin. It
// returns the first component that failed to stop in time.
func (t *Topology) Stop() error {
	if !t.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		if t.State() == StateUninitialized {
			t.state.Store(int32(StateStopped))
		}
		return nil
	}

	t.mu.Lock()
	driver, cancel, done := t.driver, t.cancel, t.runDone
	t.mu.Unlock()
	if driver != nil {
		driver.Stop()
		cancel()
		<-done
	}

	components := t.Components()
	var first error
	for i := len(components) - 1; i >= 0; i-- {
		ctx, cancel := context.WithTimeout(context.Background(), t.config.StopTimeout)
		err := components[i].StopContext(ctx)
		cancel()
		if err != nil && first == nil {
			first = err
		}
	}

	if t.buffers != nil {
		t.buffers.Cleanup()
	}
	t.state.Store(int32(StateStopped))
	t.config.Reporter.ReportEvent(EventInfo, EventTopologyStop, t.config.Name, nil)
	return first
}

// Driver returns the internal rate group driver, or nil when ticks come
// from outside.
func (t *Topology) Driver() *Driver {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.driver
}

// Stats aggregates the counters of every part of the system. It only reads
// atomics and never blocks the hot path.
func (t *Topology) Stats() TopologyStats {
	t.mu.Lock()
	components := append([]*Component(nil), t.components...)
	groups := append([]*RateGroup(nil), t.groups...)
	health := append([]*Health(nil), t.health...)
	driver := t.driver
	t.mu.Unlock()

	s := TopologyStats{
		Name:       t.config.Name,
		State:      t.State().String(),
		Components: make([]ComponentStats, 0, len(components)),
	}
	if started := t.startedAt.Load(); started > 0 {
		s.Uptime = time.Duration(timecache.CachedTimeNano() - started)
	}
	for _, c := range components {
		s.Components = append(s.Components, c.Stats())
	}
	for _, g := range groups {
		s.RateGroups = append(s.RateGroups, g.Stats())
	}
	for _, h := range health {
		s.Health = append(s.Health, h.Stats()...)
	}
	if t.buffers != nil {
		s.Buffers = t.buffers.Stats()
	}
	if driver != nil {
		ds := driver.Stats()
		s.Driver = &ds
	}
	return s
}
