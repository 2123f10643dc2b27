// deployment.go: YAML deployment files and the reference component harness
//
// A deployment file declares a whole system: buffer bins, components, rate
// groups, health monitoring, the connection table and the event log. Build
// turns it into a ready-to-start topology whose components carry a small
// fixed set of harness ports:
//
//	sched  input   scheduling port (SchedSchema), driven by a rate group
//	in     input   u32 data input; async on queued and active components
//	out    output  u32 data output, emitted once per sched cycle
//	bufin  input   receives and releases buffers; async when queued
//	bufout output  moves one freshly allocated buffer per sched cycle
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"go.yaml.in/yaml/v3"
)

// Harness port names
const (
	PortSched  = "sched"
	PortIn     = "in"
	PortOut    = "out"
	PortBufIn  = "bufin"
	PortBufOut = "bufout"
)

// DataSchema is the argument schema of the harness data ports.
var DataSchema = NewSchema(Field{Name: "value", Type: FieldU32})

// Deployment is the decoded form of a deployment file
type Deployment struct {
	Name          string           `yaml:"name"`
	BaseTick      time.Duration    `yaml:"base_tick"`
	StopTimeout   time.Duration    `yaml:"stop_timeout"`
	QueueCapacity int              `yaml:"queue_capacity"`
	QueuePolicy   string           `yaml:"queue_policy"`
	Buffers       []BinConfig      `yaml:"buffers"`
	Components    []ComponentSpec  `yaml:"components"`
	RateGroups    []RateGroupSpec  `yaml:"rate_groups"`
	Health        *HealthSpec      `yaml:"health"`
	Connections   []ConnectionSpec `yaml:"connections"`
	EventLog      *EventLogConfig  `yaml:"event_log"`
}

// ComponentSpec declares one harness component
type ComponentSpec struct {
	Name       string        `yaml:"name"`
	Kind       string        `yaml:"kind"`
	Queue      QueueSpec     `yaml:"queue"`
	Sched      PortSpec      `yaml:"sched"`
	In         PortSpec      `yaml:"in"`
	Work       time.Duration `yaml:"work"`        // Simulated handler time per sched cycle
	BufferSize int           `yaml:"buffer_size"` // Bytes allocated per cycle for bufout; 0 disables
}

// QueueSpec configures a component queue
type QueueSpec struct {
	Capacity int    `yaml:"capacity"`
	Policy   string `yaml:"policy"`
	FIFO     bool   `yaml:"fifo"`
}

// PortSpec overrides the kind and priority of a harness input port
type PortSpec struct {
	Kind     string `yaml:"kind"`
	Priority int32  `yaml:"priority"`
}

// RateGroupSpec declares a rate group and its members, "component.port"
type RateGroupSpec struct {
	Name    string        `yaml:"name"`
	Period  time.Duration `yaml:"period"`
	Divisor int           `yaml:"divisor"`
	Members []string      `yaml:"members"`
}

// HealthSpec declares the health monitor and the rate group driving it
type HealthSpec struct {
	Name      string      `yaml:"name"`
	RateGroup string      `yaml:"rate_group"`
	Entries   []PingEntry `yaml:"entries"`
}

// ConnectionSpec is one "component.port" to "component.port" edge
type ConnectionSpec struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LoadDeployment reads and validates a deployment file.
func LoadDeployment(path string) (*Deployment, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to read deployment file").
			WithContext("path", path)
	}
	return ParseDeployment(data)
}

// ParseDeployment decodes and validates a YAML deployment. Unknown keys
// are rejected.
func ParseDeployment(data []byte) (*Deployment, error) {
	var d Deployment
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidConfig, "failed to parse deployment")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Config returns the system configuration declared by the deployment.
func (d *Deployment) Config() Config {
	c := Config{
		Name:          d.Name,
		BaseTick:      d.BaseTick,
		StopTimeout:   d.StopTimeout,
		QueueCapacity: d.QueueCapacity,
	}
	if policy, err := ParseOverflowPolicy(d.QueuePolicy); err == nil {
		c.QueuePolicy = policy
	}
	if d.EventLog != nil {
		c.EventLog = *d.EventLog
	}
	return c
}

// Validate checks the deployment structure without building anything.
// Checks that need the built ports (schemas, deadlock rules, periods)
// run again in Build through Topology.Validate.
func (d *Deployment) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New(ErrCodeInvalidConfig, "deployment name is required")
	}
	if d.BaseTick < 0 || d.StopTimeout < 0 {
		return errors.New(ErrCodeInvalidConfig, "durations must not be negative")
	}
	if _, err := ParseOverflowPolicy(d.QueuePolicy); err != nil {
		return err
	}
	for _, b := range d.Buffers {
		if b.Size <= 0 || b.Count <= 0 {
			return errors.New(ErrCodeInvalidConfig, "buffer bins need a positive size and count").
				WithContext("size", b.Size).
				WithContext("count", b.Count)
		}
	}

	specs := make(map[string]*ComponentSpec, len(d.Components))
	for i := range d.Components {
		cs := &d.Components[i]
		if err := cs.validate(); err != nil {
			return err
		}
		if _, dup := specs[cs.Name]; dup {
			return errors.New(ErrCodeInvalidConfig, "duplicate component").
				WithContext("component", cs.Name)
		}
		specs[cs.Name] = cs
		if cs.BufferSize > 0 && len(d.Buffers) == 0 {
			return errors.New(ErrCodeInvalidConfig, "component moves buffers but no bins are declared").
				WithContext("component", cs.Name)
		}
	}

	groups := make(map[string]bool, len(d.RateGroups))
	for _, rg := range d.RateGroups {
		if rg.Name == "" || rg.Period <= 0 {
			return errors.New(ErrCodeInvalidConfig, "rate groups need a name and a positive period").
				WithContext("rate_group", rg.Name)
		}
		if groups[rg.Name] {
			return errors.New(ErrCodeInvalidConfig, "duplicate rate group").
				WithContext("rate_group", rg.Name)
		}
		groups[rg.Name] = true
		for _, m := range rg.Members {
			if err := checkRef(specs, m, PortSched); err != nil {
				return err
			}
		}
	}

	if h := d.Health; h != nil {
		if !groups[h.RateGroup] {
			return errors.New(ErrCodeInvalidConfig, "health monitor needs an existing rate group").
				WithContext("rate_group", h.RateGroup)
		}
		if h.Name != "" && specs[h.Name] != nil {
			return errors.New(ErrCodeInvalidConfig, "health monitor name collides with a component").
				WithContext("component", h.Name)
		}
		for _, e := range h.Entries {
			if specs[e.Component] == nil {
				return errors.New(ErrCodeInvalidConfig, "health entry names an unknown component").
					WithContext("component", e.Component)
			}
		}
	}

	for _, conn := range d.Connections {
		if err := checkRef(specs, conn.From, PortOut, PortBufOut); err != nil {
			return err
		}
		if err := checkRef(specs, conn.To, PortIn, PortBufIn); err != nil {
			return err
		}
	}
	return nil
}

func (cs *ComponentSpec) validate() error {
	if cs.Name == "" {
		return errors.New(ErrCodeInvalidConfig, "component name is required")
	}
	kind, err := ParseKind(cs.Kind)
	if err != nil {
		return err
	}
	if _, err := ParseOverflowPolicy(cs.Queue.Policy); err != nil {
		return err
	}
	if cs.Queue.Capacity < 0 || cs.Work < 0 || cs.BufferSize < 0 {
		return errors.New(ErrCodeInvalidConfig, "component settings must not be negative").
			WithContext("component", cs.Name)
	}
	for _, ps := range []PortSpec{cs.Sched, cs.In} {
		if ps.Kind == "" {
			continue
		}
		pk, err := ParsePortKind(ps.Kind)
		if err != nil {
			return err
		}
		if pk == PortAsync && kind == KindPassive {
			return errors.New(ErrCodeInvalidConfig, "passive components cannot have async ports").
				WithContext("component", cs.Name)
		}
	}
	if kind == KindQueued && strings.EqualFold(cs.Sched.Kind, PortGuarded.String()) {
		return errors.New(ErrCodeInvalidConfig, "a guarded sched port cannot pump its own queue").
			WithContext("component", cs.Name)
	}
	return nil
}

func checkRef(specs map[string]*ComponentSpec, ref string, ports ...string) error {
	name, port, ok := strings.Cut(ref, ".")
	if !ok || specs[name] == nil {
		return errors.New(ErrCodeInvalidConfig, "reference to an unknown component").
			WithContext("ref", ref)
	}
	for _, p := range ports {
		if port == p {
			return nil
		}
	}
	return errors.New(ErrCodeInvalidConfig, "reference to an unknown port").
		WithContext("ref", ref).
		WithContext("ports", strings.Join(ports, ","))
}

// System is a built deployment
type System struct {
	Topology *Topology
	Buffers  *BufferManager
	Health   *Health
	Events   *EventLogger
}

// Build creates every part of the deployment. config usually comes from
// Config or LoadConfigMultiSource; its Reporter and OnFault are kept, and
// when its event log is enabled the log is opened and added as a reporter.
func (d *Deployment) Build(config Config) (*System, error) {
	cfg := config.WithDefaults()
	sys := &System{}

	if cfg.EventLog.Enabled {
		events, err := NewEventLogger(cfg.EventLog)
		if err != nil {
			return nil, err
		}
		sys.Events = events
		cfg.Reporter = MultiReporter{cfg.Reporter, events}
	}
	fail := func(err error) (*System, error) {
		if sys.Events != nil {
			_ = sys.Events.Close()
		}
		return nil, err
	}

	if len(d.Buffers) > 0 {
		bm, err := NewBufferManager(d.Buffers,
			WithBufferReporter(cfg.Reporter),
			WithBufferFaultHandler(cfg.OnFault))
		if err != nil {
			return fail(err)
		}
		sys.Buffers = bm
	}

	t := NewTopology(*cfg, sys.Buffers)
	sys.Topology = t

	for i := range d.Components {
		if err := d.Components[i].build(t); err != nil {
			return fail(err)
		}
	}

	for _, rs := range d.RateGroups {
		g, err := NewRateGroup(RateGroupConfig{
			Name:     rs.Name,
			Period:   rs.Period,
			Divisor:  rs.Divisor,
			Reporter: cfg.Reporter,
			OnFault:  cfg.OnFault,
		})
		if err != nil {
			return fail(err)
		}
		for _, m := range rs.Members {
			in, err := t.InputPort(m)
			if err != nil {
				return fail(err)
			}
			if err := g.AddMember(in); err != nil {
				return fail(err)
			}
		}
		if err := t.AddRateGroup(g); err != nil {
			return fail(err)
		}
	}

	for _, conn := range d.Connections {
		if err := t.ConnectByName(conn.From, conn.To); err != nil {
			return fail(err)
		}
	}

	if hs := d.Health; hs != nil {
		h, err := NewHealth(t, HealthConfig{Name: hs.Name, Entries: hs.Entries})
		if err != nil {
			return fail(err)
		}
		g := t.RateGroup(hs.RateGroup)
		if g == nil {
			return fail(errors.New(ErrCodeInvalidConfig, "health rate group is not declared").
				WithContext("rate_group", hs.RateGroup))
		}
		if err := g.AddMember(h.Sched()); err != nil {
			return fail(err)
		}
		sys.Health = h
	}

	if err := t.Validate(); err != nil {
		return fail(err)
	}
	return sys, nil
}

// Start starts the topology.
func (s *System) Start() error { return s.Topology.Start() }

// Stop stops the topology and closes the event log.
func (s *System) Stop() error {
	err := s.Topology.Stop()
	if s.Events != nil {
		if cerr := s.Events.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// harness is the behavior behind the ports of a deployed component
type harness struct {
	comp       *Component
	out        *OutputPort
	bufOut     *OutputPort
	work       time.Duration
	bufferSize int

	received atomic.Uint64
	last     atomic.Uint32
}

func (cs *ComponentSpec) build(t *Topology) error {
	kind, err := ParseKind(cs.Kind)
	if err != nil {
		return err
	}
	cc := ComponentConfig{Name: cs.Name, Kind: kind}
	if kind != KindPassive && cs.Queue.Capacity > 0 {
		policy, err := ParseOverflowPolicy(cs.Queue.Policy)
		if err != nil {
			return err
		}
		cc.Queue = QueueConfig{Capacity: cs.Queue.Capacity, Policy: policy, StrictFIFO: cs.Queue.FIFO}
	}
	c, err := t.NewComponent(cc)
	if err != nil {
		return err
	}

	h := &harness{comp: c, work: cs.Work, bufferSize: cs.BufferSize}

	schedKind, err := harnessPortKind(cs.Sched.Kind, kind, true)
	if err != nil {
		return err
	}
	if _, err := c.AddInput(InputConfig{
		Name:     PortSched,
		Kind:     schedKind,
		Schema:   SchedSchema,
		Priority: Priority(cs.Sched.Priority),
		Handler:  h.sched,
	}); err != nil {
		return err
	}

	inKind, err := harnessPortKind(cs.In.Kind, kind, false)
	if err != nil {
		return err
	}
	if _, err := c.AddInput(InputConfig{
		Name:     PortIn,
		Kind:     inKind,
		Schema:   DataSchema,
		Priority: Priority(cs.In.Priority),
		Handler:  h.data,
	}); err != nil {
		return err
	}
	if _, err := c.AddInput(InputConfig{
		Name:    PortBufIn,
		Kind:    inKind,
		Schema:  DataSchema,
		Handler: h.buffer,
	}); err != nil {
		return err
	}

	if h.out, err = c.AddOutput(OutputConfig{Name: PortOut, Schema: DataSchema}); err != nil {
		return err
	}
	h.bufOut, err = c.AddOutput(OutputConfig{Name: PortBufOut, Schema: DataSchema, CarriesBuffer: true})
	return err
}

// harnessPortKind picks the port kind: explicit when given, otherwise
// async on active components, and sync everywhere else.
func harnessPortKind(name string, kind Kind, sched bool) (PortKind, error) {
	if name != "" {
		return ParsePortKind(name)
	}
	switch {
	case kind == KindActive:
		return PortAsync, nil
	case kind == KindQueued && !sched:
		return PortAsync, nil
	default:
		return PortSync, nil
	}
}

func (h *harness) sched(c *Call) error {
	cycle := uint32(c.Arg(0).Uint()) // #nosec G115 -- u32 field
	if h.work > 0 {
		time.Sleep(h.work)
	}

	var first error
	if _, err := h.out.Invoke(U32(cycle)); err != nil {
		first = err
	}
	if h.bufferSize > 0 && h.bufOut.Connected() {
		if err := h.sendBuffer(cycle); err != nil && first == nil {
			first = err
		}
	}
	if h.comp.kind == KindQueued {
		if _, err := h.comp.DispatchAll(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *harness) sendBuffer(cycle uint32) error {
	buf, err := h.comp.buffers.Allocate(h.bufferSize)
	if err != nil {
		return err
	}
	if data := buf.Bytes(); len(data) >= 4 {
		binary.BigEndian.PutUint32(data, cycle)
	}
	if _, err := h.bufOut.InvokeBuffer(&buf, U32(cycle)); err != nil {
		_ = buf.Release()
		return err
	}
	return nil
}

func (h *harness) data(c *Call) error {
	h.received.Add(1)
	h.last.Store(uint32(c.Arg(0).Uint())) // #nosec G115 -- u32 field
	return nil
}

func (h *harness) buffer(c *Call) error {
	buf := c.TakeBuffer()
	h.received.Add(1)
	h.last.Store(uint32(c.Arg(0).Uint())) // #nosec G115 -- u32 field
	return buf.Release()
}
