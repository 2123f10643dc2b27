// component.go: Passive, queued and active components and the dispatch loop
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agilira/go-errors"
)

// Kind of a component
type Kind int

const (
	// KindPassive has no queue: every call runs on the caller's context.
	KindPassive Kind = iota

	// KindQueued has a queue but no execution context; an external driver
	// pumps it with Dispatch.
	KindQueued

	// KindActive has a queue and its own dispatch goroutine.
	KindActive
)

func (k Kind) String() string {
	switch k {
	case KindPassive:
		return "passive"
	case KindQueued:
		return "queued"
	case KindActive:
		return "active"
	default:
		return "unknown"
	}
}

// ParseKind converts a kind name to a Kind.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "passive", "":
		return KindPassive, nil
	case "queued":
		return KindQueued, nil
	case "active":
		return KindActive, nil
	}
	return KindPassive, errors.New(ErrCodeInvalidConfig, "unknown component kind").WithContext("kind", name)
}

// State of a component's lifecycle
type State int32

const (
	StateUninitialized State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ComponentConfig configures a component. Queue is ignored for passive
// components.
type ComponentConfig struct {
	Name     string
	Kind     Kind
	Queue    QueueConfig
	Buffers  *BufferManager
	Reporter Reporter
	OnFault  FaultHandler
}

// ComponentStats is a read-only snapshot of a component
type ComponentStats struct {
	Name          string      `json:"name" yaml:"name"`
	Kind          string      `json:"kind" yaml:"kind"`
	State         string      `json:"state" yaml:"state"`
	Dispatched    uint64      `json:"dispatched" yaml:"dispatched"`
	HandlerErrors uint64      `json:"handler_errors" yaml:"handler_errors"`
	Panics        uint64      `json:"panics" yaml:"panics"`
	Pings         uint64      `json:"pings" yaml:"pings"`
	Queue         *QueueStats `json:"queue,omitempty" yaml:"queue,omitempty"`
}

// Component is a unit of computation reachable only through its ports.
//
// Handlers of one component never run concurrently with each other when
// they are guarded or async: both take the component lock. Sync handlers
// run unlocked on the caller's context.
type Component struct {
	name     string
	kind     Kind
	queue    *Queue
	buffers  *BufferManager
	reporter Reporter
	onFault  FaultHandler

	mu      sync.Mutex // Component lock: guarded ports and dispatch
	inputs  []*InputPort
	outputs []*OutputPort

	pump sync.Mutex // Serializes Dispatch of a queued component

	state     atomic.Int32
	sealed    atomic.Bool
	stoppedCh chan struct{}
	pingSink  func(token uint32)

	dispatched    atomic.Uint64
	handlerErrors atomic.Uint64
	panics        atomic.Uint64
	pings         atomic.Uint64
}

// NewComponent builds a component. Queued and active components get their
// queue here, fully preallocated.
func NewComponent(config ComponentConfig) (*Component, error) {
	if strings.TrimSpace(config.Name) == "" {
		return nil, errors.New(ErrCodeConfiguration, "component name is required")
	}
	if strings.ContainsAny(config.Name, ". ") {
		return nil, errors.New(ErrCodeConfiguration, "component name must not contain dots or spaces").
			WithContext("component", config.Name)
	}
	if config.Kind < KindPassive || config.Kind > KindActive {
		return nil, errors.New(ErrCodeConfiguration, "unknown component kind").
			WithContext("component", config.Name)
	}

	reporter := config.Reporter
	if reporter == nil {
		reporter = nopReporter{}
	}

	c := &Component{
		name:      config.Name,
		kind:      config.Kind,
		buffers:   config.Buffers,
		reporter:  reporter,
		onFault:   config.OnFault,
		stoppedCh: make(chan struct{}),
	}

	if config.Kind != KindPassive {
		qc := config.Queue
		if qc.Name == "" {
			qc.Name = config.Name
		}
		if qc.Reporter == nil {
			qc.Reporter = reporter
		}
		q, err := NewQueue(qc)
		if err != nil {
			return nil, err
		}
		c.queue = q
	}
	return c, nil
}

func (c *Component) Name() string            { return c.name }
func (c *Component) Kind() Kind              { return c.kind }
func (c *Component) Queue() *Queue           { return c.queue }
func (c *Component) Buffers() *BufferManager { return c.buffers }
func (c *Component) State() State            { return State(c.state.Load()) }
func (c *Component) Done() <-chan struct{}   { return c.stoppedCh }
func (c *Component) Inputs() []*InputPort    { return append([]*InputPort(nil), c.inputs...) }
func (c *Component) Outputs() []*OutputPort  { return append([]*OutputPort(nil), c.outputs...) }
func (c *Component) Reporter() Reporter      { return c.reporter }

// Input returns the input port with the given name, or nil.
func (c *Component) Input(name string) *InputPort {
	for _, p := range c.inputs {
		if p.name == name {
			return p
		}
	}
	return nil
}

// Output returns the output port with the given name, or nil.
func (c *Component) Output(name string) *OutputPort {
	for _, p := range c.outputs {
		if p.name == name {
			return p
		}
	}
	return nil
}

// AddInput declares an input port. Its index becomes the opcode of the
// messages addressed to it.
func (c *Component) AddInput(config InputConfig) (*InputPort, error) {
	if err := c.checkDeclare(config.Name); err != nil {
		return nil, err
	}
	if c.Input(config.Name) != nil {
		return nil, errors.New(ErrCodeConfiguration, "duplicate input port").
			WithContext("port", c.name+"."+config.Name)
	}
	if config.Handler == nil {
		return nil, errors.New(ErrCodeConfiguration, "input port needs a handler").
			WithContext("port", c.name+"."+config.Name)
	}
	if config.Kind < PortSync || config.Kind > PortAsync {
		return nil, errors.New(ErrCodeConfiguration, "unknown port kind").
			WithContext("port", c.name+"."+config.Name)
	}
	if config.Kind == PortAsync && c.kind == KindPassive {
		return nil, errors.New(ErrCodeConfiguration, "passive component cannot have async inputs").
			WithContext("port", c.name+"."+config.Name)
	}
	if err := checkSchema(c.name+"."+config.Name, config.Schema); err != nil {
		return nil, err
	}
	if len(c.inputs) > math.MaxUint16 {
		return nil, errors.New(ErrCodeConfiguration, "too many input ports").
			WithContext("component", c.name)
	}

	p := &InputPort{
		owner:    c,
		index:    len(c.inputs),
		name:     config.Name,
		kind:     config.Kind,
		schema:   config.Schema,
		priority: config.Priority,
		handler:  config.Handler,
	}
	c.inputs = append(c.inputs, p)
	return p, nil
}

// AddOutput declares an output port.
func (c *Component) AddOutput(config OutputConfig) (*OutputPort, error) {
	if err := c.checkDeclare(config.Name); err != nil {
		return nil, err
	}
	if c.Output(config.Name) != nil {
		return nil, errors.New(ErrCodeConfiguration, "duplicate output port").
			WithContext("port", c.name+"."+config.Name)
	}
	if err := checkSchema(c.name+"."+config.Name, config.Schema); err != nil {
		return nil, err
	}

	p := &OutputPort{
		owner:         c,
		index:         len(c.outputs),
		name:          config.Name,
		schema:        config.Schema,
		unconnected:   config.Unconnected,
		carriesBuffer: config.CarriesBuffer,
	}
	c.outputs = append(c.outputs, p)
	return p, nil
}

func (c *Component) checkDeclare(port string) error {
	if c.sealed.Load() {
		return errors.New(ErrCodeConfiguration, "ports cannot be added after start").
			WithContext("component", c.name)
	}
	if strings.TrimSpace(port) == "" || strings.ContainsAny(port, ". ") {
		return errors.New(ErrCodeConfiguration, "invalid port name").
			WithContext("component", c.name).
			WithContext("port", port)
	}
	return nil
}

func checkSchema(port string, s Schema) error {
	if err := s.Validate(); err != nil {
		return errors.Wrap(err, ErrCodeConfiguration, "invalid port schema").WithContext("port", port)
	}
	if len(s.Fields) > MaxArgs {
		return errors.New(ErrCodeConfiguration, "too many port arguments").
			WithContext("port", port).
			WithContext("max", MaxArgs)
	}
	if s.MaxSize() > MaxPayloadBytes {
		return errors.New(ErrCodeConfiguration, "port arguments exceed message payload").
			WithContext("port", port).
			WithContext("size", s.MaxSize()).
			WithContext("max", MaxPayloadBytes)
	}
	return nil
}

// Start moves the component to Running. Active components get their
// dispatch goroutine.
func (c *Component) Start() error {
	if !c.state.CompareAndSwap(int32(StateUninitialized), int32(StateRunning)) {
		return errors.New(ErrCodeConfiguration, "component already started").
			WithContext("component", c.name).
			WithContext("state", c.State().String())
	}
	c.sealed.Store(true)

	if c.kind == KindActive {
		go c.run()
	}
	c.reporter.ReportEvent(EventInfo, EventComponentStart, c.name, map[string]interface{}{
		"kind": c.kind.String(),
	})
	return nil
}

// Stop stops the component and waits until it is Stopped. New async calls
// fail with ErrCodeNotRunning as soon as Stop begins; messages accepted
// before that are all dispatched first.
//
// Stop must not be called from one of the component's own handlers; use
// RequestStop there.
func (c *Component) Stop() error {
	return c.StopContext(context.Background())
}

// StopContext is Stop with a deadline on the wait.
func (c *Component) StopContext(ctx context.Context) error {
	c.RequestStop()
	if c.kind != KindActive {
		return nil
	}
	select {
	case <-c.stoppedCh:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), ErrCodeNotRunning, "timed out waiting for component to stop").
			WithContext("component", c.name)
	}
}

// RequestStop starts stopping without waiting. It is safe to call from a
// handler of the component itself.
func (c *Component) RequestStop() {
	for {
		st := c.State()
		switch st {
		case StateStopping, StateStopped:
			return
		case StateUninitialized:
			if !c.state.CompareAndSwap(int32(st), int32(StateStopped)) {
				continue
			}
			c.sealed.Store(true)
			if c.queue != nil {
				c.queue.Close()
			}
			close(c.stoppedCh)
			return
		}

		if c.kind != KindActive {
			if !c.state.CompareAndSwap(int32(StateRunning), int32(StateStopped)) {
				continue
			}
			if c.queue != nil {
				c.queue.Close()
			}
			close(c.stoppedCh)
			c.reporter.ReportEvent(EventInfo, EventComponentStop, c.name, nil)
			return
		}

		if c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
			c.queue.closeWithExit()
			return
		}
	}
}

// run is the dispatch loop of an active component.
func (c *Component) run() {
	msg := new(Message)
	for {
		if err := c.queue.Dequeue(msg); err != nil {
			break
		}
		if msg.kind == kindExit {
			break
		}
		c.dispatchMessage(msg)
	}

	c.state.Store(int32(StateStopped))
	c.reporter.ReportEvent(EventInfo, EventComponentStop, c.name, map[string]interface{}{
		"dispatched": c.dispatched.Load(),
	})
	close(c.stoppedCh)
}

// Dispatch handles at most one queued message of a queued component and
// reports whether it found one. It never blocks on an empty queue.
// Concurrent callers handle messages one at a time in dequeue order; a
// handler must not call Dispatch on its own component.
func (c *Component) Dispatch() (bool, error) {
	if c.kind != KindQueued {
		return false, errors.New(ErrCodeConfiguration, "dispatch is only for queued components").
			WithContext("component", c.name).
			WithContext("kind", c.kind.String())
	}
	msg := messagePool.Get().(*Message)
	defer messagePool.Put(msg)
	c.pump.Lock()
	defer c.pump.Unlock()
	if !c.queue.TryDequeue(msg) {
		return false, nil
	}
	if msg.kind == kindExit {
		return false, nil
	}
	return true, c.dispatchMessage(msg)
}

// DispatchAll drains the queue of a queued component and returns how many
// messages it handled and the first handler error.
func (c *Component) DispatchAll() (int, error) {
	if c.kind != KindQueued {
		_, err := c.Dispatch()
		return 0, err
	}
	n := 0
	var first error
	for {
		ok, err := c.Dispatch()
		if !ok {
			return n, first
		}
		if err != nil && first == nil {
			first = err
		}
		n++
	}
}

func (c *Component) dispatchMessage(msg *Message) error {
	if msg.kind == kindPing {
		c.pings.Add(1)
		if c.pingSink != nil {
			c.pingSink(msg.token)
		}
		return nil
	}

	if int(msg.Opcode) >= len(c.inputs) {
		buf := msg.TakeBuffer()
		if buf.Valid() {
			_ = buf.Release()
		}
		err := errors.New(ErrCodeConfiguration, "message for unknown opcode").
			WithContext("component", c.name).
			WithContext("opcode", int(msg.Opcode))
		c.fail(err, EventHandlerError)
		return err
	}

	p := c.inputs[msg.Opcode]
	call := getCall(p)
	n := len(p.schema.Fields)
	if _, err := p.schema.Decode(msg.Data(), call.argv[:n]); err != nil {
		call.Buffer = msg.TakeBuffer()
		putCall(call)
		c.fail(err, EventHandlerError)
		return err
	}
	call.Args = call.argv[:n]
	call.Buffer = msg.TakeBuffer()

	c.mu.Lock()
	err := c.runHandler(p, call)
	c.mu.Unlock()
	putCall(call)
	c.dispatched.Add(1)
	return err
}

// runHandler invokes the handler, turning panics into errors. Failures are
// counted and reported; they never stop the component.
func (c *Component) runHandler(p *InputPort, call *Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			err = errors.New(ErrCodeHandlerFailed, "handler panicked").
				WithContext("port", p.FullName()).
				WithContext("panic", fmt.Sprint(r))
			c.fail(err, EventHandlerPanic)
		}
	}()

	p.invocations.Add(1)
	if err = p.handler(call); err != nil {
		c.handlerErrors.Add(1)
		c.reporter.ReportEvent(EventWarn, EventHandlerError, c.name, map[string]interface{}{
			"port":  p.name,
			"error": err.Error(),
		})
	}
	return err
}

func (c *Component) fail(err error, event string) {
	if event != EventHandlerPanic {
		c.handlerErrors.Add(1)
	}
	c.reporter.ReportEvent(EventCritical, event, c.name, map[string]interface{}{
		"error": err.Error(),
	})
	if c.onFault != nil {
		c.onFault(err, c.name)
	}
}

// Stats returns a snapshot of the component counters.
func (c *Component) Stats() ComponentStats {
	s := ComponentStats{
		Name:          c.name,
		Kind:          c.kind.String(),
		State:         c.State().String(),
		Dispatched:    c.dispatched.Load(),
		HandlerErrors: c.handlerErrors.Load(),
		Panics:        c.panics.Load(),
		Pings:         c.pings.Load(),
	}
	if c.queue != nil {
		qs := c.queue.Stats()
		s.Queue = &qs
	}
	return s
}
