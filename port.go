// port.go: Typed input and output ports and the invocation stubs
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agilira/go-errors"
)

// Direction of a port
type Direction int

const (
	DirInput Direction = iota
	DirOutput
)

func (d Direction) String() string {
	if d == DirOutput {
		return "output"
	}
	return "input"
}

// PortKind selects how an input port runs its handler
type PortKind int

const (
	// PortSync runs the handler on the caller's execution context.
	PortSync PortKind = iota

	// PortGuarded runs the handler on the caller's execution context under
	// the owning component's lock.
	PortGuarded

	// PortAsync serializes the call into a Message on the owner's queue.
	PortAsync
)

func (k PortKind) String() string {
	switch k {
	case PortSync:
		return "sync"
	case PortGuarded:
		return "guarded"
	case PortAsync:
		return "async"
	default:
		return "unknown"
	}
}

// ParsePortKind converts a kind name to a PortKind.
func ParsePortKind(name string) (PortKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sync", "":
		return PortSync, nil
	case "guarded":
		return PortGuarded, nil
	case "async":
		return PortAsync, nil
	}
	return PortSync, errors.New(ErrCodeInvalidConfig, "unknown port kind").WithContext("kind", name)
}

// UnconnectedPolicy decides what invoking an unconnected output does
type UnconnectedPolicy int

const (
	UnconnectedNoOp UnconnectedPolicy = iota
	UnconnectedFail
)

// Handler implements an input port. The Call is only valid for the
// duration of the handler; it must not be retained.
type Handler func(c *Call) error

// Call carries one invocation into a handler
type Call struct {
	Port   *InputPort
	Args   []Value
	Buffer Buffer // Owned by the handler; TakeBuffer to keep it past return

	ret  Value
	argv [MaxArgs]Value
}

// Arg returns argument i, or the zero Value when out of range.
func (c *Call) Arg(i int) Value {
	if i < 0 || i >= len(c.Args) {
		return Value{}
	}
	return c.Args[i]
}

// SetReturn sets the value returned to a synchronous caller. Async callers
// never see it.
func (c *Call) SetReturn(v Value) { c.ret = v }

// TakeBuffer moves the attached buffer out of the call. A buffer still
// attached when the handler returns goes back to its manager.
func (c *Call) TakeBuffer() Buffer {
	b := c.Buffer
	c.Buffer = Buffer{}
	return b
}

var callPool = sync.Pool{New: func() interface{} { return new(Call) }}

func getCall(p *InputPort) *Call {
	c := callPool.Get().(*Call)
	c.Port = p
	return c
}

func putCall(c *Call) {
	if c.Buffer.Valid() {
		_ = c.Buffer.Release()
	}
	for i := range c.Args {
		c.argv[i] = Value{}
	}
	c.Port = nil
	c.Args = nil
	c.Buffer = Buffer{}
	c.ret = Value{}
	callPool.Put(c)
}

// InputConfig declares an input port
type InputConfig struct {
	Name     string
	Kind     PortKind
	Schema   Schema
	Priority Priority // Async only
	Handler  Handler
}

// InputPort is a handler slot of a component. Its index is the opcode of
// the messages addressed to it.
type InputPort struct {
	owner    *Component
	index    int
	name     string
	kind     PortKind
	schema   Schema
	priority Priority
	handler  Handler

	invocations atomic.Uint64
	rejected    atomic.Uint64
}

func (p *InputPort) Name() string         { return p.name }
func (p *InputPort) Owner() *Component    { return p.owner }
func (p *InputPort) Index() int           { return p.index }
func (p *InputPort) Kind() PortKind       { return p.kind }
func (p *InputPort) Schema() Schema       { return p.schema }
func (p *InputPort) Priority() Priority   { return p.priority }
func (p *InputPort) Direction() Direction { return DirInput }
func (p *InputPort) Invocations() uint64  { return p.invocations.Load() }
func (p *InputPort) Rejected() uint64     { return p.rejected.Load() }
func (p *InputPort) FullName() string     { return p.owner.name + "." + p.name }

// deliver runs or queues one call to the port. On success a non-empty
// *buf has moved to the callee and is cleared; on failure it is left
// untouched for the caller to release.
func (p *InputPort) deliver(args []Value, buf *Buffer) (Value, error) {
	if p.kind == PortAsync {
		return Value{}, p.enqueue(args, buf)
	}

	if err := p.schema.Check(args); err != nil {
		p.rejected.Add(1)
		return Value{}, err
	}
	if st := p.owner.State(); st == StateStopped {
		p.rejected.Add(1)
		return Value{}, errors.New(ErrCodeNotRunning, "component is stopped").
			WithContext("port", p.FullName())
	}

	call := getCall(p)
	call.Args = call.argv[:copy(call.argv[:], args)]
	if buf != nil {
		call.Buffer = *buf
		*buf = Buffer{}
	}

	if p.kind == PortGuarded {
		p.owner.mu.Lock()
		defer p.owner.mu.Unlock()
	}
	err := p.owner.runHandler(p, call)
	ret := call.ret
	putCall(call)
	return ret, err
}

var messagePool = sync.Pool{New: func() interface{} { return new(Message) }}

func (p *InputPort) enqueue(args []Value, buf *Buffer) error {
	msg := messagePool.Get().(*Message)
	defer messagePool.Put(msg)
	msg.reset()

	n, err := p.schema.Encode(msg.Payload[:], args)
	if err != nil {
		p.rejected.Add(1)
		return err
	}
	msg.Len = uint16(n)           // #nosec G115 -- bounded by MaxPayloadBytes
	msg.Opcode = uint16(p.index) // #nosec G115 -- bounded at AddInput
	msg.Priority = p.priority
	if buf != nil {
		msg.Buffer = *buf
	}

	if err := p.owner.queue.Enqueue(msg); err != nil {
		p.rejected.Add(1)
		msg.Buffer = Buffer{}
		return err
	}
	if buf != nil {
		*buf = Buffer{}
	}
	msg.Buffer = Buffer{}
	return nil
}

// OutputConfig declares an output port
type OutputConfig struct {
	Name          string
	Schema        Schema
	Unconnected   UnconnectedPolicy
	CarriesBuffer bool // Calls move a Buffer; at most one destination
}

// OutputPort is a call point of a component. With more than one
// destination it is a serial broadcast port.
type OutputPort struct {
	owner         *Component
	index         int
	name          string
	schema        Schema
	unconnected   UnconnectedPolicy
	carriesBuffer bool

	dests []*InputPort
	calls atomic.Uint64
}

func (p *OutputPort) Name() string         { return p.name }
func (p *OutputPort) Owner() *Component    { return p.owner }
func (p *OutputPort) Index() int           { return p.index }
func (p *OutputPort) Schema() Schema       { return p.schema }
func (p *OutputPort) Direction() Direction { return DirOutput }
func (p *OutputPort) Calls() uint64        { return p.calls.Load() }
func (p *OutputPort) FullName() string     { return p.owner.name + "." + p.name }
func (p *OutputPort) CarriesBuffer() bool  { return p.carriesBuffer }

// Connected reports whether the port has at least one destination.
func (p *OutputPort) Connected() bool { return len(p.dests) > 0 }

// Destinations returns a copy of the connected input ports in call order.
func (p *OutputPort) Destinations() []*InputPort {
	out := make([]*InputPort, len(p.dests))
	copy(out, p.dests)
	return out
}

// Invoke calls every destination in connection order. Sync and guarded
// destinations run before Invoke returns and their return value is
// propagated (the last one for broadcasts). Async destinations only queue
// the call. The first error is returned after all destinations ran.
func (p *OutputPort) Invoke(args ...Value) (Value, error) {
	p.calls.Add(1)
	switch len(p.dests) {
	case 0:
		return Value{}, p.unconnectedResult()
	case 1:
		return p.dests[0].deliver(args, nil)
	}

	var ret Value
	var first error
	for _, in := range p.dests {
		v, err := in.deliver(args, nil)
		if err != nil && first == nil {
			first = err
		}
		ret = v
	}
	return ret, first
}

// InvokeBuffer calls the single destination and hands it *buf. On success
// *buf is cleared: the callee owns the buffer. On failure *buf is left in
// place so the caller can still release it.
func (p *OutputPort) InvokeBuffer(buf *Buffer, args ...Value) (Value, error) {
	p.calls.Add(1)
	if buf == nil || !buf.Valid() {
		return Value{}, errors.New(ErrCodeInvalidHandle, "invalid buffer handed to port").
			WithContext("port", p.FullName())
	}
	switch len(p.dests) {
	case 0:
		return Value{}, p.unconnectedResult()
	case 1:
		return p.dests[0].deliver(args, buf)
	}
	return Value{}, errors.New(ErrCodeConfiguration, "buffer call on a broadcast port").
		WithContext("port", p.FullName()).
		WithContext("destinations", len(p.dests))
}

func (p *OutputPort) unconnectedResult() error {
	if p.unconnected == UnconnectedFail {
		return errors.New(ErrCodeUnconnected, "output port is not connected").
			WithContext("port", p.FullName())
	}
	return nil
}

// Connection is one (output, input) pair of the topology table
type Connection struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
	Kind string `json:"kind" yaml:"kind"`
}

func (c Connection) String() string {
	return fmt.Sprintf("%s -> %s (%s)", c.From, c.To, c.Kind)
}
