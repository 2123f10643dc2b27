// port_test.go: Tests for port invocation semantics
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var valueSchema = NewSchema(Field{Name: "value", Type: FieldU32})

// newTestTopology returns a topology stopped at test cleanup.
func newTestTopology(t *testing.T, config Config) *Topology {
	t.Helper()
	topo := NewTopology(config, nil)
	t.Cleanup(func() { _ = topo.Stop() })
	return topo
}

func mustComponent(t *testing.T, topo *Topology, config ComponentConfig) *Component {
	t.Helper()
	c, err := topo.NewComponent(config)
	if err != nil {
		t.Fatalf("NewComponent %s failed: %v", config.Name, err)
	}
	return c
}

func mustInput(t *testing.T, c *Component, config InputConfig) *InputPort {
	t.Helper()
	if config.Schema.Fields == nil {
		config.Schema = valueSchema
	}
	p, err := c.AddInput(config)
	if err != nil {
		t.Fatalf("AddInput %s failed: %v", config.Name, err)
	}
	return p
}

func mustOutput(t *testing.T, c *Component, config OutputConfig) *OutputPort {
	t.Helper()
	if config.Schema.Fields == nil {
		config.Schema = valueSchema
	}
	p, err := c.AddOutput(config)
	if err != nil {
		t.Fatalf("AddOutput %s failed: %v", config.Name, err)
	}
	return p
}

func mustConnect(t *testing.T, topo *Topology, out *OutputPort, in *InputPort) {
	t.Helper()
	if err := topo.Connect(out, in); err != nil {
		t.Fatalf("Connect %s -> %s failed: %v", out.FullName(), in.FullName(), err)
	}
}

func TestSyncPortReturnsValue(t *testing.T) {
	topo := newTestTopology(t, Config{Name: "sync"})
	callee := mustComponent(t, topo, ComponentConfig{Name: "callee"})
	in := mustInput(t, callee, InputConfig{Name: "double", Handler: func(c *Call) error {
		c.SetReturn(U32(uint32(c.Arg(0).Uint()) * 2))
		return nil
	}})
	caller := mustComponent(t, topo, ComponentConfig{Name: "caller"})
	out := mustOutput(t, caller, OutputConfig{Name: "double"})
	mustConnect(t, topo, out, in)

	v, err := out.Invoke(U32(21))
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if v.Uint() != 42 {
		t.Errorf("got %d, expected 42", v.Uint())
	}
	if in.Invocations() != 1 || out.Calls() != 1 {
		t.Errorf("got %d invocations and %d calls, expected 1 and 1", in.Invocations(), out.Calls())
	}
}

func TestSyncPortRejectsSchemaMismatch(t *testing.T) {
	topo := newTestTopology(t, Config{Name: "sync"})
	callee := mustComponent(t, topo, ComponentConfig{Name: "callee"})
	in := mustInput(t, callee, InputConfig{Name: "in", Handler: func(*Call) error { return nil }})
	caller := mustComponent(t, topo, ComponentConfig{Name: "caller"})
	out := mustOutput(t, caller, OutputConfig{Name: "out"})
	mustConnect(t, topo, out, in)

	if _, err := out.Invoke(String("x")); !HasCode(err, ErrCodeSchemaMismatch) {
		t.Errorf("got %v, expected SchemaMismatch", err)
	}
	if in.Rejected() != 1 || in.Invocations() != 0 {
		t.Errorf("got %d rejected, %d invocations", in.Rejected(), in.Invocations())
	}
}

func TestUnconnectedPolicies(t *testing.T) {
	topo := newTestTopology(t, Config{Name: "unconnected"})
	c := mustComponent(t, topo, ComponentConfig{Name: "c"})
	quiet := mustOutput(t, c, OutputConfig{Name: "quiet"})
	strict := mustOutput(t, c, OutputConfig{Name: "strict", Unconnected: UnconnectedFail})

	if _, err := quiet.Invoke(U32(1)); err != nil {
		t.Errorf("no-op policy returned %v", err)
	}
	if _, err := strict.Invoke(U32(1)); !HasCode(err, ErrCodeUnconnected) {
		t.Errorf("got %v, expected Unconnected", err)
	}
}

func TestBroadcastCallsInConnectionOrder(t *testing.T) {
	topo := newTestTopology(t, Config{Name: "broadcast"})
	var order []string
	src := mustComponent(t, topo, ComponentConfig{Name: "src"})
	out := mustOutput(t, src, OutputConfig{Name: "out"})
	for _, name := range []string{"a", "b", "c"} {
		name := name
		c := mustComponent(t, topo, ComponentConfig{Name: name})
		in := mustInput(t, c, InputConfig{Name: "in", Handler: func(*Call) error {
			order = append(order, name)
			return nil
		}})
		mustConnect(t, topo, out, in)
	}

	if _, err := out.Invoke(U32(1)); err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("got order %v, expected [a b c]", order)
	}
}

func TestGuardedPortSerializesCallers(t *testing.T) {
	const callers, calls = 8, 50
	topo := newTestTopology(t, Config{Name: "guarded"})

	var active, maxActive atomic.Int32
	target := mustComponent(t, topo, ComponentConfig{Name: "target"})
	in := mustInput(t, target, InputConfig{Name: "in", Kind: PortGuarded, Handler: func(*Call) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Microsecond)
		active.Add(-1)
		return nil
	}})
	src := mustComponent(t, topo, ComponentConfig{Name: "src"})
	out := mustOutput(t, src, OutputConfig{Name: "out"})
	mustConnect(t, topo, out, in)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				if _, err := out.Invoke(U32(1)); err != nil {
					t.Errorf("Invoke failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if maxActive.Load() != 1 {
		t.Errorf("guarded handler overlapped: max %d concurrent", maxActive.Load())
	}
	if in.Invocations() != callers*calls {
		t.Errorf("got %d invocations, expected %d", in.Invocations(), callers*calls)
	}
}

func TestAsyncPortQueuesCall(t *testing.T) {
	topo := newTestTopology(t, Config{Name: "async"})
	var got []uint64
	sink := mustComponent(t, topo, ComponentConfig{Name: "sink", Kind: KindQueued, Queue: QueueConfig{Capacity: 4}})
	in := mustInput(t, sink, InputConfig{Name: "in", Kind: PortAsync, Handler: func(c *Call) error {
		got = append(got, c.Arg(0).Uint())
		return nil
	}})
	src := mustComponent(t, topo, ComponentConfig{Name: "src"})
	out := mustOutput(t, src, OutputConfig{Name: "out"})
	mustConnect(t, topo, out, in)
	if err := topo.Start(); err != nil {
		t.Fatal(err)
	}

	for i := uint32(1); i <= 3; i++ {
		if _, err := out.Invoke(U32(i)); err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
	}
	if len(got) != 0 {
		t.Fatal("async handler ran on the caller's context")
	}
	n, err := sink.DispatchAll()
	if err != nil || n != 3 {
		t.Fatalf("DispatchAll = %d, %v; expected 3, nil", n, err)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("got %v, expected [1 2 3]", got)
	}
}

func TestAsyncPortFullQueue(t *testing.T) {
	topo := newTestTopology(t, Config{Name: "full"})
	sink := mustComponent(t, topo, ComponentConfig{Name: "sink", Kind: KindQueued,
		Queue: QueueConfig{Capacity: 1, Policy: OverflowDropNewest}})
	in := mustInput(t, sink, InputConfig{Name: "in", Kind: PortAsync, Handler: func(*Call) error { return nil }})
	src := mustComponent(t, topo, ComponentConfig{Name: "src"})
	out := mustOutput(t, src, OutputConfig{Name: "out"})
	mustConnect(t, topo, out, in)

	if _, err := out.Invoke(U32(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := out.Invoke(U32(2)); !HasCode(err, ErrCodeQueueFull) {
		t.Errorf("got %v, expected QueueFull", err)
	}
	if in.Rejected() != 1 {
		t.Errorf("got %d rejected, expected 1", in.Rejected())
	}
}

func TestBufferOwnershipTransfer(t *testing.T) {
	buffers := newTestBufferManager(t, BinConfig{Size: 32, Count: 2})
	topo := NewTopology(Config{Name: "buffers"}, buffers)
	t.Cleanup(func() { _ = topo.Stop() })

	var kept Buffer
	sink := mustComponent(t, topo, ComponentConfig{Name: "sink"})
	keep := mustInput(t, sink, InputConfig{Name: "keep", Handler: func(c *Call) error {
		kept = c.TakeBuffer()
		return nil
	}})
	drop := mustInput(t, sink, InputConfig{Name: "drop", Handler: func(c *Call) error { return nil }})
	src := mustComponent(t, topo, ComponentConfig{Name: "src"})
	outKeep := mustOutput(t, src, OutputConfig{Name: "keep", CarriesBuffer: true})
	outDrop := mustOutput(t, src, OutputConfig{Name: "drop", CarriesBuffer: true})
	mustConnect(t, topo, outKeep, keep)
	mustConnect(t, topo, outDrop, drop)

	b, _ := buffers.Allocate(8)
	if _, err := outKeep.InvokeBuffer(&b, U32(0)); err != nil {
		t.Fatal(err)
	}
	if b.Valid() || b.Size() != 0 {
		t.Error("sender handle must be cleared after a successful hand-off")
	}
	if !kept.Valid() {
		t.Fatal("callee should own the buffer")
	}

	b2, _ := buffers.Allocate(8)
	if _, err := outDrop.InvokeBuffer(&b2, U32(0)); err != nil {
		t.Fatal(err)
	}
	if buffers.FreeCount(0) != 1 {
		t.Errorf("a buffer left on the call must return to its bin, %d free", buffers.FreeCount(0))
	}

	if _, err := outKeep.InvokeBuffer(&Buffer{}, U32(0)); !HasCode(err, ErrCodeInvalidHandle) {
		t.Errorf("got %v, expected InvalidHandle for an empty buffer", err)
	}
	if err := kept.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	reporter := &recordingReporter{}
	var faults atomic.Int32
	topo := newTestTopology(t, Config{Name: "panic", Reporter: reporter, OnFault: func(error, string) { faults.Add(1) }})
	c := mustComponent(t, topo, ComponentConfig{Name: "c"})
	in := mustInput(t, c, InputConfig{Name: "in", Handler: func(*Call) error { panic("boom") }})
	src := mustComponent(t, topo, ComponentConfig{Name: "src"})
	out := mustOutput(t, src, OutputConfig{Name: "out"})
	mustConnect(t, topo, out, in)

	if _, err := out.Invoke(U32(1)); !HasCode(err, ErrCodeHandlerFailed) {
		t.Errorf("got %v, expected HandlerFailed", err)
	}
	if c.Stats().Panics != 1 || faults.Load() != 1 || reporter.count(EventHandlerPanic) != 1 {
		t.Errorf("panic not accounted: %+v, %d faults", c.Stats(), faults.Load())
	}
}

func TestParsePortKind(t *testing.T) {
	for in, expected := range map[string]PortKind{"": PortSync, "SYNC": PortSync, "guarded": PortGuarded, "async": PortAsync} {
		if got, err := ParsePortKind(in); err != nil || got != expected {
			t.Errorf("ParsePortKind(%q) = %v, %v; expected %v", in, got, err, expected)
		}
	}
	if _, err := ParsePortKind("fast"); err == nil {
		t.Error("unknown kind should fail")
	}
}
