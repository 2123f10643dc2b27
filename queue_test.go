// queue_test.go: Tests for the bounded priority mailbox
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

// recordingReporter collects reported events for assertions
type recordingReporter struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	level     EventLevel
	event     string
	component string
	context   map[string]interface{}
}

func (r *recordingReporter) ReportEvent(level EventLevel, event, component string, context map[string]interface{}) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{level, event, component, context})
	r.mu.Unlock()
}

func (r *recordingReporter) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func newTestQueue(t *testing.T, config QueueConfig) *Queue {
	t.Helper()
	q, err := NewQueue(config)
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}
	return q
}

func enqueuePriorities(t *testing.T, q *Queue, priorities ...Priority) []error {
	t.Helper()
	errs := make([]error, len(priorities))
	for i, p := range priorities {
		msg := Message{Opcode: uint16(i), Priority: p} // #nosec G115 -- test data
		errs[i] = q.Enqueue(&msg)
	}
	return errs
}

func drainPriorities(q *Queue) []Priority {
	var out []Priority
	var m Message
	for q.TryDequeue(&m) {
		out = append(out, m.Priority)
	}
	return out
}

func samePriorities(a, b []Priority) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewQueueRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		config QueueConfig
	}{
		{"zero capacity", QueueConfig{Name: "q"}},
		{"negative capacity", QueueConfig{Name: "q", Capacity: -1}},
		{"hook without callback", QueueConfig{Name: "q", Capacity: 1, Policy: OverflowHook}},
		{"unknown policy", QueueConfig{Name: "q", Capacity: 1, Policy: OverflowPolicy(42)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewQueue(tt.config)
			if !HasCode(err, ErrCodeConfiguration) {
				t.Errorf("got %v, expected a configuration error", err)
			}
		})
	}
}

func TestQueuePriorityThenFIFO(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 8})

	for i, p := range []Priority{1, 3, 1, 2, 3} {
		msg := Message{Opcode: uint16(i), Priority: p} // #nosec G115 -- test data
		if err := q.Enqueue(&msg); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}

	expected := []uint16{1, 4, 3, 0, 2}
	var m Message
	for i, op := range expected {
		if !q.TryDequeue(&m) {
			t.Fatalf("dequeue %d: queue empty", i)
		}
		if m.Opcode != op {
			t.Errorf("dequeue %d: got opcode %d, expected %d", i, m.Opcode, op)
		}
	}
	if q.TryDequeue(&m) {
		t.Error("queue should be empty")
	}
}

func TestQueueStrictFIFOIgnoresPriority(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 4, StrictFIFO: true})
	enqueuePriorities(t, q, 1, 9, 5)

	if got := drainPriorities(q); !samePriorities(got, []Priority{1, 9, 5}) {
		t.Errorf("got %v, expected arrival order", got)
	}
}

func TestQueueDropNewestAdmitsHigherPriority(t *testing.T) {
	reporter := &recordingReporter{}
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 3, Policy: OverflowDropNewest, Reporter: reporter})

	errs := enqueuePriorities(t, q, 1, 1, 1, 5)
	for i, err := range errs {
		if err != nil {
			t.Errorf("enqueue %d: unexpected error %v", i, err)
		}
	}

	if q.Dropped() != 1 {
		t.Errorf("got %d drops, expected 1", q.Dropped())
	}
	if reporter.count(EventQueueDrop) != 1 {
		t.Errorf("expected one drop event, got %d", reporter.count(EventQueueDrop))
	}

	var m Message
	var opcodes []uint16
	for q.TryDequeue(&m) {
		opcodes = append(opcodes, m.Opcode)
	}
	// Priority 5 first, then the two oldest priority-1 messages.
	if len(opcodes) != 3 || opcodes[0] != 3 || opcodes[1] != 0 || opcodes[2] != 1 {
		t.Errorf("got opcodes %v, expected [3 0 1]", opcodes)
	}
}

func TestQueueDropNewestRejectsEqualPriority(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 2, Policy: OverflowDropNewest})
	errs := enqueuePriorities(t, q, 2, 2, 2)

	if !HasCode(errs[2], ErrCodeQueueFull) {
		t.Errorf("got %v, expected QueueFull for the incoming message", errs[2])
	}
	if q.Depth() != 2 {
		t.Errorf("got depth %d, expected 2", q.Depth())
	}
}

func TestQueueDropOldestEvictsOldestLowest(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 3, Policy: OverflowDropOldest})
	errs := enqueuePriorities(t, q, 1, 2, 1, 1)

	if errs[3] != nil {
		t.Fatalf("drop-oldest should admit the incoming message: %v", errs[3])
	}
	var m Message
	var opcodes []uint16
	for q.TryDequeue(&m) {
		opcodes = append(opcodes, m.Opcode)
	}
	// Opcode 0 (oldest priority 1) is evicted.
	if len(opcodes) != 3 || opcodes[0] != 1 || opcodes[1] != 2 || opcodes[2] != 3 {
		t.Errorf("got opcodes %v, expected [1 2 3]", opcodes)
	}
}

func TestQueueDropOldestKeepsHigherPriority(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 2, Policy: OverflowDropOldest})
	errs := enqueuePriorities(t, q, 5, 5, 1)

	if !HasCode(errs[2], ErrCodeQueueFull) {
		t.Errorf("a lower priority message must not evict: got %v", errs[2])
	}
	if got := drainPriorities(q); !samePriorities(got, []Priority{5, 5}) {
		t.Errorf("got %v, expected [5 5]", got)
	}
}

func TestQueueBlockWaitsForSpace(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 1})
	enqueuePriorities(t, q, 1)

	done := make(chan error, 1)
	go func() {
		msg := Message{Opcode: 7}
		done <- q.Enqueue(&msg)
	}()

	select {
	case err := <-done:
		t.Fatalf("Enqueue returned before space was available: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	var m Message
	if err := q.Dequeue(&m); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Enqueue failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Enqueue never resumed")
	}
	if err := q.Dequeue(&m); err != nil || m.Opcode != 7 {
		t.Errorf("got opcode %d (%v), expected 7", m.Opcode, err)
	}
}

func TestQueueCloseWakesBlockedProducer(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 1})
	enqueuePriorities(t, q, 1)

	done := make(chan error, 1)
	go func() {
		msg := Message{}
		done <- q.Enqueue(&msg)
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !HasCode(err, ErrCodeNotRunning) {
			t.Errorf("got %v, expected NotRunning", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the blocked producer")
	}

	// Accepted messages stay dequeueable after Close.
	var m Message
	if err := q.Dequeue(&m); err != nil {
		t.Errorf("Dequeue after Close failed: %v", err)
	}
	if err := q.Dequeue(&m); !HasCode(err, ErrCodeNotRunning) {
		t.Errorf("got %v, expected NotRunning on a drained closed queue", err)
	}
}

func TestQueueHookReceivesOverflow(t *testing.T) {
	var redirected []uint16
	hook := func(q *Queue, msg *Message) error {
		redirected = append(redirected, msg.Opcode)
		return nil
	}
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 1, Policy: OverflowHook, Hook: hook})

	errs := enqueuePriorities(t, q, 1, 2, 3)
	for i, err := range errs {
		if err != nil {
			t.Errorf("enqueue %d: %v", i, err)
		}
	}
	if len(redirected) != 2 || redirected[0] != 1 || redirected[1] != 2 {
		t.Errorf("got %v redirected, expected [1 2]", redirected)
	}
	if q.Depth() != 1 {
		t.Errorf("got depth %d, expected 1", q.Depth())
	}
}

func TestQueueHookReentryDropped(t *testing.T) {
	reporter := &recordingReporter{}
	calls := 0
	hook := func(q *Queue, msg *Message) error {
		calls++
		again := Message{Opcode: 99}
		return q.Enqueue(&again)
	}
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 1, Policy: OverflowHook, Hook: hook, Reporter: reporter})
	enqueuePriorities(t, q, 1)

	msg := Message{Opcode: 2}
	err := q.Enqueue(&msg)
	if !HasCode(err, ErrCodeQueueFull) {
		t.Errorf("got %v, expected the nested overflow to surface as QueueFull", err)
	}
	if calls != 1 {
		t.Errorf("hook called %d times, expected 1", calls)
	}
	if reporter.count(EventQueueHookDrop) != 1 {
		t.Errorf("expected one re-entry drop event")
	}
}

func TestQueueHookRedirectMovesBuffer(t *testing.T) {
	m := newTestBufferManager(t, BinConfig{Size: 32, Count: 2})
	spill := newTestQueue(t, QueueConfig{Name: "spill", Capacity: 4})
	hook := func(q *Queue, msg *Message) error {
		return spill.Enqueue(msg)
	}
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 1, Policy: OverflowHook, Hook: hook})
	enqueuePriorities(t, q, 1)

	buf, err := m.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}
	msg := Message{Opcode: 7, Buffer: buf}
	if err := q.Enqueue(&msg); err != nil {
		t.Fatalf("redirecting enqueue failed: %v", err)
	}
	if msg.Buffer.Valid() || msg.Buffer.mgr != nil {
		t.Error("the caller still holds the buffer after a successful enqueue")
	}

	var out Message
	if !spill.TryDequeue(&out) {
		t.Fatal("redirected message missing from the spill queue")
	}
	if out.Opcode != 7 || !out.Buffer.Valid() {
		t.Errorf("got opcode %d valid=%v, expected the redirected buffer to stay allocated", out.Opcode, out.Buffer.Valid())
	}
	if free := m.FreeCount(0); free != 1 {
		t.Errorf("got %d free blocks, expected 1 while the spill queue owns the buffer", free)
	}
	if err := out.Buffer.Release(); err != nil {
		t.Errorf("releasing the redirected buffer failed: %v", err)
	}
}

func TestQueueHookDropsUnmovedBuffer(t *testing.T) {
	m := newTestBufferManager(t, BinConfig{Size: 32, Count: 1})
	hook := func(q *Queue, msg *Message) error { return nil }
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 1, Policy: OverflowHook, Hook: hook})
	enqueuePriorities(t, q, 1)

	buf, _ := m.Allocate(8)
	msg := Message{Buffer: buf}
	if err := q.Enqueue(&msg); err != nil {
		t.Fatal(err)
	}
	if m.FreeCount(0) != 1 {
		t.Error("a buffer the hook accepted but did not move must return to its bin")
	}
}

func TestQueueHookConcurrentProducers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	hook := func(q *Queue, msg *Message) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 1, Policy: OverflowHook, Hook: hook})
	enqueuePriorities(t, q, 1)

	first := make(chan error, 1)
	go func() {
		msg := Message{Opcode: 1}
		first <- q.Enqueue(&msg)
	}()
	<-started

	// A second producer overflows while the first hook is still running.
	second := make(chan error, 1)
	go func() {
		msg := Message{Opcode: 2}
		second <- q.Enqueue(&msg)
	}()
	select {
	case err := <-second:
		if err != nil {
			t.Errorf("second producer: got %v, expected its message to reach the hook", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second producer did not return")
	}
	close(release)
	if err := <-first; err != nil {
		t.Errorf("first producer: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("hook called %d times, expected 2", calls.Load())
	}
	if q.Dropped() != 0 {
		t.Errorf("got %d dropped, expected 0", q.Dropped())
	}
}

func TestQueueHighWaterAndClear(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 4})
	enqueuePriorities(t, q, 1, 1, 1)

	var m Message
	q.TryDequeue(&m)
	if q.HighWaterMark() != 3 {
		t.Errorf("got high water %d, expected 3", q.HighWaterMark())
	}

	if n := q.Clear(false); n != 2 {
		t.Errorf("Clear removed %d, expected 2", n)
	}
	if q.Depth() != 0 {
		t.Errorf("got depth %d after Clear, expected 0", q.Depth())
	}
	if q.HighWaterMark() != 3 {
		t.Errorf("Clear(false) must keep the high water mark, got %d", q.HighWaterMark())
	}

	q.Clear(true)
	if q.HighWaterMark() != 0 {
		t.Errorf("Clear(true) must reset the high water mark, got %d", q.HighWaterMark())
	}
}

func TestQueueExitUsesReservedSlot(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 2})
	enqueuePriorities(t, q, 1, 1)

	q.closeWithExit()

	var m Message
	var kinds []bool
	for q.TryDequeue(&m) {
		kinds = append(kinds, m.IsControl())
	}
	// Both accepted messages drain before the exit message.
	if len(kinds) != 3 || kinds[0] || kinds[1] || !kinds[2] {
		t.Errorf("got control flags %v, expected [false false true]", kinds)
	}
}

func TestQueuePingNeverEvicts(t *testing.T) {
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 1, Policy: OverflowDropOldest})
	if !q.enqueuePing(1) {
		t.Fatal("ping should fit an empty queue")
	}
	if q.enqueuePing(2) {
		t.Error("ping must not be admitted to a full queue")
	}
	if q.Dropped() != 0 {
		t.Errorf("pings must not evict, got %d drops", q.Dropped())
	}
}

func TestQueueReleasesEvictedBuffers(t *testing.T) {
	m := newTestBufferManager(t, BinConfig{Size: 16, Count: 2})
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 1, Policy: OverflowDropOldest})

	first, _ := m.Allocate(8)
	msg := Message{Buffer: first}
	if err := q.Enqueue(&msg); err != nil {
		t.Fatal(err)
	}
	msg = Message{}
	if err := q.Enqueue(&msg); err != nil {
		t.Fatal(err)
	}

	if got := m.FreeCount(0); got != 2 {
		t.Errorf("evicted buffer not returned: %d free, expected 2", got)
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	const producers, each = 8, 200
	q := newTestQueue(t, QueueConfig{Name: "q", Capacity: 16})

	var received atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		var m Message
		for q.Dequeue(&m) == nil {
			received.Add(1)
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				msg := Message{Priority: Priority(i % 3)}
				if err := q.Enqueue(&msg); err != nil {
					t.Errorf("Enqueue failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	q.Close()
	<-done

	if received.Load() != producers*each {
		t.Errorf("got %d messages, expected %d", received.Load(), producers*each)
	}
	if q.HighWaterMark() > q.Capacity() {
		t.Errorf("high water %d exceeds capacity %d", q.HighWaterMark(), q.Capacity())
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := map[string]OverflowPolicy{
		"":            OverflowBlock,
		"block":       OverflowBlock,
		"drop-newest": OverflowDropNewest,
		"DROP_OLDEST": OverflowDropOldest,
		"hook":        OverflowHook,
	}
	for in, expected := range tests {
		got, err := ParseOverflowPolicy(in)
		if err != nil || got != expected {
			t.Errorf("ParseOverflowPolicy(%q) = %v, %v; expected %v", in, got, err, expected)
		}
	}
	if _, err := ParseOverflowPolicy("spill"); !HasCode(err, ErrCodeInvalidConfig) {
		t.Errorf("got %v, expected InvalidConfig", err)
	}
}
