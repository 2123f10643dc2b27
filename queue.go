// queue.go: Bounded priority mailbox with overflow policies
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agilira/go-errors"
)

// OverflowPolicy defines what Enqueue does when the queue is full
type OverflowPolicy int

const (
	// OverflowBlock suspends the caller until space frees up. Only valid
	// when caller and owner are different execution contexts.
	OverflowBlock OverflowPolicy = iota

	// OverflowDropNewest discards the newest message of the lowest
	// priority, which is the incoming one unless it outranks a queued one.
	OverflowDropNewest

	// OverflowDropOldest evicts the oldest message of the lowest priority
	// to admit the incoming one.
	OverflowDropOldest

	// OverflowHook hands the rejected message to a registered hook.
	OverflowHook
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowBlock:
		return "block"
	case OverflowDropNewest:
		return "drop-newest"
	case OverflowDropOldest:
		return "drop-oldest"
	case OverflowHook:
		return "hook"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy converts a policy name to an OverflowPolicy.
func ParseOverflowPolicy(name string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "block", "":
		return OverflowBlock, nil
	case "drop-newest", "drop_newest", "dropnewest":
		return OverflowDropNewest, nil
	case "drop-oldest", "drop_oldest", "dropoldest":
		return OverflowDropOldest, nil
	case "hook":
		return OverflowHook, nil
	}
	return OverflowBlock, errors.New(ErrCodeInvalidConfig, "unknown overflow policy").
		WithContext("policy", name)
}

// OverflowHandler receives a message that did not fit. It may redirect the
// message elsewhere or synthesize an error report. The message is only
// valid during the call; the hook must copy what it keeps. Moving msg into
// another queue moves its Buffer too.
//
// q is a view of the full queue scoped to the hook: an Enqueue through it
// that overflows again is dropped without calling the hook. Hooks for
// different producers may run concurrently.
type OverflowHandler func(q *Queue, msg *Message) error

// QueueConfig configures a queue. It is fixed once the queue is built.
type QueueConfig struct {
	Name       string
	Capacity   int
	Policy     OverflowPolicy
	StrictFIFO bool // Ignore priorities and dequeue in arrival order
	Hook       OverflowHandler
	Reporter   Reporter
}

// QueueStats is a read-only snapshot of queue counters
type QueueStats struct {
	Name      string `json:"name" yaml:"name"`
	Capacity  int    `json:"capacity" yaml:"capacity"`
	Depth     int    `json:"depth" yaml:"depth"`
	HighWater int    `json:"high_water" yaml:"high_water"`
	Enqueued  uint64 `json:"enqueued" yaml:"enqueued"`
	Dequeued  uint64 `json:"dequeued" yaml:"dequeued"`
	Dropped   uint64 `json:"dropped" yaml:"dropped"`
	Policy    string `json:"policy" yaml:"policy"`
	FIFO      bool   `json:"fifo" yaml:"fifo"`
}

// reservedSlots are kept outside the configured capacity for the exit
// message, so a stop request never fails on a full queue.
const reservedSlots = 1

// Queue is a bounded mailbox. Dequeue order is highest priority first and
// FIFO within a priority (strict FIFO when configured). All storage is
// allocated at construction; Enqueue and Dequeue never allocate.
//
// Any number of producers may enqueue. Only the owning execution context
// may dequeue.
type Queue struct {
	*queueState
	inHook bool // The view handed to the overflow hook
}

type queueState struct {
	hookView *Queue

	name     string
	capacity int
	policy   OverflowPolicy
	fifo     bool
	hook     OverflowHandler
	reporter Reporter

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	slots    []Message
	free     []int32 // Free slot indices (stack)
	order    []int32 // Binary heap of occupied slot indices
	seq      uint64
	users    int // Queued user messages, excluding control messages
	closed   bool
	exitSent bool

	// Counters readable without the lock
	depth     atomic.Int64
	highWater atomic.Int64
	enqueued  atomic.Uint64
	dequeued  atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue builds a queue with all slots preallocated.
func NewQueue(config QueueConfig) (*Queue, error) {
	if config.Capacity <= 0 {
		return nil, errors.New(ErrCodeConfiguration, "queue capacity must be positive").
			WithContext("queue", config.Name).
			WithContext("capacity", config.Capacity)
	}
	if config.Capacity > math.MaxInt32-reservedSlots {
		return nil, errors.New(ErrCodeConfiguration, "queue capacity too large").
			WithContext("queue", config.Name)
	}
	if config.Policy == OverflowHook && config.Hook == nil {
		return nil, errors.New(ErrCodeConfiguration, "hook overflow policy requires a hook").
			WithContext("queue", config.Name)
	}
	if config.Policy < OverflowBlock || config.Policy > OverflowHook {
		return nil, errors.New(ErrCodeConfiguration, "unknown overflow policy").
			WithContext("queue", config.Name)
	}

	reporter := config.Reporter
	if reporter == nil {
		reporter = nopReporter{}
	}

	total := config.Capacity + reservedSlots
	q := &Queue{queueState: &queueState{
		name:     config.Name,
		capacity: config.Capacity,
		policy:   config.Policy,
		fifo:     config.StrictFIFO,
		hook:     config.Hook,
		reporter: reporter,
		slots:    make([]Message, total),
		free:     make([]int32, total),
		order:    make([]int32, 0, total),
	}}
	q.hookView = &Queue{queueState: q.queueState, inHook: true}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	for i := range q.free {
		q.free[i] = int32(total - 1 - i) // #nosec G115 -- total bounded above
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Capacity returns the configured capacity.
func (q *Queue) Capacity() int { return q.capacity }

// Policy returns the overflow policy.
func (q *Queue) Policy() OverflowPolicy { return q.policy }

// Depth returns the current number of queued user messages.
func (q *Queue) Depth() int { return int(q.depth.Load()) }

// HighWaterMark returns the largest depth observed since the last reset.
func (q *Queue) HighWaterMark() int { return int(q.highWater.Load()) }

// Dropped returns how many messages were discarded by overflow handling.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// ResetHighWaterMark clears the high-water mark to the current depth.
func (q *Queue) ResetHighWaterMark() {
	q.mu.Lock()
	q.highWater.Store(int64(q.users))
	q.mu.Unlock()
}

// Stats returns a snapshot of the queue counters without taking the lock.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Name:      q.name,
		Capacity:  q.capacity,
		Depth:     int(q.depth.Load()),
		HighWater: int(q.highWater.Load()),
		Enqueued:  q.enqueued.Load(),
		Dequeued:  q.dequeued.Load(),
		Dropped:   q.dropped.Load(),
		Policy:    q.policy.String(),
		FIFO:      q.fifo,
	}
}

// Enqueue copies msg into the queue. On overflow the configured policy
// applies. On success the queue owns the attached Buffer and msg.Buffer is
// cleared; the caller keeps it whenever an error is returned.
func (q *Queue) Enqueue(msg *Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New(ErrCodeNotRunning, "queue is not accepting messages").
			WithContext("queue", q.name)
	}

	if q.users < q.capacity {
		q.insertLocked(msg, kindCall)
		q.mu.Unlock()
		return nil
	}

	switch q.policy {
	case OverflowBlock:
		for q.users >= q.capacity && !q.closed {
			q.notFull.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return errors.New(ErrCodeNotRunning, "queue closed while waiting for space").
				WithContext("queue", q.name)
		}
		q.insertLocked(msg, kindCall)
		q.mu.Unlock()
		return nil

	case OverflowDropNewest, OverflowDropOldest:
		victim := q.victimLocked(msg.Priority)
		if victim < 0 {
			q.mu.Unlock()
			q.recordDrop(msg, "incoming")
			return errors.New(ErrCodeQueueFull, "queue full, incoming message dropped").
				WithContext("queue", q.name).
				WithContext("policy", q.policy.String())
		}
		var evicted Message
		q.removeAtLocked(victim, &evicted)
		q.insertLocked(msg, kindCall)
		q.mu.Unlock()
		q.recordDrop(&evicted, "evicted")
		q.releaseBuffer(&evicted)
		return nil

	default: // OverflowHook
		q.mu.Unlock()
		if q.inHook {
			q.dropped.Add(1)
			q.reporter.ReportEvent(EventWarn, EventQueueHookDrop, q.name, map[string]interface{}{
				"opcode":   msg.Opcode,
				"priority": int(msg.Priority),
			})
			return errors.New(ErrCodeQueueFull, "queue full while its overflow hook is running").
				WithContext("queue", q.name)
		}
		if err := q.hook(q.hookView, msg); err != nil {
			return err
		}
		// Accepted by the hook: a buffer it did not move is returned.
		q.releaseBuffer(msg)
		return nil
	}
}

// TryEnqueue enqueues msg only if there is room, ignoring the overflow
// policy. It never blocks.
func (q *Queue) TryEnqueue(msg *Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.users >= q.capacity {
		return false
	}
	q.insertLocked(msg, kindCall)
	return true
}

// Dequeue blocks until a message is available and copies it into out.
// It fails with ErrCodeNotRunning once the queue is closed and drained.
func (q *Queue) Dequeue(out *Message) error {
	q.mu.Lock()
	for len(q.order) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.order) == 0 {
		q.mu.Unlock()
		return errors.New(ErrCodeNotRunning, "queue closed").WithContext("queue", q.name)
	}
	q.removeAtLocked(0, out)
	q.mu.Unlock()
	return nil
}

// TryDequeue copies the next message into out without blocking.
func (q *Queue) TryDequeue(out *Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return false
	}
	q.removeAtLocked(0, out)
	return true
}

// Clear removes all queued messages, releasing attached buffers, and
// returns how many user messages were discarded. The high-water mark is
// only reset when resetHighWater is set.
func (q *Queue) Clear(resetHighWater bool) int {
	q.mu.Lock()
	discarded := make([]Buffer, 0, 4)
	n := q.users
	for len(q.order) > 0 {
		var m Message
		q.removeAtLocked(0, &m)
		if m.Buffer.Valid() {
			discarded = append(discarded, m.Buffer)
		}
	}
	q.exitSent = false
	if resetHighWater {
		q.highWater.Store(0)
	}
	q.notFull.Broadcast()
	q.mu.Unlock()

	for i := range discarded {
		_ = discarded[i].Release()
	}
	return n
}

// Close stops admission of new messages and wakes every waiter. Messages
// already queued can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Closed reports whether the queue rejects new messages.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// closeWithExit closes admission and queues the exit message behind
// everything already accepted, using the reserved slot.
func (q *Queue) closeWithExit() {
	q.mu.Lock()
	q.closed = true
	if !q.exitSent {
		q.exitSent = true
		exit := Message{Priority: math.MinInt32}
		q.insertLocked(&exit, kindExit)
	}
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// enqueuePing queues a health ping if there is room. Pings never block and
// never evict.
func (q *Queue) enqueuePing(token uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.users >= q.capacity {
		return false
	}
	ping := Message{Priority: math.MaxInt32, token: token}
	q.insertLocked(&ping, kindPing)
	return true
}

func (q *Queue) insertLocked(msg *Message, kind messageKind) {
	n := len(q.free) - 1
	slot := q.free[n]
	q.free = q.free[:n]

	q.seq++
	s := &q.slots[slot]
	*s = *msg
	s.Seq = q.seq
	s.kind = kind
	msg.Buffer = Buffer{}

	q.order = append(q.order, slot)
	q.siftUp(len(q.order) - 1)

	if kind != kindExit {
		q.users++
		q.enqueued.Add(1)
		depth := int64(q.users)
		q.depth.Store(depth)
		if depth > q.highWater.Load() {
			q.highWater.Store(depth)
		}
	}
	q.notEmpty.Signal()
}

func (q *Queue) removeAtLocked(i int, out *Message) {
	slot := q.order[i]
	last := len(q.order) - 1
	if i != last {
		q.order[i] = q.order[last]
	}
	q.order = q.order[:last]
	if i < len(q.order) {
		q.fix(i)
	}

	s := &q.slots[slot]
	*out = *s
	kind := s.kind
	s.reset()
	q.free = append(q.free, slot)

	if kind != kindExit {
		q.users--
		q.dequeued.Add(1)
		q.depth.Store(int64(q.users))
		q.notFull.Signal()
	}
}

// victimLocked picks the heap position of the message to evict for an
// incoming message of priority p, or -1 when the incoming message itself
// is the one to drop.
func (q *Queue) victimLocked(p Priority) int {
	victim := -1
	for i, slot := range q.order {
		m := &q.slots[slot]
		if m.kind != kindCall {
			continue
		}
		if victim < 0 {
			victim = i
			continue
		}
		v := &q.slots[q.order[victim]]
		mp, vp := m.Priority, v.Priority
		if q.fifo {
			mp, vp = 0, 0
		}
		if mp < vp {
			victim = i
			continue
		}
		if mp == vp {
			if q.policy == OverflowDropNewest && m.Seq > v.Seq {
				victim = i
			}
			if q.policy == OverflowDropOldest && m.Seq < v.Seq {
				victim = i
			}
		}
	}
	if victim < 0 {
		return -1
	}

	vp := q.slots[q.order[victim]].Priority
	if q.fifo {
		vp, p = 0, 0
	}
	// The incoming message is the newest of all, so it loses every tie
	// under drop-newest and wins every tie under drop-oldest.
	if p < vp || (p == vp && q.policy == OverflowDropNewest) {
		return -1
	}
	return victim
}

func (q *Queue) recordDrop(m *Message, which string) {
	q.dropped.Add(1)
	q.reporter.ReportEvent(EventWarn, EventQueueDrop, q.name, map[string]interface{}{
		"opcode":   m.Opcode,
		"priority": int(m.Priority),
		"which":    which,
		"policy":   q.policy.String(),
	})
}

func (q *Queue) releaseBuffer(m *Message) {
	if m.Buffer.Valid() {
		b := m.TakeBuffer()
		_ = b.Release()
	}
}

// before reports whether slot a dequeues ahead of slot b.
func (q *Queue) before(a, b int32) bool {
	ma, mb := &q.slots[a], &q.slots[b]
	if !q.fifo && ma.Priority != mb.Priority {
		return ma.Priority > mb.Priority
	}
	return ma.Seq < mb.Seq
}

func (q *Queue) siftUp(i int) bool {
	moved := false
	for i > 0 {
		parent := (i - 1) / 2
		if !q.before(q.order[i], q.order[parent]) {
			break
		}
		q.order[i], q.order[parent] = q.order[parent], q.order[i]
		i = parent
		moved = true
	}
	return moved
}

func (q *Queue) siftDown(i int) {
	n := len(q.order)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		best := left
		if right := left + 1; right < n && q.before(q.order[right], q.order[left]) {
			best = right
		}
		if !q.before(q.order[best], q.order[i]) {
			return
		}
		q.order[i], q.order[best] = q.order[best], q.order[i]
		i = best
	}
}

func (q *Queue) fix(i int) {
	if !q.siftUp(i) {
		q.siftDown(i)
	}
}
