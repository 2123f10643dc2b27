// buffer.go: Fixed-size buffer bins for zero-copy payload transfer
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/agilira/go-errors"
)

// BinConfig declares one size bin: Count blocks of Size bytes each
type BinConfig struct {
	Size  int `yaml:"size" json:"size"`
	Count int `yaml:"count" json:"count"`
}

// BinStats is a read-only snapshot of one bin
type BinStats struct {
	Size           int    `json:"size" yaml:"size"`
	Total          int    `json:"total" yaml:"total"`
	Allocated      int    `json:"allocated" yaml:"allocated"`
	Free           int    `json:"free" yaml:"free"`
	HighWater      int    `json:"high_water" yaml:"high_water"`
	Exhausted      uint64 `json:"exhausted" yaml:"exhausted"`
	InvalidReturns uint64 `json:"invalid_returns" yaml:"invalid_returns"`
}

// Buffer is a handle to one block of a bin: the owning manager, the block
// coordinates, a generation token and the requested size. Exactly one
// holder owns a Buffer at a time; ownership moves on every port hand-off.
//
// The zero Buffer is the empty handle.
type Buffer struct {
	mgr   *BufferManager
	bin   uint16
	index uint32
	gen   uint32
	size  int
}

// Valid reports whether the handle refers to a block that is still
// allocated under this generation.
func (b Buffer) Valid() bool {
	if b.mgr == nil {
		return false
	}
	return b.mgr.live(b)
}

// Size returns the requested size of the buffer.
func (b Buffer) Size() int { return b.size }

// Context returns the opaque context token (bin and block index).
func (b Buffer) Context() uint32 {
	return uint32(b.bin)<<24 | (b.index & 0x00FFFFFF)
}

// Bytes returns the buffer memory, or nil when the handle is stale.
func (b Buffer) Bytes() []byte {
	if b.mgr == nil || !b.mgr.live(b) {
		return nil
	}
	bn := &b.mgr.bins[b.bin]
	start := int(b.index) * bn.size
	return bn.mem[start : start+b.size : start+bn.size]
}

// Release returns the buffer to its manager and clears the handle.
func (b *Buffer) Release() error {
	if b.mgr == nil {
		return errors.New(ErrCodeInvalidHandle, "release of an empty buffer handle")
	}
	err := b.mgr.Deallocate(*b)
	*b = Buffer{}
	return err
}

type bin struct {
	size  int
	count int
	mem   []byte
	free  []uint32
	taken []bool
	gens  []atomic.Uint32

	allocated atomic.Int64
	highWater atomic.Int64
	exhausted atomic.Uint64
	invalid   atomic.Uint64
}

// BufferManager owns every bin. It is built once at startup and handed to
// the components that need it. Allocate and Deallocate share one lock that
// is never held across handler execution.
type BufferManager struct {
	mu       sync.Mutex
	bins     []bin
	reporter Reporter
	onFault  FaultHandler
}

// BufferManagerOption configures a BufferManager
type BufferManagerOption func(*BufferManager)

// WithBufferReporter sets the observability collaborator for buffer faults.
func WithBufferReporter(r Reporter) BufferManagerOption {
	return func(m *BufferManager) {
		if r != nil {
			m.reporter = r
		}
	}
}

// WithBufferFaultHandler sets the handler invoked on invalid returns.
func WithBufferFaultHandler(h FaultHandler) BufferManagerOption {
	return func(m *BufferManager) { m.onFault = h }
}

// NewBufferManager preallocates every bin. Bins are ordered by increasing
// block size regardless of declaration order.
func NewBufferManager(configs []BinConfig, opts ...BufferManagerOption) (*BufferManager, error) {
	if len(configs) == 0 {
		return nil, errors.New(ErrCodeConfiguration, "buffer manager needs at least one bin")
	}
	if len(configs) > 1<<8 {
		return nil, errors.New(ErrCodeConfiguration, "too many buffer bins").
			WithContext("bins", len(configs))
	}

	sorted := slices.Clone(configs)
	slices.SortStableFunc(sorted, func(a, b BinConfig) int { return a.Size - b.Size })

	m := &BufferManager{
		bins:     make([]bin, len(sorted)),
		reporter: nopReporter{},
	}
	for _, opt := range opts {
		opt(m)
	}

	for i, c := range sorted {
		if c.Size <= 0 || c.Count <= 0 {
			return nil, errors.New(ErrCodeConfiguration, "bin size and count must be positive").
				WithContext("bin", i).
				WithContext("size", c.Size).
				WithContext("count", c.Count)
		}
		if c.Count > 0x00FFFFFF {
			return nil, errors.New(ErrCodeConfiguration, "bin count too large").
				WithContext("bin", i).
				WithContext("count", c.Count)
		}
		bn := &m.bins[i]
		bn.size = c.Size
		bn.count = c.Count
		bn.mem = make([]byte, c.Size*c.Count)
		bn.free = make([]uint32, c.Count)
		bn.taken = make([]bool, c.Count)
		bn.gens = make([]atomic.Uint32, c.Count)
		for j := range bn.free {
			bn.free[j] = uint32(c.Count - 1 - j) // #nosec G115 -- count bounded above
		}
	}
	return m, nil
}

// MaxBlockSize returns the block size of the largest bin.
func (m *BufferManager) MaxBlockSize() int {
	return m.bins[len(m.bins)-1].size
}

// Allocate returns a buffer from the smallest bin whose block size covers
// size, falling through to larger bins when that one is exhausted. When
// nothing can serve the request it returns the empty Buffer and an
// ErrCodeAllocationExhausted error. It never blocks and never truncates.
func (m *BufferManager) Allocate(size int) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, errors.New(ErrCodeInvalidConfig, "buffer size must be positive").
			WithContext("size", size)
	}

	m.mu.Lock()
	for i := range m.bins {
		bn := &m.bins[i]
		if bn.size < size {
			continue
		}
		n := len(bn.free)
		if n == 0 {
			bn.exhausted.Add(1)
			continue
		}
		idx := bn.free[n-1]
		bn.free = bn.free[:n-1]
		bn.taken[idx] = true
		gen := bn.gens[idx].Add(1)
		allocated := bn.allocated.Add(1)
		if allocated > bn.highWater.Load() {
			bn.highWater.Store(allocated)
		}
		m.mu.Unlock()
		return Buffer{mgr: m, bin: uint16(i), index: idx, gen: gen, size: size}, nil // #nosec G115 -- bins bounded to 256
	}
	m.mu.Unlock()

	m.reporter.ReportEvent(EventWarn, EventBufferExhausted, "buffers", map[string]interface{}{
		"requested": size,
		"max_block": m.MaxBlockSize(),
	})
	return Buffer{}, errors.New(ErrCodeAllocationExhausted, "no buffer available for requested size").
		WithContext("requested", size).
		WithContext("max_block", m.MaxBlockSize())
}

// Deallocate returns a block to its bin. Foreign, stale and already-free
// handles fail with ErrCodeInvalidHandle without touching any bin state
// besides that bin's invalid-return counter, and are reported.
func (m *BufferManager) Deallocate(b Buffer) error {
	if b.mgr != m {
		return m.invalid(b, "handle does not belong to this manager")
	}

	m.mu.Lock()
	if int(b.bin) >= len(m.bins) {
		m.mu.Unlock()
		return m.invalid(b, "handle refers to an unknown bin")
	}
	bn := &m.bins[b.bin]
	if int(b.index) >= bn.count {
		m.mu.Unlock()
		bn.invalid.Add(1)
		return m.invalid(b, "handle refers to an unknown block")
	}
	if !bn.taken[b.index] || bn.gens[b.index].Load() != b.gen {
		m.mu.Unlock()
		bn.invalid.Add(1)
		return m.invalid(b, "block already free or handle stale")
	}
	bn.taken[b.index] = false
	bn.gens[b.index].Add(1)
	bn.free = append(bn.free, b.index)
	bn.allocated.Add(-1)
	m.mu.Unlock()
	return nil
}

// Cleanup returns every allocated block to its bin and invalidates every
// live handle. Only for controlled shutdown or reset.
func (m *BufferManager) Cleanup() int {
	m.mu.Lock()
	reclaimed := 0
	for i := range m.bins {
		bn := &m.bins[i]
		bn.free = bn.free[:0]
		for j := bn.count - 1; j >= 0; j-- {
			if bn.taken[j] {
				bn.taken[j] = false
				bn.gens[j].Add(1)
				reclaimed++
			}
			bn.free = append(bn.free, uint32(j)) // #nosec G115 -- count bounded
		}
		bn.allocated.Store(0)
	}
	m.mu.Unlock()

	if reclaimed > 0 {
		m.reporter.ReportEvent(EventInfo, EventBufferCleanup, "buffers", map[string]interface{}{
			"reclaimed": reclaimed,
		})
	}
	return reclaimed
}

// Stats returns per-bin counters. It reads atomics only.
func (m *BufferManager) Stats() []BinStats {
	out := make([]BinStats, len(m.bins))
	for i := range m.bins {
		bn := &m.bins[i]
		allocated := int(bn.allocated.Load())
		out[i] = BinStats{
			Size:           bn.size,
			Total:          bn.count,
			Allocated:      allocated,
			Free:           bn.count - allocated,
			HighWater:      int(bn.highWater.Load()),
			Exhausted:      bn.exhausted.Load(),
			InvalidReturns: bn.invalid.Load(),
		}
	}
	return out
}

// FreeCount returns the free blocks of bin i.
func (m *BufferManager) FreeCount(i int) int {
	bn := &m.bins[i]
	return bn.count - int(bn.allocated.Load())
}

func (m *BufferManager) live(b Buffer) bool {
	if int(b.bin) >= len(m.bins) {
		return false
	}
	bn := &m.bins[b.bin]
	if int(b.index) >= bn.count {
		return false
	}
	return bn.gens[b.index].Load() == b.gen && b.gen&1 == 1
}

func (m *BufferManager) invalid(b Buffer, reason string) error {
	err := errors.New(ErrCodeInvalidHandle, reason).
		WithContext("bin", int(b.bin)).
		WithContext("index", int(b.index)).
		WithContext("gen", int(b.gen))
	m.reporter.ReportEvent(EventFault, EventInvalidHandle, "buffers", map[string]interface{}{
		"bin":    int(b.bin),
		"index":  int(b.index),
		"reason": reason,
	})
	if m.onFault != nil {
		m.onFault(err, "buffers")
	}
	return err
}
