package bufchain

import (
	"sync/atomic"
)

// Allocator tracks the process-wide number of outstanding chunk bytes against
// a soft limit. It is consulted by internal/conn before re-enabling read
// interest on a connection (see the Design Notes on backpressure).
type Allocator struct {
	outstanding atomic.Int64
	softLimit   int64
}

// NewAllocator returns an Allocator with the given soft byte budget
// (maxmemory, from configuration). A non-positive limit disables the budget
// check (OverBudget always reports false).
func NewAllocator(softLimitBytes int64) *Allocator {
	return &Allocator{softLimit: softLimitBytes}
}

// Get draws one chunk from the pool and accounts for its bytes.
func (a *Allocator) Get() *Chunk {
	c := getChunk()
	a.outstanding.Add(int64(c.Cap()))
	return c
}

// Put returns a chunk to the pool and releases its bytes from the budget.
func (a *Allocator) Put(c *Chunk) {
	a.outstanding.Add(-int64(c.Cap()))
	c.Reset()
	putChunk(c)
}

// Outstanding returns the current number of chunk bytes drawn but not yet
// returned.
func (a *Allocator) Outstanding() int64 { return a.outstanding.Load() }

// OverBudget reports whether outstanding bytes exceed the configured soft
// limit.
func (a *Allocator) OverBudget() bool {
	if a.softLimit <= 0 {
		return false
	}
	return a.outstanding.Load() > a.softLimit
}
