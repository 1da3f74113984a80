// Package timeout wraps a red-black tree keyed by deadline so the event loop
// can ask, in O(log n), "what's the next thing to expire and when" without
// scanning every in-flight request.
package timeout

import (
	"sync/atomic"

	"github.com/petar/GoLLRB/llrb"
)

// Node is one scheduled deadline. The timeout tree only ever hands these
// back out on Min/Remove; callers stash whatever they need (the owning
// message, the connection) in Value.
type Node struct {
	DeadlineMillis int64
	seq            uint64 // breaks ties between two deadlines landing on the same millisecond
	Value          interface{}
}

func (n *Node) Less(than llrb.Item) bool {
	other := than.(*Node)
	if n.DeadlineMillis != other.DeadlineMillis {
		return n.DeadlineMillis < other.DeadlineMillis
	}
	return n.seq < other.seq
}

var seqCounter atomic.Uint64

// Wheel is the ordered tree of pending deadlines for one engine instance.
// GoLLRB's llrb.LLRB is a plain ordered tree, not a multimap, so ties are
// broken with a monotonic sequence counter threaded into every Node.
type Wheel struct {
	tree *llrb.LLRB
}

// New returns an empty Wheel.
func New() *Wheel {
	return &Wheel{tree: llrb.New()}
}

// Insert schedules value to expire at deadlineMillis and returns the Node the
// caller should keep (e.g. in message.Message.TimeoutNode) to cancel it later
// via Remove.
func (w *Wheel) Insert(deadlineMillis int64, value interface{}) *Node {
	n := &Node{DeadlineMillis: deadlineMillis, seq: seqCounter.Add(1), Value: value}
	w.tree.ReplaceOrInsert(n)
	return n
}

// Remove cancels a previously inserted node. Safe to call on an already
// expired or already-removed node (a no-op in that case).
func (w *Wheel) Remove(n *Node) {
	if n == nil {
		return
	}
	w.tree.Delete(n)
}

// Min returns the earliest pending deadline without removing it, or nil if
// the wheel is empty.
func (w *Wheel) Min() *Node {
	item := w.tree.Min()
	if item == nil {
		return nil
	}
	return item.(*Node)
}

// DeleteMin removes and returns the earliest pending deadline, or nil if the
// wheel is empty.
func (w *Wheel) DeleteMin() *Node {
	item := w.tree.DeleteMin()
	if item == nil {
		return nil
	}
	return item.(*Node)
}

// Len returns the number of pending deadlines.
func (w *Wheel) Len() int { return w.tree.Len() }

// DrainExpired removes and returns every node whose deadline is <= nowMillis,
// in ascending deadline order — the event loop calls this once per
// iteration after EpollWait returns.
func (w *Wheel) DrainExpired(nowMillis int64) []*Node {
	var expired []*Node
	for {
		min := w.Min()
		if min == nil || min.DeadlineMillis > nowMillis {
			break
		}
		expired = append(expired, w.DeleteMin())
	}
	return expired
}
