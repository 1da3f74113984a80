package bufchain

// Chain is a FIFO of Chunks forming one message's wire bytes. All chunks
// except possibly the last are either fully read from the tail or fully
// written to from the head; see Split for the one operation that needs to
// break that invariant mid-chunk.
type Chain struct {
	chunks []*Chunk
	alloc  *Allocator
}

// NewChain returns an empty chain bound to alloc for chunk accounting.
func NewChain(alloc *Allocator) *Chain {
	return &Chain{alloc: alloc}
}

// PushWrite returns a writable span of at most n bytes (n<=0 means "as much
// as one chunk can give"), drawing a new chunk from the allocator if the
// current tail is full or the chain is empty.
func (ch *Chain) PushWrite(n int) []byte {
	if len(ch.chunks) == 0 || ch.chunks[len(ch.chunks)-1].Full() {
		c := ch.alloc.Get()
		ch.chunks = append(ch.chunks, c)
	}
	tail := ch.chunks[len(ch.chunks)-1]
	return tail.Writable(n)
}

// CommitWrite advances the tail chunk's write cursor by n, the number of
// bytes the caller actually filled into the span returned by PushWrite.
func (ch *Chain) CommitWrite(n int) {
	if len(ch.chunks) == 0 {
		return
	}
	ch.chunks[len(ch.chunks)-1].CommitWrite(n)
}

// PullRead returns a readable span of at most n bytes (n<=0 means "as much as
// the head chunk holds") without consuming it.
func (ch *Chain) PullRead(n int) []byte {
	for len(ch.chunks) > 0 && ch.chunks[0].Len() == 0 {
		ch.dropHead()
	}
	if len(ch.chunks) == 0 {
		return nil
	}
	return ch.chunks[0].Readable(n)
}

// CommitRead advances the head chunk's read cursor by n, releasing the head
// chunk back to the allocator once fully drained.
func (ch *Chain) CommitRead(n int) {
	for n > 0 && len(ch.chunks) > 0 {
		head := ch.chunks[0]
		avail := head.Len()
		if avail > n {
			head.CommitRead(n)
			return
		}
		head.CommitRead(avail)
		n -= avail
		ch.dropHead()
	}
}

func (ch *Chain) dropHead() {
	head := ch.chunks[0]
	ch.chunks = ch.chunks[1:]
	ch.alloc.Put(head)
}

// Len returns the total number of unread bytes across the chain.
func (ch *Chain) Len() int {
	total := 0
	for _, c := range ch.chunks {
		total += c.Len()
	}
	return total
}

// Bytes copies out up to n unread bytes (n<=0 means all of them). Intended
// for tests and for the rare case a full contiguous copy is cheaper than
// iterating chunks (e.g. encoding a synthetic reply).
func (ch *Chain) Bytes(n int) []byte {
	if n <= 0 {
		n = ch.Len()
	}
	out := make([]byte, 0, n)
	remaining := n
	for _, c := range ch.chunks {
		if remaining <= 0 {
			break
		}
		r := c.Readable(remaining)
		out = append(out, r...)
		remaining -= len(r)
	}
	return out
}

// Split breaks the chain at byte offset pos (relative to the first unread
// byte), returning a new chain that holds everything from pos onward. This
// chain is truncated to just the first pos bytes. It does not copy chunk
// payloads except for the one chunk straddling pos, matching the "in-place
// splitting without copying payload" contract for the common case where pos
// falls on a chunk boundary.
func (ch *Chain) Split(pos int) *Chain {
	suffix := &Chain{alloc: ch.alloc}
	idx := 0
	remaining := pos
	for idx < len(ch.chunks) {
		l := ch.chunks[idx].Len()
		if remaining < l {
			break
		}
		remaining -= l
		idx++
	}
	if idx < len(ch.chunks) && remaining > 0 {
		straddling := ch.chunks[idx]
		seg := straddling.Readable(0)[remaining:]
		nc := ch.alloc.Get()
		n := copy(nc.Writable(len(seg)), seg)
		nc.CommitWrite(n)
		straddling.truncate(remaining)
		suffix.chunks = append(suffix.chunks, nc)
		idx++
	}
	if idx < len(ch.chunks) {
		suffix.chunks = append(suffix.chunks, ch.chunks[idx:]...)
		ch.chunks = ch.chunks[:idx]
	}
	return suffix
}

// Release returns every chunk in the chain to the allocator. Callers must not
// use the chain afterward.
func (ch *Chain) Release() {
	for _, c := range ch.chunks {
		ch.alloc.Put(c)
	}
	ch.chunks = nil
}

// Empty reports whether the chain currently holds no unread bytes.
func (ch *Chain) Empty() bool { return ch.Len() == 0 }
