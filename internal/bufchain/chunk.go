// Package bufchain implements the zero-copy byte pipeline described in the
// core design: fixed-size pooled chunks chained per in-flight message, with
// a process-wide byte budget that the connection layer consults for
// backpressure.
package bufchain

import (
	"github.com/valyala/bytebufferpool"
)

// DefaultChunkSize matches the proxy's default mbuf size.
const DefaultChunkSize = 16 * 1024

// Chunk is a fixed-size buffer with four cursors, drawn from an Allocator's
// free list and returned to it by the same goroutine that drew it (the
// event-loop goroutine, in every production call site).
type Chunk struct {
	buf      []byte
	start    int
	readPos  int
	writePos int
	end      int
}

// Reset returns the chunk to an empty state without releasing its backing array.
func (c *Chunk) Reset() {
	c.start = 0
	c.readPos = 0
	c.writePos = 0
}

// Writable returns the span of bytes available for writing, capped at n (n<=0 means no cap).
func (c *Chunk) Writable(n int) []byte {
	avail := c.end - c.writePos
	if n > 0 && n < avail {
		avail = n
	}
	return c.buf[c.writePos : c.writePos+avail]
}

// CommitWrite advances the write cursor after the caller has filled in n bytes
// returned by Writable.
func (c *Chunk) CommitWrite(n int) {
	c.writePos += n
}

// Readable returns the span of unread bytes, capped at n (n<=0 means no cap).
func (c *Chunk) Readable(n int) []byte {
	avail := c.writePos - c.readPos
	if n > 0 && n < avail {
		avail = n
	}
	return c.buf[c.readPos : c.readPos+avail]
}

// CommitRead advances the read cursor after the caller has consumed n bytes.
func (c *Chunk) CommitRead(n int) {
	c.readPos += n
}

// Len returns the number of unread bytes in the chunk.
func (c *Chunk) Len() int { return c.writePos - c.readPos }

// Cap returns the chunk's total capacity.
func (c *Chunk) Cap() int { return c.end - c.start }

// Full reports whether the chunk has no remaining write room.
func (c *Chunk) Full() bool { return c.writePos >= c.end }

// truncate cuts the chunk's unread span down to its first pos bytes. Used by
// Chain.Split when a TCP read crossed a message boundary mid-chunk; the cut
// suffix has already been copied into an allocator-drawn chunk.
func (c *Chunk) truncate(pos int) {
	c.writePos = c.readPos + pos
}

var pool = bytebufferpool.Pool{}

// chunkSize is the fixed chunk size for this process, DefaultChunkSize unless
// SetChunkSize changed it. Only tests call SetChunkSize; the proxy binary
// does not apply the configured mbuf_size here, so it runs with
// DefaultChunkSize.
var chunkSize = DefaultChunkSize

// SetChunkSize configures the process-wide chunk size. Must be called before
// any Allocator is constructed; it is not safe to change at runtime.
func SetChunkSize(n int) {
	if n > 0 {
		chunkSize = n
	}
}

// getChunk draws a byte slice from the shared bytebufferpool and wraps it
// with the fixed-size cursor discipline the chain protocol depends on. The
// pool hands back slices of whatever size happened to be recycled; we only
// ever use the first chunkSize bytes of it so the cursor invariants hold
// regardless of what bytebufferpool returns.
func getChunk() *Chunk {
	bb := pool.Get()
	if cap(bb.B) < chunkSize {
		bb.B = make([]byte, chunkSize)
	}
	c := &Chunk{buf: bb.B[:chunkSize], end: chunkSize}
	return c
}

func putChunk(c *Chunk) {
	// Returning through bytebufferpool lets the pool's size-classing reuse
	// this backing array for the next Get, rather than leaking it to the GC.
	bb := &bytebufferpool.ByteBuffer{B: c.buf}
	pool.Put(bb)
}
