package conn

import (
	"net"
	"time"

	"nutproxy/internal/message"
	"nutproxy/internal/resp"
)

// maxReadChunk is how many bytes ReadInto asks the socket for per
// EPOLLIN-triggered read: a fixed 16 KiB, the default mbuf size, whatever
// mbuf_size is configured.
const maxReadChunk = 16 * 1024

// readGrace bounds how long a Read may park the event-loop goroutine when a
// readiness event turns out to be spurious. The engine only calls ReadInto
// once per level-triggered EPOLLIN, so in the normal case the data is
// already in the kernel buffer and the deadline never fires; a socket with
// more than maxReadChunk buffered simply reports readable again on the next
// poller cycle.
const readGrace = 5 * time.Millisecond

// ReadInto performs one bounded read of whatever the socket currently has
// available, appending it to c.In. It returns the number of bytes read; 0
// with a nil error means "nothing there after all", which the event loop
// treats as a no-op rather than EOF.
func ReadInto(c *Conn) (int, error) {
	dst := c.In.PushWrite(maxReadChunk)
	c.Net.SetReadDeadline(time.Now().Add(readGrace))
	n, err := c.Net.Read(dst)
	if n > 0 {
		c.In.CommitWrite(n)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n, nil
	}
	return n, err
}

// DecodeRequests drains every complete request currently buffered in c.In,
// invoking onMsg for each. It stops on Again (partial request, wait for more
// bytes) and returns the first parse error it hits, if any; the caller
// must schedule the connection for close on a non-nil error.
func DecodeRequests(c *Conn, onMsg func(*message.Message)) error {
	for {
		res, msg, suffix, err := c.reqDecoder.Feed(c.In)
		if err != nil {
			return err
		}
		if res == resp.Again {
			return nil
		}
		c.In = suffix
		onMsg(msg)
		if res == resp.OK {
			return nil
		}
		// Repair: suffix may already hold a second complete request; loop.
	}
}

// DecodeResponses mirrors DecodeRequests for a backend connection, pairing
// each decoded response with the request at the head of c.Pending (strict
// FIFO) before invoking onResp.
func DecodeResponses(c *Conn, onResp func(req, response *message.Message)) error {
	for {
		res, rmsg, suffix, err := c.respDecoder.Feed(c.In)
		if err != nil {
			return err
		}
		if res == resp.Again {
			return nil
		}
		c.In = suffix
		if len(c.Pending) == 0 {
			message.Put(rmsg)
			if res == resp.OK {
				return nil
			}
			continue
		}
		req := c.Pending[0]
		c.Pending = c.Pending[1:]
		onResp(req, rmsg)
		if res == resp.OK {
			return nil
		}
	}
}

// EnqueueRequest appends req to this backend connection's strict-FIFO
// pending queue immediately before its wire bytes are queued for write;
// callers must do both together so Pending and the actual write order never
// diverge.
func (c *Conn) EnqueueRequest(req *message.Message, wire []byte) {
	c.Pending = append(c.Pending, req)
	c.QueueWrite(wire)
}
