package engine

import (
	"net"
	"time"

	"nutproxy/internal/conn"
	"nutproxy/internal/message"
	"nutproxy/internal/netpoll"
	"nutproxy/internal/resp"
	"nutproxy/internal/sentinel"
)

// sentinelRetryInterval is how long onSentinelClose waits before redialing a
// dropped sentinel connection.
const sentinelRetryInterval = 3 * time.Second

// sentinelMeta is the engine-side bookkeeping for one pool's sentinel
// connection: which pool it drives plus a decoder private to this
// connection, since the generic reply stream here (handshake acks, then
// unsolicited pub/sub pushes) doesn't fit internal/conn's strict-FIFO
// DecodeResponses, which only invokes its callback when a request is
// waiting in Pending — exactly backwards for pub/sub.
type sentinelMeta struct {
	pr  *PoolRuntime
	dec resp.ResponseDecoder
}

// startSentinels dials one connection per pool configured with a sentinel
// master name, called once from Run.
func (e *Engine) startSentinels() {
	for _, pr := range e.pools {
		if pr.Sentinel != nil {
			e.dialSentinel(pr)
		}
	}
}

// dialSentinel connects to the configured sentinel address on its own
// goroutine, handing the result back to the event loop via Trigger, the
// same non-blocking handoff acceptLoop and backend dials use.
func (e *Engine) dialSentinel(pr *PoolRuntime) {
	go func() {
		nc, err := net.DialTimeout("tcp", e.cfg.Runtime.SentinelAddr, 2*time.Second)
		e.poller.Trigger(func(arg interface{}) error {
			e.onSentinelDialed(pr, nc, err)
			return nil
		}, nil)
	}()
}

func (e *Engine) onSentinelDialed(pr *PoolRuntime, nc net.Conn, dialErr error) {
	if dialErr != nil {
		if e.log != nil {
			e.log.Warnf("engine: sentinel dial for pool %q failed: %v", pr.Cfg.Name, dialErr)
		}
		e.scheduleSentinelRetry(pr)
		return
	}

	fd, err := sockFD(nc)
	if err != nil {
		nc.Close()
		e.scheduleSentinelRetry(pr)
		return
	}

	cc := conn.New(fd, nc, conn.KindSentinel, e.alloc)
	meta := &sentinelMeta{pr: pr}
	cc.Dispatch = conn.Dispatch{
		OnReadable: func(c *conn.Conn) error { return e.onSentinelReadable(meta, c) },
		OnWritable: e.onSentinelWritable,
		OnClose:    func(c *conn.Conn, err error) { e.onSentinelClose(meta, c, err) },
	}

	att := &netpoll.Attachment{FD: fd}
	if err := e.poller.AddRead(att); err != nil {
		nc.Close()
		e.scheduleSentinelRetry(pr)
		return
	}
	cc.State = conn.StateActive
	e.attach[fd] = att
	e.sentinelConns[fd] = cc

	cc.QueueWrite(pr.Sentinel.Start())
	e.scheduleWrite(cc)
}

func (e *Engine) scheduleSentinelRetry(pr *PoolRuntime) {
	pr.Sentinel.Reset()
	time.AfterFunc(sentinelRetryInterval, func() {
		e.poller.Trigger(func(arg interface{}) error {
			e.dialSentinel(pr)
			return nil
		}, nil)
	})
}

// onSentinelReadable performs one bounded read, decodes every complete RESP
// reply it finished, and drives each through the sentinel client's
// handshake, then (once Steady) treats every further reply as an
// unsolicited pub/sub push.
func (e *Engine) onSentinelReadable(meta *sentinelMeta, cc *conn.Conn) error {
	n, err := conn.ReadInto(cc)
	if n > 0 {
		if derr := e.drainSentinelReplies(meta, cc); derr != nil {
			cc.Close(derr)
			return nil
		}
	}
	if cc.State == conn.StateClosed {
		return nil
	}
	if err != nil {
		cc.Close(err)
	}
	return nil
}

func (e *Engine) drainSentinelReplies(meta *sentinelMeta, cc *conn.Conn) error {
	for {
		res, rmsg, suffix, err := meta.dec.Feed(cc.In)
		if err != nil {
			return err
		}
		if res == resp.Again {
			return nil
		}
		cc.In = suffix
		e.onSentinelReply(meta, cc, rmsg)
		message.Put(rmsg)
		if res == resp.OK {
			return nil
		}
	}
}

// onSentinelReply advances the handshake one step per reply until Steady,
// then treats every further reply as a pub/sub push, repointing the pool's
// backend on a master-switch notification.
func (e *Engine) onSentinelReply(meta *sentinelMeta, cc *conn.Conn, rmsg *message.Message) {
	if meta.pr.Sentinel.State() != sentinel.Steady {
		if next := meta.pr.Sentinel.HandshakeReply(); len(next) > 0 {
			cc.QueueWrite(next)
			e.scheduleWrite(cc)
		}
		return
	}
	if payload, ok := pubsubPayload(rmsg.Reply); ok {
		meta.pr.Sentinel.OnNotification(payload)
	}
}

// pubsubPayload extracts the payload field of a RESP pub/sub push
// ("*3\r\n$7\r\nmessage\r\n$<channel>\r\n$<payload>\r\n"), the shape
// redis-server uses for every SUBSCRIBE notification.
func pubsubPayload(reply []byte) (string, bool) {
	fields := bulkFields(reply)
	if len(fields) != 3 {
		return "", false
	}
	return string(fields[2]), true
}

// bulkFields extracts the bulk-string payloads of a top-level RESP array
// reply, in order, skipping the length/type framing bytes. Used only for
// sentinel pub/sub pushes, which never nest beyond this one level.
func bulkFields(buf []byte) [][]byte {
	if len(buf) == 0 || buf[0] != '*' {
		return nil
	}
	idx := indexCRLF(buf)
	if idx < 0 {
		return nil
	}
	count := atoiField(buf[1:idx])
	pos := idx + 2
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if pos >= len(buf) || buf[pos] != '$' {
			return out
		}
		lidx := indexCRLF(buf[pos:])
		if lidx < 0 {
			return out
		}
		length := atoiField(buf[pos+1 : pos+lidx])
		start := pos + lidx + 2
		if length < 0 || start+length > len(buf) {
			return out
		}
		out = append(out, buf[start:start+length])
		pos = start + length + 2
	}
	return out
}

func indexCRLF(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func atoiField(b []byte) int {
	v := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return v
		}
		v = v*10 + int(c-'0')
	}
	return v
}

func (e *Engine) onSentinelWritable(cc *conn.Conn) error {
	if err := cc.FlushWrite(); err != nil {
		cc.Close(err)
		return nil
	}
	if !cc.HasPendingWrites() {
		if att, ok := e.attach[cc.FD]; ok {
			e.poller.ModRead(att)
		}
	}
	return nil
}

func (e *Engine) onSentinelClose(meta *sentinelMeta, cc *conn.Conn, err error) {
	delete(e.sentinelConns, cc.FD)
	if _, ok := e.attach[cc.FD]; ok {
		e.poller.Delete(cc.FD)
		delete(e.attach, cc.FD)
	}
	cc.Net.Close()
	if e.log != nil {
		e.log.Warnf("engine: sentinel connection for pool %q closed: %v", meta.pr.Cfg.Name, err)
	}
	e.scheduleSentinelRetry(meta.pr)
}
