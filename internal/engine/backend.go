package engine

import (
	"context"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/pkg/errors"

	"nutproxy/internal/conn"
	"nutproxy/internal/fragment"
	"nutproxy/internal/message"
	"nutproxy/internal/netpoll"
	"nutproxy/internal/resp"
	"nutproxy/internal/serverpool"
	"nutproxy/internal/timeout"
)

// timeoutItem is what the timeout wheel's Node.Value holds for a dispatched
// backend request: the pool it belongs to, the request itself, and the
// backend it was routed to (needed to find and close its connection on
// expiry; Redis gives no partial-response recovery on a connection once one
// of its pipelined requests has gone past deadline).
type timeoutItem struct {
	pr  *PoolRuntime
	msg *message.Message
	be  *serverpool.Backend
}

// sendToBackend queues child's wire bytes onto be's pinned connection,
// dialing one first if none exists yet, or piggybacking on a dial already
// in flight; nothing here may block the event-loop goroutine.
func (e *Engine) sendToBackend(pr *PoolRuntime, be *serverpool.Backend, child *message.Message, wire []byte) {
	st := pr.backends[be]
	if st.conn != nil && st.conn.State != conn.StateClosed {
		st.conn.EnqueueRequest(child, wire)
		e.scheduleWrite(st.conn)
		return
	}

	st.waitQueue = append(st.waitQueue, pendingSend{child: child, wire: wire})
	if st.dialing {
		return
	}
	st.dialing = true

	res, err := pr.Servers.TryConn(context.Background(), be, func(result serverpool.AcquireResult) {
		e.onBackendAcquire(pr, be, result)
	})
	switch {
	case err == nil:
		e.onBackendAcquire(pr, be, serverpool.AcquireResult{Conn: res.Value(), Res: res})
	case err == puddle.ErrNotAvailable:
		// Dial goroutine in flight; onBackendAcquire runs later via Trigger.
	default:
		e.onBackendAcquire(pr, be, serverpool.AcquireResult{Err: err})
	}
}

// onBackendAcquire handles every outcome of Pool.TryConn: a connection ready
// now, or a dial failure. It is the only place backendState.dialing is
// cleared and the only place a fresh backend Conn is wired into the engine.
func (e *Engine) onBackendAcquire(pr *PoolRuntime, be *serverpool.Backend, result serverpool.AcquireResult) {
	st := pr.backends[be]
	st.dialing = false

	if result.Err != nil {
		be.RecordResult(result.Err)
		e.failWaitQueue(pr, st, resp.EncodeError("ERR backend dial failed: "+result.Err.Error()))
		return
	}

	cc := e.wrapBackendConn(pr, be, result)
	if cc == nil {
		be.RecordResult(errors.New("engine: could not register backend connection"))
		e.failWaitQueue(pr, st, resp.EncodeError("ERR backend connection setup failed"))
		return
	}
	be.RecordResult(nil)
	st.conn = cc

	queue := st.waitQueue
	st.waitQueue = nil
	for _, ps := range queue {
		cc.EnqueueRequest(ps.child, ps.wire)
	}
	e.scheduleWrite(cc)
}

// failWaitQueue answers every queued send for a backend that turned out to
// be unreachable, without ever touching a socket.
func (e *Engine) failWaitQueue(pr *PoolRuntime, st *backendState, reply []byte) {
	queue := st.waitQueue
	st.waitQueue = nil
	for _, ps := range queue {
		e.completeChild(pr, ps.child, reply)
	}
}

// wrapBackendConn adopts a freshly (or previously) acquired BackendConn into
// internal/conn's connection machinery, registering it with the poller and
// this engine's backend maps. Returns nil only if the underlying socket
// doesn't expose a raw fd (never true for net.TCPConn in practice).
func (e *Engine) wrapBackendConn(pr *PoolRuntime, be *serverpool.Backend, result serverpool.AcquireResult) *conn.Conn {
	bc := result.Conn
	if existing, ok := bc.EngineConn.(*conn.Conn); ok && existing.State != conn.StateClosed {
		return existing
	}

	fd, err := sockFD(bc.Conn)
	if err != nil {
		result.Res.Destroy()
		return nil
	}

	cc := conn.New(fd, bc.Conn, conn.KindBackend, e.alloc)
	bc.EngineConn = cc
	meta := &backendMeta{pr: pr, backend: be, res: result.Res}
	cc.Dispatch = conn.Dispatch{
		OnReadable: func(c *conn.Conn) error { return e.onBackendReadable(meta, c) },
		OnWritable: e.onBackendWritable,
		OnClose:    func(c *conn.Conn, err error) { e.onBackendClose(meta, c, err) },
	}

	att := &netpoll.Attachment{FD: fd}
	if err := e.poller.AddRead(att); err != nil {
		result.Res.Destroy()
		return nil
	}
	cc.State = conn.StateActive
	e.attach[fd] = att
	e.backendConns[fd] = cc
	e.backendMeta[fd] = meta
	if e.counters != nil {
		e.counters.ServerConnections.Add(1)
	}
	return cc
}

// onBackendReadable performs one bounded read and pairs each completed
// reply with the request at the head of cc.Pending; a backend with more
// buffered than one read takes reports readable again on the next
// level-triggered cycle.
func (e *Engine) onBackendReadable(meta *backendMeta, cc *conn.Conn) error {
	n, err := conn.ReadInto(cc)
	if n > 0 {
		derr := conn.DecodeResponses(cc, func(req, response *message.Message) {
			e.onBackendResponse(meta, req, response)
		})
		if derr != nil {
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

// onBackendResponse is DecodeResponses' pairing callback. Because a timed-out
// request now closes its backend connection immediately (see onChildTimeout),
// every response reaching here pairs with a still-live, not-yet-expired
// request — there is no "late reply for an already-answered request" case to
// guard against any more.
func (e *Engine) onBackendResponse(meta *backendMeta, req, response *message.Message) {
	if req.TimeoutNode != nil {
		e.wheel.Remove(req.TimeoutNode.(*timeout.Node))
		req.TimeoutNode = nil
	}
	meta.backend.RecordResult(nil)
	e.completeChild(meta.pr, req, response.Reply)
	message.Put(response)
}

// onBackendWritable drains a backend connection's outbound queue.
func (e *Engine) onBackendWritable(cc *conn.Conn) error {
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

// onBackendClose tears down a dead backend connection: every still-pending
// request is answered with a synthetic error, the puddle resource is
// destroyed so the pool can dial a replacement (see backendState's doc
// comment), and the ring is rebuilt to reflect the breaker's new verdict.
// When err is errBackendTimeout (onChildTimeout closed this connection
// because one of its pipelined requests ran past deadline), every pending
// request on it, not just the one that actually expired, is answered with
// the timeout error: a stuck connection invalidates every reply still in
// flight on it, not only the single request whose deadline happened to be
// checked first.
func (e *Engine) onBackendClose(meta *backendMeta, cc *conn.Conn, err error) {
	delete(e.backendConns, cc.FD)
	if _, ok := e.attach[cc.FD]; ok {
		e.poller.Delete(cc.FD)
		delete(e.attach, cc.FD)
	}
	delete(e.backendMeta, cc.FD)
	cc.Net.Close()
	if e.counters != nil {
		e.counters.ServerConnections.Add(-1)
	}

	if st := meta.pr.backends[meta.backend]; st != nil && st.conn == cc {
		st.conn = nil
	}

	wasOnline := meta.backend.Online()
	meta.backend.RecordResult(err)
	if meta.res != nil {
		meta.res.Destroy()
	}
	if e.counters != nil && wasOnline && !meta.backend.Online() {
		e.counters.EjectionsTotal.Add(1)
	}
	meta.pr.Servers.RebuildRing()

	closeReply := resp.EncodeError("ERR backend connection closed")
	if err == errBackendTimeout {
		closeReply = resp.EncodeError("ERR " + errBackendTimeout.Error())
	}

	pending := cc.Pending
	cc.Pending = nil
	for _, req := range pending {
		if req.TimeoutNode != nil {
			e.wheel.Remove(req.TimeoutNode.(*timeout.Node))
			req.TimeoutNode = nil
		}
		e.completeChild(meta.pr, req, closeReply)
	}
}

// completeChild marks child done and, if it was a fragment, rolls its
// completion into the parent (coalescing once every sibling is in), then
// flushes the owning client connection's Awaiting queue. Child itself is not
// freed here — that happens once its root message reaches the head of
// Awaiting (see releaseMessage) — except for the defensive fallback below,
// which should never fire in practice since every dispatched message's root
// always has Owner set in handleClientMessage.
func (e *Engine) completeChild(pr *PoolRuntime, child *message.Message, reply []byte) {
	child.Reply = reply
	child.SetFlag(message.FlagDone)

	parent := child.Parent
	if parent == nil {
		e.finishRoot(pr, child)
		return
	}

	if len(reply) > 0 && reply[0] == '-' {
		parent.SetFlag(message.FlagFragError)
	}
	parent.NFragDone++
	if !parent.AllFragsDone() {
		return
	}
	parent.Reply = fragment.Coalesce(parent)
	parent.SetFlag(message.FlagDone)
	e.finishRoot(pr, parent)
}

// finishRoot returns root's quota ticket (if any), records it in the slow
// log if its ingress-to-reply time crossed the configured threshold, and
// flushes its owning connection; root is either an unfragmented dispatch or
// a just-completed fragment parent.
func (e *Engine) finishRoot(pr *PoolRuntime, root *message.Message) {
	if !root.IngressAt.IsZero() {
		e.slowLog.Record(root.Cmd.Name, firstKey(root), time.Since(root.IngressAt))
	}
	if root.HasFlag(message.FlagTicket) {
		pr.Quota.Return()
	}
	if cc, ok := root.Owner.(*conn.Conn); ok {
		e.flushAwaiting(cc)
		return
	}
	message.Put(root)
}

// drainExpired answers every backend request whose deadline has passed
// without a reply, called once per event-loop iteration.
func (e *Engine) drainExpired() {
	now := time.Now().UnixMilli()
	for _, node := range e.wheel.DrainExpired(now) {
		item := node.Value.(timeoutItem)
		item.msg.TimeoutNode = nil
		e.onChildTimeout(item.pr, item.msg, item.be)
	}
}

// onChildTimeout handles a backend request whose deadline has passed without
// a reply. Redis pipelining gives no way to recover a partial
// response stream once one request on a connection has desynced from its
// reply, so the whole backend connection is closed rather than just this one
// request: onBackendClose then answers it, and every other request still
// pipelined on the same connection, with a synthetic timeout error
// (completeChild runs exactly once per request, from that single call site).
// If child is still waiting on a dial in progress (no connection exists yet
// to close), there is nothing for any real reply to race against, so it is
// answered directly here instead.
func (e *Engine) onChildTimeout(pr *PoolRuntime, child *message.Message, be *serverpool.Backend) {
	if e.counters != nil {
		e.counters.TimeoutsTotal.Add(1)
	}
	st := pr.backends[be]
	if st != nil && st.conn != nil && st.conn.State != conn.StateClosed {
		st.conn.Close(errBackendTimeout)
		return
	}
	if st != nil && removeFromWaitQueue(st, child) {
		e.completeChild(pr, child, resp.EncodeError("ERR "+errBackendTimeout.Error()))
	}
}

// removeFromWaitQueue drops child from st's dial-pending send queue if it is
// still there, reporting whether it found it.
func removeFromWaitQueue(st *backendState, child *message.Message) bool {
	for i, ps := range st.waitQueue {
		if ps.child == child {
			st.waitQueue = append(st.waitQueue[:i], st.waitQueue[i+1:]...)
			return true
		}
	}
	return false
}
