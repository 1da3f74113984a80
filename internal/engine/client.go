package engine

import (
	"time"

	"nutproxy/internal/conn"
	"nutproxy/internal/memcache"
	"nutproxy/internal/message"
	"nutproxy/internal/resp"
)

// onClientReadable performs one bounded read and dispatches every request it
// completed through the filter chain, then re-arms or pauses read interest
// depending on the connection's resulting pipeline depth. Reading once per
// readiness event keeps the loop goroutine from ever parking in Read: the
// poller is level-triggered, so a socket with more buffered than one read
// takes simply reports readable again next cycle.
func (e *Engine) onClientReadable(poolName string, pr *PoolRuntime, cc *conn.Conn) error {
	n, err := conn.ReadInto(cc)
	if n > 0 {
		var derr error
		if cc.Memcache {
			derr = e.decodeMemcacheRequests(pr, cc)
		} else {
			derr = conn.DecodeRequests(cc, func(msg *message.Message) { e.handleClientMessage(pr, cc, msg) })
		}
		if derr != nil {
			if e.counters != nil {
				e.counters.ParseErrorsTotal.Add(1)
			}
			// A protocol violation poisons everything after it in the byte
			// stream, but replies already owed still drain first.
			e.beginDrainClose(cc)
			e.flushAwaiting(cc)
			return nil
		}
	}
	if cc.State == conn.StateClosed || cc.State == conn.StateClosing {
		return nil
	}
	if err != nil {
		cc.Close(err)
		return nil
	}
	if !cc.Paused && cc.ShouldPause() {
		cc.Paused = true
		if att, ok := e.attach[cc.FD]; ok {
			e.poller.PauseRead(att)
		}
	}
	return nil
}

// beginDrainClose moves cc into Closing and stops reading from it; replies
// already owed keep flowing until Awaiting drains, then the socket closes
// (see scheduleWrite).
func (e *Engine) beginDrainClose(cc *conn.Conn) {
	if cc.State == conn.StateClosed || cc.State == conn.StateClosing {
		return
	}
	cc.State = conn.StateClosing
	if att, ok := e.attach[cc.FD]; ok {
		e.poller.PauseRead(att)
	}
}

// decodeMemcacheRequests adapts memcache.Decoder's byte-slice interface onto
// cc.In, using the same split-then-release-the-consumed-prefix pattern the
// RESP decoders use in internal/conn/readloop.go — safe here because
// memcache.Decoder.Feed already copies out whatever it keeps (the value in a
// SET, a copy of the key) rather than aliasing cc.In's chunks.
func (e *Engine) decodeMemcacheRequests(pr *PoolRuntime, cc *conn.Conn) error {
	var dec memcache.Decoder
	for {
		buf := cc.In.Bytes(0)
		if len(buf) == 0 {
			return nil
		}
		n, msg, incomplete, err := dec.Feed(buf)
		if err != nil {
			return err
		}
		if incomplete {
			return nil
		}
		suffix := cc.In.Split(n)
		cc.In.Release()
		cc.In = suffix
		if msg != nil {
			e.handleClientMessage(pr, cc, msg)
		}
	}
}

// handleClientMessage runs one decoded request through the admission filter
// chain and then either answers it locally (AUTH, PING, a filter verdict)
// or hands it to the pool's router for forwarding.
func (e *Engine) handleClientMessage(pr *PoolRuntime, cc *conn.Conn, msg *message.Message) {
	if cc.State == conn.StateClosing || cc.State == conn.StateClosed {
		// Anything pipelined behind a QUIT (or behind a quota-close) is
		// dropped; the connection only owes the replies already in Awaiting.
		message.Put(msg)
		return
	}
	if e.counters != nil {
		e.counters.RequestsTotal.Add(1)
	}
	msg.Owner = cc
	msg.IngressAt = time.Now()

	if msg.HasFlag(message.FlagError) {
		if e.counters != nil {
			e.counters.ParseErrorsTotal.Add(1)
		}
		e.answerLocally(cc, msg, resp.EncodeError("ERR unknown command"))
		return
	}

	action, reply := conn.FilterRequest(cc, msg, pr.router)
	switch action {
	case conn.ActionDrop:
		message.Put(msg)
		return
	case conn.ActionDrainClose:
		e.beginDrainClose(cc)
		e.answerLocally(cc, msg, reply)
		return
	case conn.ActionReject:
		if e.counters != nil {
			e.counters.ForbiddenTotal.Add(1)
		}
		if e.log != nil {
			e.log.WarnEvery("forbidden:"+pr.Cfg.Name+":"+msg.Cmd.Name, 30*time.Second,
				"engine: command %s forbidden for this connection on pool %s", msg.Cmd.Name, pr.Cfg.Name)
		}
		e.answerLocally(cc, msg, reply)
		return
	case conn.ActionPreAuth:
		e.answerLocally(cc, msg, reply)
		return
	}

	if pr.router.Graylisted(msg.Cmd.Name) && e.log != nil {
		e.log.WarnEvery("graylist:"+pr.Cfg.Name+":"+msg.Cmd.Name, 30*time.Second,
			"engine: graylisted command %s forwarded on pool %s", msg.Cmd.Name, pr.Cfg.Name)
	}

	switch {
	case msg.Cmd.Name == "AUTH":
		e.handleAuth(pr, cc, msg)
	case msg.Cmd.Local:
		e.handleLocal(cc, msg)
	default:
		if err := pr.router.Forward(msg); err != nil && e.log != nil {
			e.log.Warnf("engine: forward error on pool %s: %v", pr.Cfg.Name, err)
		}
	}
}

// answerLocally synthesizes msg's reply without ever reaching a backend.
func (e *Engine) answerLocally(cc *conn.Conn, msg *message.Message, reply []byte) {
	msg.Reply = reply
	msg.SetFlag(message.FlagDone)
	cc.Awaiting = append(cc.Awaiting, msg)
	e.flushAwaiting(cc)
}

// handleAuth checks the client-supplied password against the pool's
// configured client_auth, the one command NoForward-gated connections may
// issue before being authenticated.
func (e *Engine) handleAuth(pr *PoolRuntime, cc *conn.Conn, msg *message.Message) {
	if len(msg.RawArgs) >= 2 && pr.Cfg.ClientAuth != "" && string(msg.RawArgs[1]) == pr.Cfg.ClientAuth {
		cc.Authed = true
		e.answerLocally(cc, msg, resp.EncodeSimpleString("OK"))
		return
	}
	e.answerLocally(cc, msg, resp.EncodeError("ERR invalid password"))
}

// handleLocal answers a Command.Local request (currently only PING) without
// ever consulting a backend.
func (e *Engine) handleLocal(cc *conn.Conn, msg *message.Message) {
	switch msg.Cmd.Name {
	case "PING":
		e.answerLocally(cc, msg, resp.EncodeSimpleString("PONG"))
	default:
		e.answerLocally(cc, msg, resp.EncodeError("ERR unsupported local command"))
	}
}

// flushAwaiting writes every reply at the head of cc.Awaiting that has gone
// FlagDone, in strict request order, then releases each message and re-arms
// read/write interest as needed. A message whose
// backend children raced ahead of an earlier sibling simply waits here until
// that sibling completes — Awaiting's order is fixed at dispatch time, never
// at completion time.
func (e *Engine) flushAwaiting(cc *conn.Conn) {
	for len(cc.Awaiting) > 0 && cc.Awaiting[0].HasFlag(message.FlagDone) {
		msg := cc.Awaiting[0]
		cc.Awaiting = cc.Awaiting[1:]
		if cc.State != conn.StateClosed {
			reply := msg.Reply
			if cc.Memcache {
				reply = memcache.EncodeReply(msg.Cmd.Name, firstKey(msg), reply)
			}
			cc.QueueWrite(reply)
			if e.counters != nil {
				e.counters.ResponsesTotal.Add(1)
			}
		}
		e.releaseMessage(msg)
	}
	if cc.State != conn.StateClosed {
		e.scheduleWrite(cc)
	}
	if cc.Paused && cc.ShouldResume() {
		cc.Paused = false
		if att, ok := e.attach[cc.FD]; ok {
			e.poller.ResumeRead(att)
		}
	}
}

// firstKey returns a request's first key argument, for the memcached reply
// translation and the slow log's per-request line.
func firstKey(msg *message.Message) []byte {
	if len(msg.RawArgs) < 2 {
		return nil
	}
	return msg.RawArgs[1]
}

// releaseMessage returns msg (and, if it was fragmented, every child) to the
// message pool; nothing may sit in both the free list and a queue at once.
// By the time msg reaches the head of Awaiting every child has already been
// paired with its real reply or a synthetic one
// (onChildTimeout closes the backend connection rather than leaving a
// dangling in-flight request — see backend.go), so there is never a late
// reply still addressed to a message this call is about to free.
func (e *Engine) releaseMessage(msg *message.Message) {
	for _, child := range msg.Children {
		message.Put(child)
	}
	message.Put(msg)
}

// scheduleWrite flushes whatever is queued right now and arms epoll write
// interest for the remainder, or finishes a pending drain-close. A Closing
// connection is only torn down once every reply it still owes has been
// produced and written — replies still waiting on a backend keep it alive.
func (e *Engine) scheduleWrite(cc *conn.Conn) {
	if err := cc.FlushWrite(); err != nil {
		cc.Close(err)
		return
	}
	if cc.HasPendingWrites() {
		e.armWrite(cc)
		return
	}
	if cc.State == conn.StateClosing && len(cc.Awaiting) == 0 {
		cc.Close(nil)
	}
}

// onClientWritable drains the write queue once the socket signals it can
// accept more, called by the event loop whenever a client fd is
// write-armed.
func (e *Engine) onClientWritable(cc *conn.Conn) error {
	if err := cc.FlushWrite(); err != nil {
		cc.Close(err)
		return nil
	}
	if !cc.HasPendingWrites() {
		if att, ok := e.attach[cc.FD]; ok {
			e.poller.ModRead(att)
		}
		if cc.State == conn.StateClosing && len(cc.Awaiting) == 0 {
			cc.Close(nil)
		}
	}
	return nil
}

// onClientClose tears down bookkeeping for a closed client connection. It
// deliberately never touches cc.Awaiting: entries with still-outstanding
// backend children must only be released along their normal completion path
// (completeChild, or a backend connection's own close-drain), never here —
// a backend response still in flight for one of them expects its Pending
// slot to stay valid until it is popped there, not freed out from under it.
func (e *Engine) onClientClose(pr *PoolRuntime, cc *conn.Conn, err error) {
	delete(e.clientConns, cc.FD)
	if _, ok := e.attach[cc.FD]; ok {
		e.poller.Delete(cc.FD)
		delete(e.attach, cc.FD)
	}
	cc.Net.Close()
	if e.counters != nil {
		e.counters.ClientConnections.Add(-1)
	}
}
