package engine

import (
	"errors"
	"time"

	"nutproxy/internal/conn"
	"nutproxy/internal/fragment"
	"nutproxy/internal/message"
	"nutproxy/internal/resp"
)

var (
	errNoBackend      = errors.New("engine: no online backend for key")
	errBackendTimeout = errors.New("engine: backend request timed out")
)

// poolRouter adapts one pool's forwarding/graylist lookups to the narrow
// conn.Router interface internal/conn's filter chain consults, so the
// connection layer never imports hashring/fragment/serverpool itself.
type poolRouter struct {
	eng *Engine
	pr  *PoolRuntime
}

func (r *poolRouter) Graylisted(cmdName string) bool {
	if r.eng.whitelist == nil {
		return false
	}
	return r.eng.whitelist.Graylisted(cmdName)
}

func (r *poolRouter) Forward(msg *message.Message) error {
	return r.eng.forward(r.pr, msg)
}

var _ conn.Router = (*poolRouter)(nil)

// forward is the ActionForward path: quota admission, then
// fragment.Split, then one dispatchChild call per resulting child (or the
// message itself, for the common single-fragment case — see fragment.Split's
// doc comment). msg is appended to its owner's Awaiting queue before any
// child is dispatched, so flushAwaiting can answer in request order even if
// every child completes before forward returns.
func (e *Engine) forward(pr *PoolRuntime, msg *message.Message) error {
	cc, _ := msg.Owner.(*conn.Conn)

	if !pr.Quota.Admit() {
		if e.counters != nil {
			e.counters.QuotaRejectedTotal.Add(1)
		}
		// The rejected client is scheduled for close: the error reply is
		// queued behind any earlier in-flight replies, then the connection
		// drains and closes.
		e.failLocal(cc, msg, resp.EncodeError("ERR quota exceeded"))
		if cc != nil {
			e.beginDrainClose(cc)
			e.flushAwaiting(cc)
		}
		return nil
	}
	msg.SetFlag(message.FlagTicket)

	children, err := fragment.Split(msg, pr.Ring)
	if err != nil {
		pr.Quota.Return()
		msg.ClearFlag(message.FlagTicket)
		e.failLocal(cc, msg, resp.EncodeError("ERR "+err.Error()))
		return nil
	}
	if len(children) == 0 {
		// BROADCAST against a pool whose every backend is ejected splits
		// into nothing; answer now rather than stranding a parent whose
		// NFrag can never be reached.
		pr.Quota.Return()
		msg.ClearFlag(message.FlagTicket)
		e.failLocal(cc, msg, resp.EncodeError("ERR "+errNoBackend.Error()))
		return nil
	}

	if cc != nil {
		cc.Awaiting = append(cc.Awaiting, msg)
	}
	if e.counters != nil && len(children) > 1 {
		e.counters.FragmentsTotal.Add(int64(len(children)))
	}
	for _, child := range children {
		e.dispatchChild(pr, child)
	}
	return nil
}

// failLocal synthesizes msg's reply without ever touching a backend,
// completing it exactly the way completeChild would for a real response.
func (e *Engine) failLocal(cc *conn.Conn, msg *message.Message, reply []byte) {
	msg.Reply = reply
	msg.SetFlag(message.FlagDone)
	if cc == nil {
		message.Put(msg)
		return
	}
	cc.Awaiting = append(cc.Awaiting, msg)
	e.flushAwaiting(cc)
}

// dispatchChild resolves child's target backend and either sends it
// immediately over the backend's pinned connection, queues it behind an
// in-flight dial, or kicks off a new dial, never blocking the event-loop
// goroutine.
func (e *Engine) dispatchChild(pr *PoolRuntime, child *message.Message) {
	idx, ok := backendIndexFor(pr, child)
	if !ok || idx < 0 || idx >= len(pr.Servers.Backends) {
		e.completeChild(pr, child, resp.EncodeError("ERR "+errNoBackend.Error()))
		return
	}
	be := pr.Servers.Backends[idx]
	if !be.Online() {
		e.completeChild(pr, child, resp.EncodeError("ERR "+errNoBackend.Error()))
		return
	}
	// Read-only commands round-robin across the primary's configured
	// replicas; writes always stay on the primary.
	if child.Cmd.Perm == message.PermRead && len(be.Slaves) > 0 {
		if s, ok := pr.Servers.SlaveFor(be, be.Slaves); ok {
			be = s
		}
	}

	wire := resp.EncodeMultiBulk(child.RawArgs)
	deadline := time.Now().Add(pr.timeout())
	child.TimeoutNode = e.wheel.Insert(deadline.UnixMilli(), timeoutItem{pr: pr, msg: child, be: be})

	e.sendToBackend(pr, be, child, wire)
}

// backendIndexFor resolves the backend index a child targets: fragment.Split
// already resolved it into FragIndex for a real fragment; the common
// single-fragment case (child is msg itself, Parent == nil) still needs its
// one key hashed here.
func backendIndexFor(pr *PoolRuntime, child *message.Message) (int, bool) {
	if child.Parent != nil {
		return child.FragIndex, true
	}
	if len(child.Keys) == 0 {
		return 0, false
	}
	key := child.RawArgs[child.Keys[0].Offset]
	return pr.Ring.Pick(key)
}
