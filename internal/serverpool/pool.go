package serverpool

import (
	"context"
	"sync/atomic"

	"github.com/jackc/puddle/v2"

	"nutproxy/internal/hashring"
)

// Trigger is the subset of internal/netpoll.Poller.Trigger this package
// needs, expressed as an interface so serverpool never imports netpoll
// directly (keeping the dependency graph a tree, not a cycle, the same way
// internal/message uses interface{} for its Owner/TimeoutNode fields).
type Trigger interface {
	Trigger(fn func(interface{}) error, arg interface{}) error
}

// AcquireResult is what a dial goroutine hands back to the event loop via
// Trigger once a (possibly slow) puddle.Acquire completes.
type AcquireResult struct {
	Conn *BackendConn
	Res  *puddle.Resource[*BackendConn]
	Err  error
}

// Pool is the set of backends configured for one proxy pool (in the
// twemproxy sense of "pool": a listener plus its sharded backend set), the
// hash ring over them, and round-robin slave selection.
type Pool struct {
	Name     string
	Backends []*Backend
	Ring     *hashring.Ring

	slaveRR atomic.Uint32

	poller Trigger
}

// NewPool returns an empty Pool bound to poller for dial-completion wakeups.
func NewPool(name string, ring *hashring.Ring, poller Trigger) *Pool {
	return &Pool{Name: name, Ring: ring, poller: poller}
}

// AddBackend registers b and keeps the ring's backend list (via the
// caller's next Rebuild call) in sync.
func (p *Pool) AddBackend(b *Backend) {
	p.Backends = append(p.Backends, b)
}

// ringBackends projects the pool's current backend set into the shape
// hashring.Ring.Rebuild wants, called after every ejection/re-admission.
// Slaves never take continuum points of their own — keys always hash to a
// primary, with slave selection layered on top per read-only dispatch.
func (p *Pool) ringBackends() []hashring.Backend {
	out := make([]hashring.Backend, len(p.Backends))
	for i, b := range p.Backends {
		out[i] = hashring.Backend{Index: b.Index, Addr: b.Addr, Weight: b.Weight, Online: b.Online() && !b.IsSlave}
	}
	return out
}

// RebuildRing recomputes the continuum from current backend online/offline
// state — called after a breaker trips or resets.
func (p *Pool) RebuildRing() {
	p.Ring.Rebuild(p.ringBackends())
}

// BackendFor picks the master backend for key via the ring.
func (p *Pool) BackendFor(key []byte) (*Backend, bool) {
	idx, ok := p.Ring.Pick(key)
	if !ok {
		return nil, false
	}
	return p.Backends[idx], true
}

// SlaveFor returns the next slave backend for read-only dispatch in
// round-robin order, among the master backend's configured slaves.
func (p *Pool) SlaveFor(master *Backend, slaves []*Backend) (*Backend, bool) {
	online := slaves[:0:0]
	for _, s := range slaves {
		if s.Online() {
			online = append(online, s)
		}
	}
	if len(online) == 0 {
		return nil, false
	}
	i := p.slaveRR.Add(1)
	return online[int(i)%len(online)], true
}

// TryConn attempts a non-blocking connection acquisition from b. On a miss
// it spawns a dial goroutine that performs the slow puddle.Acquire and
// delivers the result back to the event loop via Trigger calling onReady —
// keeping the hot path free of blocking calls while still
// getting puddle's pooling and health-check hooks.
func (p *Pool) TryConn(ctx context.Context, b *Backend, onReady func(AcquireResult)) (*puddle.Resource[*BackendConn], error) {
	res, err := b.pool.TryAcquire(ctx)
	if err == nil {
		return res, nil
	}
	if err != puddle.ErrNotAvailable {
		return nil, err
	}

	go func() {
		res, acqErr := b.pool.Acquire(context.Background())
		var bc *BackendConn
		if acqErr == nil {
			bc = res.Value()
		}
		result := AcquireResult{Conn: bc, Res: res, Err: acqErr}
		p.poller.Trigger(func(arg interface{}) error {
			onReady(arg.(AcquireResult))
			return nil
		}, result)
	}()
	return nil, puddle.ErrNotAvailable
}

// Repoint is called by internal/sentinel on a master-switch notification: it
// atomically swaps the backend's address, closing its existing connections
// (the pool's Destructor runs on each, tearing down the socket) so the next
// acquire dials the new master.
func (p *Pool) Repoint(oldAddr, newAddr string) {
	for _, b := range p.Backends {
		if b.CurrentAddr() != oldAddr {
			continue
		}
		b.pool.Reset() // destroys all idle/checked-out-on-return connections
		b.SetAddr(newAddr)
		return
	}
}

// Close tears down every backend's connection pool.
func (p *Pool) Close() {
	for _, b := range p.Backends {
		b.Close()
	}
}
