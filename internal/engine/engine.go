// Package engine binds the proxy's components into the single-threaded
// event loop: one epoll cycle (via internal/netpoll) plus a timeout-wheel
// drain, with accept and backend-dial goroutines handing their results back
// onto the event-loop goroutine through the poller's Trigger mechanism
// rather than touching any core structure directly.
package engine

import (
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"nutproxy/internal/bufchain"
	"nutproxy/internal/config"
	"nutproxy/internal/conn"
	"nutproxy/internal/hashring"
	"nutproxy/internal/logging"
	"nutproxy/internal/message"
	"nutproxy/internal/netpoll"
	"nutproxy/internal/quota"
	"nutproxy/internal/sentinel"
	"nutproxy/internal/serverpool"
	"nutproxy/internal/stats"
	"nutproxy/internal/timeout"
	"nutproxy/internal/whitelist"
)

// backendState tracks, per configured backend, the one persistent engine
// connection the proxy pins to it (pipelining many in-flight requests over
// it, per Redis's own pipelining model) plus whatever requests are waiting
// on a dial in progress. The pool of configurable depth still bounds
// replacement dials, but a healthy connection is pinned rather than
// released back after every exchange.
type backendState struct {
	conn      *conn.Conn
	dialing   bool
	waitQueue []pendingSend
}

type pendingSend struct {
	child *message.Message
	wire  []byte
}

// PoolRuntime is one configured pool's live state: its hash ring, its
// backend set, its quota gate, its listener, and the per-backend pinned
// connections.
type PoolRuntime struct {
	Cfg      config.PoolConfig
	Ring     *hashring.Ring
	Servers  *serverpool.Pool
	Quota    *quota.Gate
	Sentinel *sentinel.Client

	router   *poolRouter
	listener net.Listener
	backends map[*serverpool.Backend]*backendState
}

// defaultBackendTimeout applies when a pool's config doesn't set one.
const defaultBackendTimeout = 750 * time.Millisecond

// timeout returns this pool's configured per-request backend deadline.
func (pr *PoolRuntime) timeout() time.Duration {
	if pr.Cfg.Timeout > 0 {
		return pr.Cfg.Timeout.Std()
	}
	return defaultBackendTimeout
}

// backendMeta is the engine-side bookkeeping kept per wrapped backend
// connection: which pool/backend it belongs to, and the puddle resource
// handle needed to evict it (Destroy) once it's no longer usable, since the
// engine otherwise never releases a backend connection back to its pool
// while healthy (see backendState's doc comment).
type backendMeta struct {
	pr      *PoolRuntime
	backend *serverpool.Backend
	res     *puddle.Resource[*serverpool.BackendConn]
}

// Engine owns every core data structure; all of it is touched only from the
// goroutine that calls Run.
type Engine struct {
	cfg       *config.Config
	poller    *netpoll.Poller
	alloc     *bufchain.Allocator
	wheel     *timeout.Wheel
	log       logging.Logger
	slowLog   *logging.SlowLog
	counters  *stats.Counters
	whitelist *whitelist.Store

	pools map[string]*PoolRuntime

	clientConns   map[int]*conn.Conn
	backendConns  map[int]*conn.Conn
	backendMeta   map[int]*backendMeta
	sentinelConns map[int]*conn.Conn
	attach        map[int]*netpoll.Attachment

	stopped atomic.Bool
	events  []unix.EpollEvent
}

// New builds an Engine from cfg, dialing nothing yet — backends are dialed
// lazily on first use and listeners are opened by Run.
func New(cfg *config.Config, log logging.Logger, counters *stats.Counters, wl *whitelist.Store) (*Engine, error) {
	poller, err := netpoll.New()
	if err != nil {
		return nil, errors.Wrap(err, "engine: create poller")
	}
	maxMemBytes := int64(0)
	if cfg.Runtime.MaxMemoryMB > 0 {
		maxMemBytes = cfg.Runtime.MaxMemoryMB * 1024 * 1024
	}
	slowLog, err := logging.NewSlowLog(cfg.Runtime.SlowLogFile, time.Duration(cfg.Runtime.SlowQueryMillis)*time.Millisecond)
	if err != nil {
		poller.Close()
		return nil, errors.Wrap(err, "engine: open slow log")
	}
	e := &Engine{
		cfg:           cfg,
		poller:        poller,
		alloc:         bufchain.NewAllocator(maxMemBytes),
		wheel:         timeout.New(),
		log:           log,
		slowLog:       slowLog,
		counters:      counters,
		whitelist:     wl,
		pools:         make(map[string]*PoolRuntime),
		clientConns:   make(map[int]*conn.Conn),
		backendConns:  make(map[int]*conn.Conn),
		backendMeta:   make(map[int]*backendMeta),
		sentinelConns: make(map[int]*conn.Conn),
		attach:        make(map[int]*netpoll.Attachment),
		events:        make([]unix.EpollEvent, 256),
	}

	for name, pc := range cfg.Pools {
		pr, err := e.buildPool(name, pc)
		if err != nil {
			poller.Close()
			return nil, err
		}
		e.pools[name] = pr
	}
	return e, nil
}

func (e *Engine) buildPool(name string, pc *config.PoolConfig) (*PoolRuntime, error) {
	ring := hashring.NewRing(hashring.HashFunc(pc.Hash), hashring.Distribution(pc.Distribution), pc.HashTag, int64(len(name)+1))
	sp := serverpool.NewPool(name, ring, e.poller)

	var lastPrimary *serverpool.Backend
	for i, sc := range pc.Servers {
		beCfg := serverpool.Config{
			MaxConnections: int32(pc.ServerConnections),
			DialTimeout:    2 * time.Second,
			FailureLimit:   uint32(pc.ServerFailureLimit),
			RetryTimeout:   pc.ServerRetryTimeout.Std(),
			Password:       pc.Password,
			AutoEjectHosts: pc.AutoEjectHosts,
		}
		be, err := serverpool.NewBackend(i, sc.Addr, sc.Weight, sc.IsSlave, beCfg)
		if err != nil {
			return nil, errors.Wrapf(err, "engine: pool %q backend %q", name, sc.Addr)
		}
		sp.AddBackend(be)
		// A slave line attaches to the primary that precedes it in the
		// config's server list, twemproxy-style.
		if sc.IsSlave {
			if lastPrimary != nil {
				lastPrimary.Slaves = append(lastPrimary.Slaves, be)
			}
		} else {
			lastPrimary = be
		}
	}
	sp.RebuildRing()

	resetInterval := quota.DefaultResetInterval
	gate := quota.NewGate(pc.Quota, resetInterval, time.Now())

	pr := &PoolRuntime{
		Cfg:      *pc,
		Ring:     ring,
		Servers:  sp,
		Quota:    gate,
		backends: make(map[*serverpool.Backend]*backendState),
	}
	for _, b := range sp.Backends {
		pr.backends[b] = &backendState{}
	}
	if pc.SentinelMasterName != "" {
		pr.Sentinel = sentinel.NewClient(pc.SentinelMasterName, sp)
	}
	pr.router = &poolRouter{eng: e, pr: pr}
	return pr, nil
}

// Run opens every pool's listener, starts its accept loop, and runs the
// event loop until Close is called.
func (e *Engine) Run() error {
	for name, pr := range e.pools {
		ln, err := net.Listen("tcp", pr.Cfg.Listen)
		if err != nil {
			return errors.Wrapf(err, "engine: listen %q (%s)", name, pr.Cfg.Listen)
		}
		pr.listener = ln
		go e.acceptLoop(name, pr)
	}
	e.startSentinels()
	return e.loop()
}

// Stopped reports whether Close has been called, letting cmd/nutproxy tell
// a requested shutdown apart from Run returning because of a real poller
// error.
func (e *Engine) Stopped() bool { return e.stopped.Load() }

// Close stops accept loops, tears down every backend pool, and releases the
// poller. Safe to call once.
func (e *Engine) Close() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, pr := range e.pools {
		if pr.listener != nil {
			pr.listener.Close()
		}
		pr.Servers.Close()
	}
	e.slowLog.Close()
	e.poller.Close()
}

// acceptLoop runs on its own goroutine, never touching any core structure
// directly: each accepted socket is handed to the event loop through
// Trigger, the same handoff serverpool.Pool.TryConn uses for dial
// completions.
func (e *Engine) acceptLoop(poolName string, pr *PoolRuntime) {
	for {
		nc, err := pr.listener.Accept()
		if err != nil {
			if e.stopped.Load() {
				return
			}
			if e.log != nil {
				e.log.Warnf("engine: accept on pool %q failed: %v", poolName, err)
			}
			continue
		}
		e.poller.Trigger(func(arg interface{}) error {
			e.onAccept(poolName, pr, arg.(net.Conn))
			return nil
		}, nc)
	}
}

func (e *Engine) onAccept(poolName string, pr *PoolRuntime, nc net.Conn) {
	host, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
	if e.whitelist != nil && !e.whitelist.AllowsIP(host) {
		nc.Close()
		return
	}
	var perms message.Permission
	if e.whitelist != nil {
		perms = e.whitelist.PermissionsFor(host)
	}
	fd, err := sockFD(nc)
	if err != nil {
		nc.Close()
		if e.log != nil {
			e.log.Warnf("engine: extract fd for pool %q client: %v", poolName, err)
		}
		return
	}
	cc := conn.New(fd, nc, conn.KindClient, e.alloc)
	cc.Quota = pr.Quota
	cc.Permissions = perms
	cc.PipelineLimit = pr.Cfg.PipelineLimit
	cc.PipelineResume = pr.Cfg.PipelineResume
	if pr.Cfg.ClientAuth != "" {
		cc.NoForward = true
	}
	if pr.Cfg.Protocol == "memcache" {
		cc.Memcache = true
	}
	cc.Dispatch = conn.Dispatch{
		OnReadable: func(c *conn.Conn) error { return e.onClientReadable(poolName, pr, c) },
		OnWritable: e.onClientWritable,
		OnClose:    func(c *conn.Conn, err error) { e.onClientClose(pr, c, err) },
	}
	att := &netpoll.Attachment{FD: fd}
	if err := e.poller.AddRead(att); err != nil {
		nc.Close()
		return
	}
	cc.State = conn.StateActive
	e.attach[fd] = att
	e.clientConns[fd] = cc
	if e.counters != nil {
		e.counters.ClientConnections.Add(1)
	}
}

// sockFD extracts the underlying file descriptor of a net.Conn, needed so
// the connection can also be registered with our explicit epoll instance
// alongside the Go runtime's own internal netpoller: Conn's Read/Write calls
// still go through net.Conn (so net.Buffers' vectored write keeps working,
// per internal/conn's own design note), while our Poller only ever answers
// "is this fd ready" to drive dispatch ordering and the timeout wheel.
func sockFD(nc net.Conn) (int, error) {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1, errors.Errorf("engine: %T does not expose a raw fd", nc)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	cerr := rc.Control(func(p uintptr) { fd = int(p) })
	if cerr != nil {
		return -1, cerr
	}
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// loop is the event loop itself: one readiness cycle plus a timeout-wheel
// drain.
func (e *Engine) loop() error {
	for !e.stopped.Load() {
		timeoutMillis := e.nextTimeoutMillis()
		ready, err := e.poller.Wait(timeoutMillis, e.events)
		if err != nil {
			return err
		}
		for _, ev := range ready {
			e.dispatchEvent(ev)
		}
		e.drainExpired()
		e.drainQuotaResets()
		e.resumePausedClients()
	}
	return nil
}

func (e *Engine) nextTimeoutMillis() int {
	min := e.wheel.Min()
	if min == nil {
		return 1000 // no pending deadlines: still wake periodically for quota refill
	}
	nowMillis := time.Now().UnixMilli()
	remain := min.DeadlineMillis - nowMillis
	if remain < 0 {
		return 0
	}
	if remain > 1000 {
		return 1000
	}
	return int(remain)
}

func (e *Engine) dispatchEvent(ev netpoll.Event) {
	if cc, ok := e.clientConns[ev.FD]; ok {
		e.dispatchConnEvent(cc, ev)
		return
	}
	if bc, ok := e.backendConns[ev.FD]; ok {
		e.dispatchConnEvent(bc, ev)
		return
	}
	if sc, ok := e.sentinelConns[ev.FD]; ok {
		e.dispatchConnEvent(sc, ev)
		return
	}
}

func (e *Engine) dispatchConnEvent(c *conn.Conn, ev netpoll.Event) {
	if ev.Readable && c.Dispatch.OnReadable != nil {
		if err := c.Dispatch.OnReadable(c); err != nil && e.log != nil {
			e.log.Debugf("engine: readable dispatch error fd=%d: %v", c.FD, err)
		}
	}
	if ev.Writable && c.Dispatch.OnWritable != nil {
		if err := c.Dispatch.OnWritable(c); err != nil && e.log != nil {
			e.log.Debugf("engine: writable dispatch error fd=%d: %v", c.FD, err)
		}
	}
}

func (e *Engine) drainQuotaResets() {
	now := time.Now()
	for _, pr := range e.pools {
		pr.Quota.MaybeReset(now)
	}
}

func (e *Engine) resumePausedClients() {
	for fd, cc := range e.clientConns {
		if cc.Paused && cc.ShouldResume() {
			cc.Paused = false
			e.poller.ResumeRead(e.attach[fd])
		}
	}
}

// armWrite registers write interest for c if it wasn't already armed,
// called whenever QueueWrite/EnqueueRequest takes a write queue from empty
// to non-empty.
func (e *Engine) armWrite(c *conn.Conn) {
	att, ok := e.attach[c.FD]
	if !ok {
		return
	}
	e.poller.AddWrite(att)
}
