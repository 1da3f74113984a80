// Package serverpool manages backend connections: per-backend pools of
// dialed sockets (via jackc/puddle/v2), circuit-breaker-driven ejection (via
// sony/gobreaker/v2), AUTH priming, and master/slave selection.
package serverpool

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/sony/gobreaker/v2"

	"nutproxy/internal/resp"
)

// BackendConn is one dialed socket to a backend. The event loop, not this
// package, owns reading/writing the fd — Pool only hands out BackendConns
// and tracks their health.
type BackendConn struct {
	Conn    net.Conn
	Backend *Backend

	Primed bool // AUTH already sent on this connection

	// EngineConn is internal/engine's own *conn.Conn wrapper around this
	// socket, stashed here so the event loop can find it again on the next
	// acquire of the same pooled connection without a second fd->wrapper
	// map. interface{} avoids serverpool importing internal/conn, the same
	// way message.Owner avoids a cycle one package over.
	EngineConn interface{}
}

// Status is a Backend's ejection state.
type Status int

const (
	Online Status = iota
	KickedOut
)

// Backend is one configured server: its pool of connections, its breaker,
// and the bookkeeping serverpool.Pool needs to keep the hash ring in sync.
type Backend struct {
	Index   int
	Addr    string
	Weight  int
	IsSlave bool

	// Slaves are this primary's configured read replicas, in config order.
	// Empty for slaves themselves and for primaries with no replica lines.
	Slaves []*Backend

	// mu guards Addr against the one cross-goroutine reader: puddle's
	// constructor, which dials on a dedicated goroutine while a sentinel
	// master switch may repoint the address from the event-loop goroutine.
	mu sync.Mutex

	pool    *puddle.Pool[*BackendConn]
	breaker *gobreaker.CircuitBreaker[*BackendConn]
	status  Status
}

// CurrentAddr returns the backend's address as of now, which a sentinel
// master switch may have moved away from the configured one.
func (b *Backend) CurrentAddr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Addr
}

// SetAddr repoints the backend; the next dial targets the new address.
func (b *Backend) SetAddr(addr string) {
	b.mu.Lock()
	b.Addr = addr
	b.mu.Unlock()
}

// Config bundles the per-pool knobs that shape a Backend's connection pool
// and breaker.
type Config struct {
	MaxConnections int32
	DialTimeout    time.Duration
	FailureLimit   uint32        // server_failure_limit
	RetryTimeout   time.Duration // server_retry_timeout, maps to breaker's open-state Timeout
	Password       string
	AutoEjectHosts bool
}

// NewBackend dials connections lazily through puddle, constructing fresh
// sockets via Config.DialTimeout and tearing them down cleanly on eviction.
func NewBackend(index int, addr string, weight int, isSlave bool, cfg Config) (*Backend, error) {
	b := &Backend{Index: index, Addr: addr, Weight: weight, IsSlave: isSlave, status: Online}

	constructor := func(ctx context.Context) (*BackendConn, error) {
		d := net.Dialer{Timeout: cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", b.CurrentAddr())
		if err != nil {
			return nil, err
		}
		bc := &BackendConn{Conn: conn, Backend: b}
		if cfg.Password != "" {
			if err := primeAuth(conn, cfg.Password); err != nil {
				conn.Close()
				return nil, err
			}
			bc.Primed = true
		}
		return bc, nil
	}
	destructor := func(bc *BackendConn) {
		bc.Conn.Close()
	}

	maxSize := cfg.MaxConnections
	if maxSize <= 0 {
		maxSize = 1
	}
	p, err := puddle.NewPool(&puddle.Config[*BackendConn]{
		Constructor: constructor,
		Destructor:  destructor,
		MaxSize:     maxSize,
	})
	if err != nil {
		return nil, err
	}
	b.pool = p

	if cfg.AutoEjectHosts {
		limit := cfg.FailureLimit
		if limit == 0 {
			limit = 3
		}
		timeout := cfg.RetryTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		b.breaker = gobreaker.NewCircuitBreaker[*BackendConn](gobreaker.Settings{
			Name:        addr,
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= limit
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if to == gobreaker.StateOpen {
					b.status = KickedOut
				} else if to == gobreaker.StateClosed {
					b.status = Online
				}
			},
		})
	}
	return b, nil
}

// primeAuth writes the literal AUTH priming command and blocks for its
// reply. This runs on the dial goroutine, never on the event-loop
// goroutine, so blocking here is safe.
func primeAuth(conn net.Conn, password string) error {
	cmd := resp.EncodeCommand("AUTH", password)
	if _, err := conn.Write(cmd); err != nil {
		return err
	}
	buf := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Read(buf)
	conn.SetReadDeadline(time.Time{})
	return err
}

// Online reports whether the breaker (if any) currently admits new work.
func (b *Backend) Online() bool {
	if b.breaker == nil {
		return b.status == Online
	}
	return b.breaker.State() != gobreaker.StateOpen
}

// RecordResult feeds a request's outcome to the breaker, tripping ejection
// on repeated failures and resetting it on success.
func (b *Backend) RecordResult(err error) {
	if b.breaker == nil {
		return
	}
	_, _ = b.breaker.Execute(func() (*BackendConn, error) { return nil, err })
}

// Close shuts down the backend's connection pool.
func (b *Backend) Close() {
	b.pool.Close()
}
