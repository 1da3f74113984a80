// Package netpoll wraps Linux epoll with the minimal surface the event loop
// needs: level-triggered read/write interest per fd, and a Trigger
// mechanism for cross-goroutine wakeups (dial completions, async writes)
// backed by an eventfd self-pipe, built on golang.org/x/sys/unix.
package netpoll

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Attachment binds an fd to the interest flags currently registered for it:
// the poller needs to remember what a connection is already armed for so
// Mod* calls can be no-ops when nothing changed.
type Attachment struct {
	FD       int
	readable bool
	writable bool
}

// job is one queued Trigger callback, run on the poller goroutine the next
// time EpollWait wakes up for the eventfd.
type job struct {
	fn  func(interface{}) error
	arg interface{}
}

// Poller wraps one epoll instance plus its eventfd wakeup channel.
type Poller struct {
	epfd    int
	eventfd int

	mu   sync.Mutex
	jobs []job
}

// New creates an epoll instance and its eventfd, arming the eventfd for read
// interest so it shows up in every EpollWait call alongside real sockets.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &Poller{epfd: epfd, eventfd: efd}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &ev); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

// Close releases the epoll instance and the eventfd.
func (p *Poller) Close() error {
	err1 := unix.Close(p.eventfd)
	err2 := unix.Close(p.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}

func (p *Poller) eventsFor(a *Attachment) uint32 {
	var ev uint32
	if a.readable {
		ev |= unix.EPOLLIN
	}
	if a.writable {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// AddRead registers fd for read-readiness only.
func (p *Poller) AddRead(a *Attachment) error {
	a.readable, a.writable = true, false
	ev := unix.EpollEvent{Events: p.eventsFor(a), Fd: int32(a.FD)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, a.FD, &ev)
}

// AddWrite adds write-readiness to an already-registered fd without
// disturbing its read interest.
func (p *Poller) AddWrite(a *Attachment) error {
	if a.writable {
		return nil
	}
	a.writable = true
	ev := unix.EpollEvent{Events: p.eventsFor(a), Fd: int32(a.FD)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, a.FD, &ev)
}

// ModRead drops write interest, leaving only read-readiness armed — used
// once a connection's outbound buffer has fully drained.
func (p *Poller) ModRead(a *Attachment) error {
	if !a.writable {
		return nil
	}
	a.writable = false
	ev := unix.EpollEvent{Events: p.eventsFor(a), Fd: int32(a.FD)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, a.FD, &ev)
}

// PauseRead drops read interest while leaving write interest untouched,
// used by the backpressure path to stop a client's reads without
// disturbing an in-flight write drain.
func (p *Poller) PauseRead(a *Attachment) error {
	if !a.readable {
		return nil
	}
	a.readable = false
	ev := unix.EpollEvent{Events: p.eventsFor(a), Fd: int32(a.FD)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, a.FD, &ev)
}

// ResumeRead re-arms read interest after a prior PauseRead, once the
// connection's pipeline has drained below the resume threshold.
func (p *Poller) ResumeRead(a *Attachment) error {
	if a.readable {
		return nil
	}
	a.readable = true
	ev := unix.EpollEvent{Events: p.eventsFor(a), Fd: int32(a.FD)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, a.FD, &ev)
}

// ModReadWrite arms both read and write interest in one call.
func (p *Poller) ModReadWrite(a *Attachment) error {
	a.readable, a.writable = true, true
	ev := unix.EpollEvent{Events: p.eventsFor(a), Fd: int32(a.FD)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, a.FD, &ev)
}

// Delete deregisters fd entirely. Callers must still close the fd
// themselves.
func (p *Poller) Delete(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Trigger enqueues fn to run on the poller goroutine and wakes EpollWait via
// the eventfd — the cross-goroutine handoff for async writes and dial
// completions.
func (p *Poller) Trigger(fn func(interface{}) error, arg interface{}) error {
	p.mu.Lock()
	p.jobs = append(p.jobs, job{fn: fn, arg: arg})
	p.mu.Unlock()

	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(p.eventfd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

// drainJobs runs and clears every queued Trigger callback, called once per
// Wait iteration when the eventfd itself is among the ready fds.
func (p *Poller) drainJobs() error {
	p.mu.Lock()
	pending := p.jobs
	p.jobs = nil
	p.mu.Unlock()

	var buf [8]byte
	unix.Read(p.eventfd, buf[:]) // drain the eventfd counter; errors here are benign (EAGAIN)

	var firstErr error
	for _, j := range pending {
		if err := j.fn(j.arg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Event is one ready fd reported by Wait.
type Event struct {
	FD       int
	Readable bool
	Writable bool
}

// Wait blocks for up to timeoutMillis (-1 means forever, 0 means poll) and
// returns the ready fds, transparently draining and running any Trigger
// callbacks without surfacing the eventfd itself as an Event.
func (p *Poller) Wait(timeoutMillis int, events []unix.EpollEvent) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev := events[i]
		if int(ev.Fd) == p.eventfd {
			if err := p.drainJobs(); err != nil {
				return out, err
			}
			continue
		}
		out = append(out, Event{
			FD:       int(ev.Fd),
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
		})
	}
	return out, nil
}
