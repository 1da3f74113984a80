// Package whitelist maintains two hot-swappable, lock-free snapshots the
// data plane consults on every request: the client IP whitelist and the
// command graylist. A background fsnotify watcher reloads the backing files
// and publishes a fresh immutable Snapshot via atomic.Pointer — the event
// loop only ever reads the current snapshot, never blocking on the reload.
package whitelist

import (
	"bufio"
	"os"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"nutproxy/internal/logging"
	"nutproxy/internal/message"
)

// defaultPerm is what an admitted connection may do when its whitelist line
// carries no permission column: reads and writes, but not exec-class
// commands. With no IP whitelist configured at all, permFor returns zero
// (unrestricted) instead.
const defaultPerm = message.PermRead | message.PermWrite

// Snapshot is an immutable point-in-time view of the IP whitelist (each
// entry carrying the permission bits granted to connections from that
// address) and the command graylist. Once published, a Snapshot is never
// mutated — a reload always builds a brand new one.
type Snapshot struct {
	IPs      map[string]message.Permission
	Graylist map[string]struct{}
}

func (s *Snapshot) allowsIP(ip string) bool {
	if s == nil || len(s.IPs) == 0 {
		return true // no whitelist configured: admit everyone
	}
	_, ok := s.IPs[ip]
	return ok
}

func (s *Snapshot) permFor(ip string) message.Permission {
	if s == nil || len(s.IPs) == 0 {
		return 0 // no whitelist configured: unrestricted
	}
	if p, ok := s.IPs[ip]; ok {
		return p
	}
	return defaultPerm
}

func (s *Snapshot) graylisted(cmd string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Graylist[strings.ToUpper(cmd)]
	return ok
}

// Store is the RCU-style holder: one atomic.Pointer[Snapshot] the data
// plane reads from and a background watcher goroutine writes to. It
// satisfies the conn.Router-adjacent Graylisted lookup the event loop
// wires into every client connection's filter chain.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore loads ipFile/graylistFile once (either may be empty, meaning
// "no restriction configured") and returns a Store ready for immediate use.
func NewStore(ipFile, graylistFile string) (*Store, error) {
	s := &Store{}
	snap, err := load(ipFile, graylistFile)
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return s, nil
}

// AllowsIP reports whether ip may open a client connection.
func (s *Store) AllowsIP(ip string) bool {
	return s.current.Load().allowsIP(ip)
}

// Graylisted reports whether cmd is currently graylisted (still forwarded,
// just logged).
func (s *Store) Graylisted(cmd string) bool {
	return s.current.Load().graylisted(cmd)
}

// PermissionsFor returns the permission bits granted to connections from ip:
// the line's r/w/x column when present, read+write when the line carries
// none, and zero (unrestricted) when no IP whitelist is configured at all.
func (s *Store) PermissionsFor(ip string) message.Permission {
	return s.current.Load().permFor(ip)
}

// Watch starts a background fsnotify watcher on ipFile/graylistFile (skipping
// any that's empty) and republishes a fresh Snapshot via atomic.Pointer.Store
// whenever either changes, until stop is closed. It never touches any
// core/event-loop data structure directly — only the atomic pointer swap.
func Watch(s *Store, ipFile, graylistFile string, log logging.Logger, stop <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, f := range []string{ipFile, graylistFile} {
		if f == "" {
			continue
		}
		if err := w.Add(f); err != nil {
			w.Close()
			return err
		}
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				snap, err := load(ipFile, graylistFile)
				if err != nil {
					if log != nil {
						log.Warnf("whitelist: reload failed: %v", err)
					}
					continue
				}
				s.current.Store(snap)
				if log != nil {
					log.Infof("whitelist: reloaded snapshot (%d ips, %d graylisted)", len(snap.IPs), len(snap.Graylist))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if log != nil {
					log.Warnf("whitelist: watch error: %v", err)
				}
			}
		}
	}()
	return nil
}

// load builds a fresh Snapshot by reading both files line-by-line (blank
// lines and "#"-prefixed comments skipped), tolerating either file not
// existing (an unconfigured list, not an error). An IP line is "<ip>" or
// "<ip> <perm>" where perm is a string of r/w/x letters; a line with an
// unrecognized permission letter is skipped entirely.
func load(ipFile, graylistFile string) (*Snapshot, error) {
	ips, err := readLines(ipFile)
	if err != nil {
		return nil, err
	}
	grays, err := readLines(graylistFile)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{IPs: map[string]message.Permission{}, Graylist: map[string]struct{}{}}
	for _, line := range ips {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		perm := defaultPerm
		if len(fields) > 1 {
			p, ok := parsePerm(fields[1])
			if !ok {
				continue
			}
			perm = p
		}
		snap.IPs[fields[0]] = perm
	}
	for _, cmd := range grays {
		snap.Graylist[strings.ToUpper(cmd)] = struct{}{}
	}
	return snap, nil
}

// parsePerm turns a permission column like "rw" or "RWX" into its bitmask.
func parsePerm(s string) (message.Permission, bool) {
	var perm message.Permission
	for _, c := range s {
		switch c {
		case 'r', 'R':
			perm |= message.PermRead
		case 'w', 'W':
			perm |= message.PermWrite
		case 'x', 'X':
			perm |= message.PermExec
		default:
			return 0, false
		}
	}
	return perm, perm != 0
}

func readLines(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
