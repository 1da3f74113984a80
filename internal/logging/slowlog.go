package logging

import (
	"fmt"
	"os"
	"time"
)

// SlowLog appends one line per request whose handling took longer than the
// configured threshold, separate from the process log so slow-query analysis
// doesn't mean grepping structured JSON. It is only ever written from the
// event-loop goroutine.
type SlowLog struct {
	threshold time.Duration
	f         *os.File
}

// NewSlowLog opens the slow-log file at path for appending. It returns a nil
// SlowLog when path is empty or threshold is non-positive; Record and Close
// on a nil SlowLog are no-ops, so call sites never branch on whether the
// feature is configured.
func NewSlowLog(path string, threshold time.Duration) (*SlowLog, error) {
	if path == "" || threshold <= 0 {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &SlowLog{threshold: threshold, f: f}, nil
}

// Record writes one line for a request that took elapsed from ingress to
// reply, when elapsed crosses the threshold: timestamp, elapsed
// milliseconds, command name, and first key.
func (s *SlowLog) Record(cmd string, key []byte, elapsed time.Duration) {
	if s == nil || elapsed < s.threshold {
		return
	}
	fmt.Fprintf(s.f, "[%s][%.3fms] %s %s\n",
		time.Now().Format(time.RFC3339), float64(elapsed.Microseconds())/1000, cmd, key)
}

// Close releases the underlying file.
func (s *SlowLog) Close() error {
	if s == nil {
		return nil
	}
	return s.f.Close()
}
