// Package quota implements the per-pool request admission gate: a token
// bucket with no background refill goroutine of its own. The event loop
// drives its reset on a timer, keeping every touch of the bucket on the one
// goroutine that owns core state.
package quota

import "time"

// DefaultResetInterval matches warn_msg_reset_interval's documented default.
const DefaultResetInterval = 2 * time.Minute

// Gate tracks one pool's token budget. It is not safe for concurrent use —
// like every other core data structure, it is only ever touched from the
// event-loop goroutine.
type Gate struct {
	quota         int64
	token         int64
	resetInterval time.Duration
	lastReset     time.Time
}

// NewGate returns a Gate with a full bucket, sized to quota tokens. A
// non-positive quota disables the gate entirely (Admit always succeeds).
func NewGate(quota int64, resetInterval time.Duration, now time.Time) *Gate {
	if resetInterval <= 0 {
		resetInterval = DefaultResetInterval
	}
	return &Gate{quota: quota, token: quota, resetInterval: resetInterval, lastReset: now}
}

// Admit attempts to draw one token. On success it returns true and the
// caller must set message.FlagTicket so the token is returned exactly once
// when the request is released, keeping token + inflight tickets equal to
// quota at all times.
func (g *Gate) Admit() bool {
	if g.quota <= 0 {
		return true
	}
	if g.token <= 0 {
		return false
	}
	g.token--
	return true
}

// Return gives back one ticketed token, called when a message that carried
// FlagTicket is released without being swallowed.
func (g *Gate) Return() {
	if g.quota <= 0 {
		return
	}
	if g.token < g.quota {
		g.token++
	}
}

// MaybeReset resets the bucket to full if resetInterval has elapsed since
// the last reset, and reports whether it did. The event loop calls this
// once per iteration for every configured pool.
func (g *Gate) MaybeReset(now time.Time) bool {
	if g.quota <= 0 {
		return false
	}
	if now.Sub(g.lastReset) < g.resetInterval {
		return false
	}
	g.token = g.quota
	g.lastReset = now
	return true
}

// Tokens reports the current remaining token count, for stats reporting.
func (g *Gate) Tokens() int64 { return g.token }

// Quota reports the configured bucket size.
func (g *Gate) Quota() int64 { return g.quota }
