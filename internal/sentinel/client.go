// Package sentinel implements the Redis Sentinel follower state machine:
// connect, subscribe to master-switch notifications, and repoint
// internal/serverpool at the new master on failover.
package sentinel

import (
	"strings"

	"nutproxy/internal/resp"
	"nutproxy/internal/serverpool"
)

// State is the sentinel client's connection lifecycle. The handshake sends
// "INFO sentinel" and "INFO replication" pipelined, then one SUBSCRIBE
// naming both notification channels; the subscribe confirmation arrives as
// one ack per channel, which is what drives the last two transitions.
type State int

const (
	Disconnected State = iota
	SendInfo
	AckInfo
	SubscribeSwitch
	SubscribeRedirect
	Steady
)

// Repointer is the subset of serverpool.Pool a Client needs: swapping a
// backend's address on failover. Expressed as an interface so tests can
// supply a fake without constructing a real Pool.
type Repointer interface {
	Repoint(oldAddr, newAddr string)
}

// Client drives one sentinel connection's state machine. It does not own
// the socket itself — internal/engine wires Start/HandshakeReply into a
// conn.Conn of kind sentinel, sharing the event loop's poller rather than
// running on a second goroutine.
type Client struct {
	state      State
	masterName string
	pool       Repointer
}

// NewClient returns a Client ready to begin the handshake for masterName,
// repointing pool on failover notifications.
func NewClient(masterName string, pool Repointer) *Client {
	return &Client{state: Disconnected, masterName: masterName, pool: pool}
}

// State reports the client's current handshake state.
func (c *Client) State() State { return c.state }

// Start transitions Disconnected -> SendInfo and returns the handshake's
// opening bytes: "INFO sentinel" then "INFO replication", pipelined on one
// write.
func (c *Client) Start() []byte {
	c.state = SendInfo
	out := resp.EncodeCommand("info", "sentinel")
	return append(out, resp.EncodeCommand("info", "replication")...)
}

// HandshakeReply consumes one reply while the handshake is still in
// progress, advancing the state machine and returning the next command to
// send, if any: the two INFO replies are acknowledged silently, then the
// subscribe to both channels goes out as a single command whose per-channel
// acks drive SubscribeSwitch -> SubscribeRedirect -> Steady.
func (c *Client) HandshakeReply() []byte {
	switch c.state {
	case SendInfo:
		c.state = AckInfo
	case AckInfo:
		c.state = SubscribeSwitch
		return resp.EncodeCommand("subscribe", "+switch-master", "+redirect-to-master")
	case SubscribeSwitch:
		c.state = SubscribeRedirect
	case SubscribeRedirect:
		c.state = Steady
	}
	return nil
}

// SwitchMessage is a parsed "+switch-master" pub/sub payload:
// "<master-name> <old-ip> <old-port> <new-ip> <new-port>".
type SwitchMessage struct {
	MasterName string
	OldAddr    string
	NewAddr    string
}

// ParseSwitchMessage parses one pub/sub payload with strings.Fields, for the
// whitespace-delimited SENTINEL reply fields.
func ParseSwitchMessage(payload string) (SwitchMessage, bool) {
	fields := strings.Fields(payload)
	if len(fields) != 5 {
		return SwitchMessage{}, false
	}
	return SwitchMessage{
		MasterName: fields[0],
		OldAddr:    fields[1] + ":" + fields[2],
		NewAddr:    fields[3] + ":" + fields[4],
	}, true
}

// OnNotification handles a pub/sub message received in the Steady state: if
// it names this client's master, the pool is repointed at the new address.
// Messages for other masters (a shared sentinel instance serving several
// pools) are ignored.
func (c *Client) OnNotification(payload string) {
	msg, ok := ParseSwitchMessage(payload)
	if !ok || msg.MasterName != c.masterName {
		return
	}
	c.pool.Repoint(msg.OldAddr, msg.NewAddr)
}

// Reset returns the client to Disconnected, called when the sentinel
// connection itself drops; the event loop's reconnect timer calls Start
// again once the retry interval elapses.
func (c *Client) Reset() {
	c.state = Disconnected
}

var _ Repointer = (*serverpool.Pool)(nil)
