package sentinel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepointer struct {
	oldAddr, newAddr string
	calls            int
}

func (f *fakeRepointer) Repoint(oldAddr, newAddr string) {
	f.oldAddr, f.newAddr = oldAddr, newAddr
	f.calls++
}

func TestClientHandshakeSequence(t *testing.T) {
	c := NewClient("mymaster", &fakeRepointer{})
	assert.Equal(t, Disconnected, c.State())

	opening := c.Start()
	assert.Equal(t, SendInfo, c.State())
	assert.Equal(t,
		"*2\r\n$4\r\ninfo\r\n$8\r\nsentinel\r\n*2\r\n$4\r\ninfo\r\n$11\r\nreplication\r\n",
		string(opening))

	// First INFO reply: silent ack.
	assert.Nil(t, c.HandshakeReply())
	assert.Equal(t, AckInfo, c.State())

	// Second INFO reply: the combined subscribe goes out.
	sub := c.HandshakeReply()
	assert.Equal(t, SubscribeSwitch, c.State())
	assert.Equal(t,
		"*3\r\n$9\r\nsubscribe\r\n$14\r\n+switch-master\r\n$19\r\n+redirect-to-master\r\n",
		string(sub))

	// One ack per subscribed channel.
	assert.Nil(t, c.HandshakeReply())
	assert.Equal(t, SubscribeRedirect, c.State())
	assert.Nil(t, c.HandshakeReply())
	assert.Equal(t, Steady, c.State())
}

func TestParseSwitchMessage(t *testing.T) {
	msg, ok := ParseSwitchMessage("pool1-shard1 10.0.0.1 6379 10.0.0.2 6379")
	require.True(t, ok)
	assert.Equal(t, "pool1-shard1", msg.MasterName)
	assert.Equal(t, "10.0.0.1:6379", msg.OldAddr)
	assert.Equal(t, "10.0.0.2:6379", msg.NewAddr)

	_, ok = ParseSwitchMessage("not enough fields")
	assert.False(t, ok)
}

func TestOnNotificationRepointsOnlyItsOwnMaster(t *testing.T) {
	fr := &fakeRepointer{}
	c := NewClient("pool1-shard1", fr)

	c.OnNotification("pool1-shard2 10.0.0.1 6379 10.0.0.2 6379")
	assert.Zero(t, fr.calls, "a switch for another master must be ignored")

	c.OnNotification("pool1-shard1 10.0.0.1 6379 10.0.0.2 6379")
	require.Equal(t, 1, fr.calls)
	assert.Equal(t, "10.0.0.1:6379", fr.oldAddr)
	assert.Equal(t, "10.0.0.2:6379", fr.newAddr)
}

func TestResetReturnsToDisconnected(t *testing.T) {
	c := NewClient("mymaster", &fakeRepointer{})
	c.Start()
	for c.State() != Steady {
		c.HandshakeReply()
	}
	c.Reset()
	assert.Equal(t, Disconnected, c.State())
}
