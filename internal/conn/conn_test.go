package conn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutproxy/internal/bufchain"
	"nutproxy/internal/message"
)

func newTestConn(t *testing.T, kind Kind) *Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	alloc := bufchain.NewAllocator(0)
	c := New(0, a, kind, alloc)
	return c
}

func TestDecodeRequestsDeliversEachMessage(t *testing.T) {
	c := newTestConn(t, KindClient)
	dst := c.In.PushWrite(64)
	payload := []byte("*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n")
	copy(dst, payload)
	c.In.CommitWrite(len(payload))

	var got []string
	err := DecodeRequests(c, func(m *message.Message) {
		got = append(got, m.Cmd.Name)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"PING", "PING"}, got)
}

func TestDecodeRequestsStopsOnPartialMessage(t *testing.T) {
	c := newTestConn(t, KindClient)
	dst := c.In.PushWrite(64)
	payload := []byte("*1\r\n$4\r\nPI")
	copy(dst, payload)
	c.In.CommitWrite(len(payload))

	called := false
	err := DecodeRequests(c, func(m *message.Message) { called = true })
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, len(payload), c.In.Len())
}

func TestFilterRequestDropsEmpty(t *testing.T) {
	c := newTestConn(t, KindClient)
	m := message.Get()
	defer message.Put(m)

	action, _ := FilterRequest(c, m, nil)
	assert.Equal(t, ActionDrop, action)
}

func TestFilterRequestDrainsOnQuit(t *testing.T) {
	c := newTestConn(t, KindClient)
	m := message.Get()
	defer message.Put(m)
	m.Cmd.Name = "QUIT"
	m.RawArgs = [][]byte{[]byte("QUIT")}
	m.SetFlag(message.FlagQuit)

	action, reply := FilterRequest(c, m, nil)
	assert.Equal(t, ActionDrainClose, action)
	assert.Equal(t, "+OK\r\n", string(reply))
}

func TestFilterRequestRejectsForbiddenPermission(t *testing.T) {
	c := newTestConn(t, KindClient)
	c.Permissions = message.PermRead
	m := message.Get()
	defer message.Put(m)
	m.Cmd.Name = "SET"
	m.Cmd.Perm = message.PermWrite
	m.RawArgs = [][]byte{[]byte("SET"), []byte("k"), []byte("v")}

	action, reply := FilterRequest(c, m, nil)
	assert.Equal(t, ActionReject, action)
	assert.Contains(t, string(reply), "not permitted")
}

func TestFilterRequestPreAuthGatesUntilAuthenticated(t *testing.T) {
	c := newTestConn(t, KindClient)
	c.NoForward = true
	m := message.Get()
	defer message.Put(m)
	m.Cmd.Name = "GET"
	m.RawArgs = [][]byte{[]byte("GET"), []byte("k")}

	action, reply := FilterRequest(c, m, nil)
	assert.Equal(t, ActionPreAuth, action)
	assert.Contains(t, string(reply), "NOAUTH")
}

func TestShouldPauseRequiresBothPipelineDepthAndBudget(t *testing.T) {
	alloc := bufchain.NewAllocator(1) // budget of 1 byte, trivially over-budget after one chunk
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	c := New(0, a, KindBackend, alloc)
	c.PipelineLimit = 2

	assert.False(t, c.ShouldPause(), "pipeline not yet deep enough")
	c.Pending = []*message.Message{message.Get(), message.Get()}
	c.Alloc.Get() // push allocator over its 1-byte budget
	assert.True(t, c.ShouldPause())
}

func TestEnqueueRequestKeepsPendingAndWriteQueueInLockstep(t *testing.T) {
	c := newTestConn(t, KindBackend)
	req := message.Get()
	defer message.Put(req)
	c.EnqueueRequest(req, []byte("*1\r\n$4\r\nPING\r\n"))

	assert.Equal(t, 1, c.PipelineDepth())
	assert.True(t, c.HasPendingWrites())
}
