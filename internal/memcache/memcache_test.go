package memcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutproxy/internal/message"
)

func TestFeedParsesGet(t *testing.T) {
	var d Decoder
	consumed, msg, incomplete, err := d.Feed([]byte("get foo\r\n"))
	require.NoError(t, err)
	assert.False(t, incomplete)
	assert.Equal(t, len("get foo\r\n"), consumed)
	require.NotNil(t, msg)
	assert.Equal(t, "GET", msg.Cmd.Name)
	assert.Equal(t, message.PermRead, msg.Cmd.Perm)
	require.Len(t, msg.Keys, 1)
	assert.Equal(t, []byte("foo"), msg.RawArgs[1])
}

func TestFeedRejectsGetWithWrongArity(t *testing.T) {
	var d Decoder
	_, msg, incomplete, err := d.Feed([]byte("get foo bar\r\n"))
	assert.Equal(t, ErrProtocol, err)
	assert.False(t, incomplete)
	assert.Nil(t, msg)
}

func TestFeedParsesDelete(t *testing.T) {
	var d Decoder
	consumed, msg, incomplete, err := d.Feed([]byte("delete foo\r\n"))
	require.NoError(t, err)
	assert.False(t, incomplete)
	assert.Equal(t, len("delete foo\r\n"), consumed)
	require.NotNil(t, msg)
	assert.Equal(t, "DEL", msg.Cmd.Name)
	assert.Equal(t, message.PermWrite, msg.Cmd.Perm)
}

func TestFeedParsesSet(t *testing.T) {
	var d Decoder
	buf := []byte("set foo 0 0 3\r\nbar\r\n")
	consumed, msg, incomplete, err := d.Feed(buf)
	require.NoError(t, err)
	assert.False(t, incomplete)
	assert.Equal(t, len(buf), consumed)
	require.NotNil(t, msg)
	assert.Equal(t, "SET", msg.Cmd.Name)
	assert.Equal(t, message.PermWrite, msg.Cmd.Perm)
	require.Len(t, msg.RawArgs, 3)
	assert.Equal(t, []byte("foo"), msg.RawArgs[1])
	assert.Equal(t, []byte("bar"), msg.RawArgs[2])
}

func TestFeedSetWaitsForFullBodyAndTrailer(t *testing.T) {
	var d Decoder

	// header complete, body not yet arrived
	_, msg, incomplete, err := d.Feed([]byte("set foo 0 0 3\r\nba"))
	require.NoError(t, err)
	assert.True(t, incomplete)
	assert.Nil(t, msg)

	// full body present, now parses
	consumed, msg, incomplete, err := d.Feed([]byte("set foo 0 0 3\r\nbar\r\n"))
	require.NoError(t, err)
	assert.False(t, incomplete)
	assert.Equal(t, len("set foo 0 0 3\r\nbar\r\n"), consumed)
	require.NotNil(t, msg)
}

func TestFeedSetRejectsMissingTrailer(t *testing.T) {
	var d Decoder
	_, msg, incomplete, err := d.Feed([]byte("set foo 0 0 3\r\nbarXX"))
	assert.Equal(t, ErrProtocol, err)
	assert.False(t, incomplete)
	assert.Nil(t, msg)
}

func TestFeedSetRejectsBadByteCount(t *testing.T) {
	var d Decoder
	_, msg, incomplete, err := d.Feed([]byte("set foo 0 0 notanumber\r\nbar\r\n"))
	assert.Equal(t, ErrProtocol, err)
	assert.False(t, incomplete)
	assert.Nil(t, msg)
}

func TestFeedWaitsForCompleteLine(t *testing.T) {
	var d Decoder
	consumed, msg, incomplete, err := d.Feed([]byte("get fo"))
	require.NoError(t, err)
	assert.True(t, incomplete)
	assert.Nil(t, msg)
	assert.Equal(t, 0, consumed)
}

func TestFeedRejectsUnknownCommand(t *testing.T) {
	var d Decoder
	_, msg, incomplete, err := d.Feed([]byte("incr foo\r\n"))
	assert.Equal(t, ErrProtocol, err)
	assert.False(t, incomplete)
	assert.Nil(t, msg)
}

func TestFeedDropsBlankLine(t *testing.T) {
	var d Decoder
	consumed, msg, incomplete, err := d.Feed([]byte("\r\nget foo\r\n"))
	require.NoError(t, err)
	assert.False(t, incomplete)
	assert.Nil(t, msg)
	assert.Equal(t, 2, consumed)
}

func TestEncodeReplyGetHit(t *testing.T) {
	out := EncodeReply("GET", []byte("foo"), []byte("$3\r\nbar\r\n"))
	assert.Equal(t, "VALUE foo 0 3\r\nbar\r\nEND\r\n", string(out))
}

func TestEncodeReplyGetMiss(t *testing.T) {
	out := EncodeReply("GET", []byte("foo"), []byte("$-1\r\n"))
	assert.Equal(t, "END\r\n", string(out))
}

func TestEncodeReplySetStored(t *testing.T) {
	out := EncodeReply("SET", []byte("foo"), []byte("+OK\r\n"))
	assert.Equal(t, "STORED\r\n", string(out))
}

func TestEncodeReplySetNotStored(t *testing.T) {
	out := EncodeReply("SET", []byte("foo"), []byte("-ERR something\r\n"))
	assert.Equal(t, "NOT_STORED\r\n", string(out))
}

func TestEncodeReplyDeleteFound(t *testing.T) {
	out := EncodeReply("DEL", []byte("foo"), []byte(":1\r\n"))
	assert.Equal(t, "DELETED\r\n", string(out))
}

func TestEncodeReplyDeleteNotFound(t *testing.T) {
	out := EncodeReply("DEL", []byte("foo"), []byte(":0\r\n"))
	assert.Equal(t, "NOT_FOUND\r\n", string(out))
}

func TestEncodeReplyUnknownCommand(t *testing.T) {
	out := EncodeReply("EXEC", []byte("foo"), []byte("+OK\r\n"))
	assert.Equal(t, "ERROR\r\n", string(out))
}
