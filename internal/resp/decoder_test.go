package resp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutproxy/internal/bufchain"
	"nutproxy/internal/message"
)

func feedBytes(t *testing.T, alloc *bufchain.Allocator, chunks ...[]byte) (*bufchain.Chain, []Result, []*message.Message) {
	t.Helper()
	chain := bufchain.NewChain(alloc)
	var dec RequestDecoder
	var results []Result
	var msgs []*message.Message
	for _, part := range chunks {
		dst := chain.PushWrite(len(part))
		require.GreaterOrEqual(t, len(dst), len(part))
		copy(dst, part)
		chain.CommitWrite(len(part))

		for {
			res, msg, suffix, err := dec.Feed(chain)
			require.NoError(t, err)
			results = append(results, res)
			if res == Again {
				break
			}
			msgs = append(msgs, msg)
			chain = suffix
			if res == OK {
				break
			}
			// Repair: loop again in case the suffix itself holds a
			// complete second request already.
		}
	}
	return chain, results, msgs
}

func TestDecodeMultiBulkSingleMessage(t *testing.T) {
	alloc := bufchain.NewAllocator(0)
	_, results, msgs := feedBytes(t, alloc, []byte("*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"))
	require.Len(t, msgs, 1)
	assert.Equal(t, OK, results[len(results)-1])
	assert.Equal(t, "SET", msgs[0].Cmd.Name)
	require.Len(t, msgs[0].Keys, 1)
	assert.Equal(t, 3, msgs[0].Keys[0].Length)
}

func TestDecodeInlineCommand(t *testing.T) {
	alloc := bufchain.NewAllocator(0)
	_, results, msgs := feedBytes(t, alloc, []byte("PING\r\n"))
	require.Len(t, msgs, 1)
	assert.Equal(t, OK, results[len(results)-1])
	assert.Equal(t, "PING", msgs[0].Cmd.Name)
	assert.True(t, msgs[0].Cmd.Local)
}

func TestDecodeSplitAcrossBulkLength(t *testing.T) {
	alloc := bufchain.NewAllocator(0)
	full := []byte("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	// Split mid bulk-length line ("$3" cut between the digit and CRLF).
	part1 := full[:6]
	part2 := full[6:]
	_, results, msgs := feedBytes(t, alloc, part1, part2)
	require.Len(t, msgs, 1)
	assert.Contains(t, results, Again)
	assert.Equal(t, OK, results[len(results)-1])
	assert.Equal(t, "GET", msgs[0].Cmd.Name)
}

func TestDecodeSplitAcrossBulkBody(t *testing.T) {
	alloc := bufchain.NewAllocator(0)
	full := []byte("*2\r\n$3\r\nGET\r\n$6\r\nfoobar\r\n")
	idx := bytesIndexOf(full, []byte("foobar")) + 3 // split mid payload
	_, results, msgs := feedBytes(t, alloc, full[:idx], full[idx:])
	require.Len(t, msgs, 1)
	assert.Contains(t, results, Again)
	assert.Equal(t, "foobar", string(msgs[0].RawArgs[1]))
}

func TestDecodeSplitAcrossTerminator(t *testing.T) {
	alloc := bufchain.NewAllocator(0)
	full := []byte("*1\r\n$4\r\nPING\r\n")
	idx := len(full) - 1 // split between the \r and \n of the final terminator
	_, results, msgs := feedBytes(t, alloc, full[:idx], full[idx:])
	require.Len(t, msgs, 1)
	assert.Contains(t, results, Again)
	assert.Equal(t, OK, results[len(results)-1])
	assert.Equal(t, "PING", msgs[0].Cmd.Name)
}

func TestDecodeRepairSplitsTwoMessagesInOneRead(t *testing.T) {
	alloc := bufchain.NewAllocator(0)
	_, results, msgs := feedBytes(t, alloc, []byte("PING\r\nPING\r\n"))
	require.Len(t, msgs, 2)
	assert.Equal(t, Repair, results[0])
	assert.Equal(t, OK, results[len(results)-1])
}

func TestDecodeMGetRecordsAllKeys(t *testing.T) {
	alloc := bufchain.NewAllocator(0)
	_, _, msgs := feedBytes(t, alloc, []byte("*4\r\n$4\r\nMGET\r\n$1\r\na\r\n$1\r\nb\r\n$1\r\nc\r\n"))
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Cmd.MultiKey)
	assert.Len(t, msgs[0].Keys, 3)
}

func TestDecodeHMSetIsNotMultiKey(t *testing.T) {
	alloc := bufchain.NewAllocator(0)
	_, _, msgs := feedBytes(t, alloc, []byte("*4\r\n$5\r\nHMSET\r\n$1\r\nh\r\n$1\r\nf\r\n$1\r\nv\r\n"))
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Cmd.MultiKey)
	require.Len(t, msgs[0].Keys, 1)
}

func TestDecodeUnknownCommandFlagsError(t *testing.T) {
	alloc := bufchain.NewAllocator(0)
	_, _, msgs := feedBytes(t, alloc, []byte("*1\r\n$7\r\nBOGUSCX\r\n"))
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Cmd.Unknown)
	assert.True(t, msgs[0].HasFlag(message.FlagError))
}

func TestDecodeMalformedBulkLengthIsError(t *testing.T) {
	alloc := bufchain.NewAllocator(0)
	chain := bufchain.NewChain(alloc)
	payload := []byte("*1\r\n$x\r\nAB\r\n")
	dst := chain.PushWrite(len(payload))
	copy(dst, payload)
	chain.CommitWrite(len(payload))

	var dec RequestDecoder
	res, _, _, err := dec.Feed(chain)
	assert.Equal(t, Error, res)
	assert.Error(t, err)
}

func TestResponseDecoderSimpleAndBulk(t *testing.T) {
	alloc := bufchain.NewAllocator(0)
	chain := bufchain.NewChain(alloc)
	payload := []byte("+OK\r\n$3\r\nfoo\r\n")
	dst := chain.PushWrite(len(payload))
	copy(dst, payload)
	chain.CommitWrite(len(payload))

	var dec ResponseDecoder
	res, msg, suffix, err := dec.Feed(chain)
	require.NoError(t, err)
	assert.Equal(t, Repair, res)
	assert.Equal(t, "+OK\r\n", string(msg.Reply))

	res2, msg2, _, err2 := dec.Feed(suffix)
	require.NoError(t, err2)
	assert.Equal(t, OK, res2)
	assert.Equal(t, "$3\r\nfoo\r\n", string(msg2.Reply))
}

func TestResponseDecoderNestedArray(t *testing.T) {
	alloc := bufchain.NewAllocator(0)
	chain := bufchain.NewChain(alloc)
	payload := []byte("*2\r\n$1\r\na\r\n*2\r\n:1\r\n:2\r\n")
	dst := chain.PushWrite(len(payload))
	copy(dst, payload)
	chain.CommitWrite(len(payload))

	var dec ResponseDecoder
	res, msg, _, err := dec.Feed(chain)
	require.NoError(t, err)
	assert.Equal(t, OK, res)
	assert.Equal(t, payload, msg.Reply)
}

func TestResponseDecoderAgainOnPartialHeader(t *testing.T) {
	alloc := bufchain.NewAllocator(0)
	chain := bufchain.NewChain(alloc)
	payload := []byte("$5\r\nhel")
	dst := chain.PushWrite(len(payload))
	copy(dst, payload)
	chain.CommitWrite(len(payload))

	var dec ResponseDecoder
	res, msg, _, err := dec.Feed(chain)
	require.NoError(t, err)
	assert.Equal(t, Again, res)
	assert.Nil(t, msg)
}

func bytesIndexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
