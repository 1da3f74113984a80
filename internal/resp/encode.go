package resp

import (
	"bytes"

	"github.com/mediocregopher/radix/v3/resp/resp2"
)

// Encoding the handful of messages the proxy itself originates — synthetic
// errors, the AUTH priming command sent on every new backend connection, and
// the literal SENTINEL commands the sentinel client issues — goes through
// radix/v3's resp2 package rather than the hand-rolled scanner in
// decoder.go/response.go. Those two only ever need to find message
// boundaries in bytes that already arrived off the wire. Forwarded commands
// are not encoded here: EncodeMultiBulk in multibulk.go re-encodes them by
// hand from their RawArgs.

// EncodeSimpleString serializes a "+OK\r\n" style reply.
func EncodeSimpleString(s string) []byte {
	var buf bytes.Buffer
	(resp2.SimpleString{S: s}).MarshalRESP(&buf)
	return buf.Bytes()
}

// EncodeError serializes a "-ERR ...\r\n" style reply, used for synthetic
// errors the proxy produces itself (parse errors, quota rejection, backend
// unavailable) rather than ones a backend returned.
func EncodeError(msg string) []byte {
	var buf bytes.Buffer
	(resp2.Error{E: errString(msg)}).MarshalRESP(&buf)
	return buf.Bytes()
}

// EncodeInteger serializes a ":N\r\n" style reply.
func EncodeInteger(n int64) []byte {
	var buf bytes.Buffer
	(resp2.Int{I: n}).MarshalRESP(&buf)
	return buf.Bytes()
}

// EncodeCommand serializes a client-style multi-bulk request, used for the
// AUTH priming command issued to a freshly dialed backend and for the
// literal SENTINEL protocol commands in internal/sentinel.
func EncodeCommand(args ...string) []byte {
	var buf bytes.Buffer
	arr := make([]string, len(args))
	copy(arr, args)
	(resp2.Any{I: toInterfaceSlice(arr)}).MarshalRESP(&buf)
	return buf.Bytes()
}

func toInterfaceSlice(args []string) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

type errString string

func (e errString) Error() string { return string(e) }
