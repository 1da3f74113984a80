package resp

import (
	"bytes"
	"strconv"
)

// EncodeMultiBulk serializes args as a RESP multi-bulk array, the wire form
// every command the proxy forwards to a backend takes regardless of
// whether it arrived inline or multi-bulk from the client, and regardless
// of whether it's the original request or a fragment.Split child rebuilt
// from a subset of RawArgs. A nil element encodes as the null bulk
// ("$-1\r\n"), matching the parser's own treatment of one.
func EncodeMultiBulk(args [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("*")
	buf.WriteString(strconv.Itoa(len(args)))
	buf.WriteString("\r\n")
	for _, a := range args {
		if a == nil {
			buf.WriteString("$-1\r\n")
			continue
		}
		buf.WriteString("$")
		buf.WriteString(strconv.Itoa(len(a)))
		buf.WriteString("\r\n")
		buf.Write(a)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}
