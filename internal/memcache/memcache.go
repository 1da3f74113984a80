// Package memcache is the vestigial memcached-protocol shim: a tiny
// single-line-command scanner for "get"/"set"/
// "delete", translating each into a synthetic message.Message that is fed
// straight into the same fragmentation/hashing/forwarding pipeline every
// Redis command goes through. It is not a complete memcached
// implementation — no flags/exptime/cas handling beyond what maps onto
// GET/SET/DEL — and is only reachable when a pool is configured with
// protocol: memcache.
package memcache

import (
	"bufio"
	"bytes"
	"strconv"

	"nutproxy/internal/message"
	"nutproxy/internal/resp"
)

// Decoder recognizes one memcached text-protocol command at a time, never
// maintaining parser state across Feed calls: an incomplete result asks the
// caller to feed the same, longer prefix again (mirroring
// resp.RequestDecoder's re-scan-the-prefix contract).
type Decoder struct{}

// ErrProtocol is returned for anything this minimal shim doesn't recognize —
// multi-get, CAS, binary protocol, and every other memcached feature beyond
// get/set/delete is out of scope for a vestigial branch.
var ErrProtocol = protocolError{}

type protocolError struct{}

func (protocolError) Error() string { return "memcache: unsupported or malformed command" }

// Feed parses one complete memcached line command from buf, translating it
// into a Redis-shaped Message (GET/SET/DEL) the rest of the pipeline never
// has to special-case. It returns the number of bytes consumed, or
// incomplete=true if buf doesn't yet hold a full command.
func (d *Decoder) Feed(buf []byte) (consumed int, msg *message.Message, incomplete bool, err error) {
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx < 0 {
		if len(buf) > 8*1024 {
			return 0, nil, false, ErrProtocol
		}
		return 0, nil, true, nil
	}
	line := buf[:idx]
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return idx + 2, nil, false, nil // blank line, dropped like an empty RESP request
	}

	switch string(bytes.ToLower(fields[0])) {
	case "get":
		if len(fields) != 2 {
			return 0, nil, false, ErrProtocol
		}
		return idx + 2, syntheticGet(fields[1]), false, nil
	case "delete":
		if len(fields) != 2 {
			return 0, nil, false, ErrProtocol
		}
		return idx + 2, syntheticDel(fields[1]), false, nil
	case "set":
		return parseSet(buf, idx, fields)
	default:
		return 0, nil, false, ErrProtocol
	}
}

// parseSet handles "set <key> <flags> <exptime> <bytes>\r\n<data>\r\n",
// dropping flags/exptime (no cas, no binary protocol) and mapping the data
// block straight onto a Redis SET.
func parseSet(buf []byte, lineEnd int, fields [][]byte) (int, *message.Message, bool, error) {
	if len(fields) != 5 {
		return 0, nil, false, ErrProtocol
	}
	n, convErr := strconv.Atoi(string(fields[4]))
	if convErr != nil || n < 0 {
		return 0, nil, false, ErrProtocol
	}
	bodyStart := lineEnd + 2
	need := bodyStart + n + 2
	if len(buf) < need {
		return 0, nil, true, nil
	}
	if buf[bodyStart+n] != '\r' || buf[bodyStart+n+1] != '\n' {
		return 0, nil, false, ErrProtocol
	}
	value := append([]byte(nil), buf[bodyStart:bodyStart+n]...)
	return need, syntheticSet(fields[1], value), false, nil
}

func syntheticGet(key []byte) *message.Message {
	return synthetic("GET", key)
}

func syntheticDel(key []byte) *message.Message {
	return synthetic("DEL", key)
}

func syntheticSet(key, value []byte) *message.Message {
	msg := synthetic("SET", key)
	msg.RawArgs = append(msg.RawArgs, value)
	return msg
}

func synthetic(cmd string, key []byte) *message.Message {
	msg := message.Get()
	msg.Dir = message.Request
	msg.Cmd = message.Command{Name: cmd, Perm: permFor(cmd), Arity: 2}
	msg.RawArgs = [][]byte{[]byte(cmd), append([]byte(nil), key...)}
	msg.Keys = []message.KeyRange{{Offset: 1, Length: len(key)}}
	return msg
}

func permFor(cmd string) message.Permission {
	if cmd == "GET" {
		return message.PermRead
	}
	return message.PermWrite
}

// EncodeReply translates a Redis-shaped reply back into the memcached text
// protocol the client expects, for the handful of shapes GET/SET/DEL can
// produce: "VALUE <key> 0 <n>\r\n<data>\r\nEND\r\n" for a hit, "END\r\n" for
// a miss, "STORED\r\n"/"DELETED\r\n" for writes.
func EncodeReply(cmd string, key []byte, reply []byte) []byte {
	switch cmd {
	case "GET":
		return encodeGetReply(key, reply)
	case "SET":
		if resp.IsOK(reply) {
			return []byte("STORED\r\n")
		}
		return []byte("NOT_STORED\r\n")
	case "DEL":
		if resp.IsPositiveInt(reply) {
			return []byte("DELETED\r\n")
		}
		return []byte("NOT_FOUND\r\n")
	default:
		return []byte("ERROR\r\n")
	}
}

func encodeGetReply(key, reply []byte) []byte {
	if resp.IsNullBulk(reply) {
		return []byte("END\r\n")
	}
	value := resp.BulkValue(reply)
	if value == nil {
		return []byte("END\r\n")
	}
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	w.WriteString("VALUE ")
	w.Write(key)
	w.WriteString(" 0 ")
	w.WriteString(strconv.Itoa(len(value)))
	w.WriteString("\r\n")
	w.Write(value)
	w.WriteString("\r\nEND\r\n")
	w.Flush()
	return buf.Bytes()
}
