package fragment

import (
	"strconv"

	"nutproxy/internal/message"
	"nutproxy/internal/resp"
)

// Coalesce builds parent.Reply from its now-complete children, dispatching
// to the per-command coalescer. Callers must only call this once
// parent.AllFragsDone() is true.
func Coalesce(parent *message.Message) []byte {
	switch parent.Cmd.Name {
	case "MGET":
		return coalesceMGet(parent)
	case "MSET":
		return coalesceSimpleOK(parent)
	case "DEL", "EXISTS":
		return coalesceSum(parent)
	case "BROADCAST":
		return coalesceBroadcast(parent)
	default:
		return coalesceFirst(parent)
	}
}

// coalesceMGet reassembles a single bulk-array reply positionally: each
// child covers a subset of the original key order, so results are placed
// back by the key index they answered rather than by child arrival order
// (children can complete out of order; their final position never does).
func coalesceMGet(parent *message.Message) []byte {
	results := make([][]byte, len(parent.Keys))
	for _, child := range parent.Children {
		childResults := splitTopLevelArray(child.Reply)
		pos := 0
		for i, kr := range parent.Keys {
			if keyBackend(parent, kr) != child.FragIndex {
				continue
			}
			if pos < len(childResults) {
				results[i] = childResults[pos]
			}
			pos++
		}
	}
	return encodeArray(results)
}

// keyBackend recomputes which child a given key range was assigned to by
// scanning the children's recorded FragIndex — cheap at this message's
// scale (a handful of keys) and avoids threading a key->child map through
// Message just for this one reassembly step.
func keyBackend(parent *message.Message, kr message.KeyRange) int {
	argIdx := kr.Offset
	key := parent.RawArgs[argIdx]
	for _, child := range parent.Children {
		for _, arg := range child.RawArgs[1:] {
			if string(arg) == string(key) {
				return child.FragIndex
			}
		}
	}
	return -1
}

// coalesceSum adds up each child's integer reply, for DEL/EXISTS.
func coalesceSum(parent *message.Message) []byte {
	var total int64
	for _, child := range parent.Children {
		total += parseInteger(child.Reply)
	}
	return resp.EncodeInteger(total)
}

// coalesceSimpleOK returns a single "+OK" once every MSET fragment has
// succeeded; any per-fragment error is surfaced instead (first one found).
func coalesceSimpleOK(parent *message.Message) []byte {
	for _, child := range parent.Children {
		if isError(child.Reply) {
			return child.Reply
		}
	}
	return resp.EncodeSimpleString("OK")
}

// coalesceBroadcast builds the BROADCAST aggregate: a single RESP array,
// one element per backend, ordered by ascending backend index so the
// aggregate is deterministic regardless of fragment arrival order.
func coalesceBroadcast(parent *message.Message) []byte {
	ordered := append([]*message.Message(nil), parent.Children...)
	sortChildrenByFragIndex(ordered)
	elems := make([][]byte, len(ordered))
	for i, c := range ordered {
		elems[i] = c.Reply
	}
	return encodeArray(elems)
}

func sortChildrenByFragIndex(children []*message.Message) {
	for i := 1; i < len(children); i++ {
		for j := i; j > 0 && children[j].FragIndex < children[j-1].FragIndex; j-- {
			children[j], children[j-1] = children[j-1], children[j]
		}
	}
}

// coalesceFirst is the fallback for a command that was "split" into exactly
// one fragment (the common case for every single-key command routed
// through Split for symmetry): its one child's reply is the parent's reply.
func coalesceFirst(parent *message.Message) []byte {
	if len(parent.Children) == 0 {
		return parent.Reply
	}
	return parent.Children[0].Reply
}

// splitTopLevelArray breaks a RESP array reply ("*N\r\n...") into its N
// top-level element byte slices, using elementLength below; it stops at the
// first element that is not a bulk string.
func splitTopLevelArray(reply []byte) [][]byte {
	if len(reply) == 0 || reply[0] != '*' {
		return nil
	}
	idx := indexCRLF(reply)
	if idx < 0 {
		return nil
	}
	n, err := strconv.Atoi(string(reply[1:idx]))
	if err != nil || n < 0 {
		return nil
	}
	pos := idx + 2
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		elemLen := elementLength(reply[pos:])
		if elemLen < 0 {
			break
		}
		out = append(out, reply[pos:pos+elemLen])
		pos += elemLen
	}
	return out
}

// elementLength mirrors resp.scanReply's length-finding logic for the one
// reply shape MGET children actually produce (bulk strings and nulls);
// coalesce never needs the full recursive scanner since backends never
// nest arrays inside an MGET fragment's reply.
func elementLength(buf []byte) int {
	if len(buf) == 0 || buf[0] != '$' {
		return -1
	}
	idx := indexCRLF(buf)
	if idx < 0 {
		return -1
	}
	n, err := strconv.Atoi(string(buf[1:idx]))
	if err != nil {
		return -1
	}
	if n < 0 {
		return idx + 2
	}
	return idx + 2 + n + 2
}

func indexCRLF(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func parseInteger(reply []byte) int64 {
	if len(reply) == 0 || reply[0] != ':' {
		return 0
	}
	idx := indexCRLF(reply)
	if idx < 0 {
		return 0
	}
	n, _ := strconv.ParseInt(string(reply[1:idx]), 10, 64)
	return n
}

func isError(reply []byte) bool {
	return len(reply) > 0 && reply[0] == '-'
}

func encodeArray(elems [][]byte) []byte {
	out := append([]byte(nil), []byte("*"+strconv.Itoa(len(elems))+"\r\n")...)
	for _, e := range elems {
		if e == nil {
			out = append(out, []byte("$-1\r\n")...)
			continue
		}
		out = append(out, e...)
	}
	return out
}
