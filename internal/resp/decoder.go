package resp

import (
	"bytes"
	"strconv"

	"nutproxy/internal/bufchain"
	"nutproxy/internal/message"
)

// RequestDecoder turns client bytes into request Messages. It is resumable:
// Feed may be called repeatedly as more bytes arrive, and on Again the
// decoder expects to be handed the same (now longer) prefix again rather
// than persisting byte-level parser state itself — the connection layer
// never discards unconsumed bytes between calls, so re-scanning from byte 0
// of the still-buffered prefix is simply a constant-factor cost, not a
// correctness concern, and it avoids threading an FSM snapshot across the
// package boundary.
type RequestDecoder struct{}

// ErrParse is returned (wrapped) when the byte stream violates the protocol.
var ErrParse = errParse{}

type errParse struct{}

func (errParse) Error() string { return "resp: protocol error" }

const maxMultiBulkDepth = 3

// Feed attempts to parse exactly one request from the unread prefix of
// chain. On OK/Repair it returns the message (owning a chain holding just
// its own bytes) and the suffix chain holding whatever bytes remain
// unconsumed (empty on OK, non-empty on Repair). On Again, msg is nil and
// the returned chain is the same chain passed in, untouched is implied by
// the caller continuing to append to it. On Error, the connection must be
// closed after draining any already-queued replies.
func (d *RequestDecoder) Feed(chain *bufchain.Chain) (Result, *message.Message, *bufchain.Chain, error) {
	buf := chain.Bytes(0)
	if len(buf) == 0 {
		return Again, nil, chain, nil
	}

	n, cmdName, rawArgs, keys, incomplete, err := parseRequestFrame(buf)
	if err != nil {
		return Error, nil, chain, err
	}
	if incomplete {
		return Again, nil, chain, nil
	}

	msg := message.Get()
	msg.Dir = message.Request
	msg.Cmd = lookupCommand(cmdName)
	msg.RawArgs = rawArgs
	msg.Keys = keys
	if msg.Cmd.Name == "QUIT" {
		msg.SetFlag(message.FlagQuit)
	}
	if msg.Cmd.Unknown && msg.Cmd.Name != "" {
		// An empty inline line stays unflagged; the filter chain drops it
		// instead of answering an unknown-command error.
		msg.SetFlag(message.FlagError)
		msg.Err = ErrParse
	}

	suffix := chain.Split(n)
	msg.Chain = chain

	if suffix.Empty() {
		return OK, msg, suffix, nil
	}
	return Repair, msg, suffix, nil
}

// parseRequestFrame parses one request starting at buf[0]: either an inline
// command (a single CRLF-terminated line of space-separated tokens) or a
// multi-bulk array ("*N\r\n" followed by N "$L\r\n<L bytes>\r\n" bulks).
// It returns the number of bytes consumed, the command name, every argument
// (including the command name at index 0), and the byte ranges of arguments
// that are keys given the command's arity/multi-key shape.
func parseRequestFrame(buf []byte) (n int, cmdName []byte, rawArgs [][]byte, keys []message.KeyRange, incomplete bool, err error) {
	if buf[0] == '*' {
		return parseMultiBulkRequest(buf)
	}
	return parseInlineRequest(buf)
}

func parseInlineRequest(buf []byte) (n int, cmdName []byte, rawArgs [][]byte, keys []message.KeyRange, incomplete bool, err error) {
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx < 0 {
		// Inline commands are short by convention; guard against an
		// unbounded line by capping how long we'll wait before giving up.
		if len(buf) > 64*1024 {
			return 0, nil, nil, nil, false, ErrParse
		}
		return 0, nil, nil, nil, true, nil
	}
	line := buf[:idx]
	n = idx + 2
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		// An empty inline line is a no-op request; the caller's filter
		// chain drops it.
		return n, []byte(""), nil, nil, false, nil
	}
	cmdName = fields[0]
	rawArgs = fields
	keys = keyRangesFor(lookupCommand(cmdName), fields)
	return n, cmdName, rawArgs, keys, false, nil
}

func parseMultiBulkRequest(buf []byte) (n int, cmdName []byte, rawArgs [][]byte, keys []message.KeyRange, incomplete bool, err error) {
	pos := 0
	count, adv, inc, perr := readLineInt(buf, pos, '*')
	if perr != nil {
		return 0, nil, nil, nil, false, perr
	}
	if inc {
		return 0, nil, nil, nil, true, nil
	}
	pos += adv
	if count <= 0 {
		return 0, nil, nil, nil, false, ErrParse
	}

	args := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if pos >= len(buf) {
			return 0, nil, nil, nil, true, nil
		}
		if buf[pos] != '$' {
			return 0, nil, nil, nil, false, ErrParse
		}
		length, adv2, inc2, perr2 := readLineInt(buf, pos, '$')
		if perr2 != nil {
			return 0, nil, nil, nil, false, perr2
		}
		if inc2 {
			return 0, nil, nil, nil, true, nil
		}
		pos += adv2

		if length < 0 {
			// Null bulk, e.g. as an argument: treated as an empty argument
			// for key-extraction purposes (this never happens for well
			// formed client requests, but we must not panic on it).
			args = append(args, nil)
			continue
		}
		need := length + 2 // payload + CRLF
		if pos+need > len(buf) {
			return 0, nil, nil, nil, true, nil
		}
		if buf[pos+length] != '\r' || buf[pos+length+1] != '\n' {
			return 0, nil, nil, nil, false, ErrParse
		}
		args = append(args, buf[pos:pos+length])
		pos += need
	}

	if len(args) == 0 {
		return 0, nil, nil, nil, false, ErrParse
	}
	cmdName = args[0]
	cmd := lookupCommand(cmdName)
	keys = keyRangesFor(cmd, args)
	return pos, cmdName, args, keys, false, nil
}

// readLineInt parses "<prefix><digits>\r\n" starting at buf[pos], where
// prefix is '*' or '$', returning the parsed integer and the number of
// bytes consumed (including the prefix byte and the trailing CRLF).
func readLineInt(buf []byte, pos int, prefix byte) (value int, consumed int, incomplete bool, err error) {
	if buf[pos] != prefix {
		return 0, 0, false, ErrParse
	}
	idx := bytes.Index(buf[pos:], []byte("\r\n"))
	if idx < 0 {
		if len(buf)-pos > 32 {
			return 0, 0, false, ErrParse
		}
		return 0, 0, true, nil
	}
	digits := buf[pos+1 : pos+idx]
	v, cerr := strconv.Atoi(string(digits))
	if cerr != nil {
		return 0, 0, false, ErrParse
	}
	return v, idx + 2, false, nil
}

// keyRangesFor records which arguments the given command treats as a key.
// KeyRange.Offset is the argument's index into args/RawArgs (not a byte
// offset into the wire bytes) — the fragment/coalesce engine only ever needs
// to recover the key's position in RawArgs, never its raw bytes directly.
func keyRangesFor(cmd message.Command, args [][]byte) []message.KeyRange {
	if cmd.Unknown || len(args) < 2 {
		return nil
	}
	var idxs []int
	switch cmd.Name {
	case "MGET", "DEL", "EXISTS":
		for i := 1; i < len(args); i++ {
			idxs = append(idxs, i)
		}
	case "MSET":
		for i := 1; i < len(args); i += 2 {
			idxs = append(idxs, i)
		}
	case "BROADCAST":
		// No keys: every backend is selected regardless of arguments.
		return nil
	default:
		// Every other keyed command in the table takes exactly one key,
		// the first argument after the command name.
		if cmd.Perm != 0 {
			idxs = []int{1}
		}
	}

	keys := make([]message.KeyRange, 0, len(idxs))
	for _, i := range idxs {
		if i >= len(args) {
			continue
		}
		keys = append(keys, message.KeyRange{Offset: i, Length: len(args[i])})
	}
	return keys
}
