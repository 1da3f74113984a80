package resp

import (
	"bytes"

	"nutproxy/internal/bufchain"
	"nutproxy/internal/message"
)

// ResponseDecoder parses backend replies. Unlike the request side it never
// needs to extract keys, only to find the byte length of exactly one
// top-level reply so the connection layer can pair it with the request at
// the head of that backend's pending queue (strict FIFO).
type ResponseDecoder struct{}

// Feed mirrors RequestDecoder.Feed's contract: OK/Repair carry one complete
// reply in msg.Reply, Again asks for more bytes, Error means the backend
// connection is no longer trustworthy and must be torn down.
func (d *ResponseDecoder) Feed(chain *bufchain.Chain) (Result, *message.Message, *bufchain.Chain, error) {
	buf := chain.Bytes(0)
	if len(buf) == 0 {
		return Again, nil, chain, nil
	}

	n, incomplete, err := scanReply(buf, 0)
	if err != nil {
		return Error, nil, chain, err
	}
	if incomplete {
		return Again, nil, chain, nil
	}

	msg := message.Get()
	msg.Dir = message.Response
	msg.Reply = append([]byte(nil), buf[:n]...)

	suffix := chain.Split(n)
	msg.Chain = chain

	if suffix.Empty() {
		return OK, msg, suffix, nil
	}
	return Repair, msg, suffix, nil
}

// scanReply returns the byte length of one complete RESP value starting at
// buf[0], recursing into array elements up to maxMultiBulkDepth deep (the
// depth a well-behaved backend's replies can nest to: a top-level array of
// per-shard replies, each possibly itself an array; nothing legitimate
// nests deeper than that).
func scanReply(buf []byte, depth int) (n int, incomplete bool, err error) {
	if len(buf) == 0 {
		return 0, true, nil
	}
	switch buf[0] {
	case '+', '-', ':':
		idx := bytes.Index(buf, []byte("\r\n"))
		if idx < 0 {
			return 0, true, nil
		}
		return idx + 2, false, nil
	case '$':
		length, adv, inc, perr := readLineInt(buf, 0, '$')
		if perr != nil {
			return 0, false, perr
		}
		if inc {
			return 0, true, nil
		}
		if length < 0 {
			return adv, false, nil // null bulk, "$-1\r\n"
		}
		need := adv + length + 2
		if need > len(buf) {
			return 0, true, nil
		}
		if buf[adv+length] != '\r' || buf[adv+length+1] != '\n' {
			return 0, false, ErrParse
		}
		return need, false, nil
	case '*':
		if depth >= maxMultiBulkDepth {
			return 0, false, ErrParse
		}
		count, adv, inc, perr := readLineInt(buf, 0, '*')
		if perr != nil {
			return 0, false, perr
		}
		if inc {
			return 0, true, nil
		}
		pos := adv
		if count < 0 {
			return pos, false, nil // null array, "*-1\r\n"
		}
		for i := 0; i < count; i++ {
			elemLen, elemIncomplete, elemErr := scanReply(buf[pos:], depth+1)
			if elemErr != nil {
				return 0, false, elemErr
			}
			if elemIncomplete {
				return 0, true, nil
			}
			pos += elemLen
		}
		return pos, false, nil
	default:
		return 0, false, ErrParse
	}
}
