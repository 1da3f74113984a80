// Package fragment implements the split/coalesce engine: turning one
// multi-key request into per-backend child requests, and recombining their
// responses into the single reply the client is waiting for.
package fragment

import (
	"nutproxy/internal/hashring"
	"nutproxy/internal/message"
)

// Split fragments msg across the backends its keys hash to. A command with
// only one key (or no keys at all, for BROADCAST's "every backend"
// semantics) is still run through the same path so the caller never has to
// special-case the single-fragment case: Split's five steps are (1)
// determine target backend indices per key, (2) group keys by backend, (3)
// allocate one child Message per distinct backend, (4) link children to the
// parent and set FragID/FragIndex/NFrag, (5) the parent itself carries no
// wire bytes of its own once fragmented — its Reply is produced later by
// the matching coalescer in this package.
func Split(msg *message.Message, ring *hashring.Ring) ([]*message.Message, error) {
	if msg.Cmd.Broadcast {
		return splitBroadcast(msg, ring)
	}
	if !msg.Cmd.MultiKey || len(msg.Keys) <= 1 {
		return []*message.Message{msg}, nil
	}
	return splitMultiKey(msg, ring)
}

// backendFor resolves one recorded key (a KeyRange whose Offset is the
// key's RawArgs index) to a backend index.
func backendFor(msg *message.Message, ring *hashring.Ring, kr message.KeyRange) (int, bool) {
	key := msg.RawArgs[keyArgIndex(msg, kr)]
	return ring.Pick(key)
}

// keyArgIndex maps a recorded KeyRange back to its position in RawArgs.
// internal/resp records KeyRange.Offset as the RawArgs index for every
// multi-bulk command (see resp.keyRangesFor), so this is a direct lookup,
// not a byte-offset search.
func keyArgIndex(msg *message.Message, kr message.KeyRange) int {
	return kr.Offset
}

func splitMultiKey(msg *message.Message, ring *hashring.Ring) ([]*message.Message, error) {
	byBackend := map[int][]int{} // backend index -> arg indices (of keys) routed there

	for _, kr := range msg.Keys {
		idx, ok := backendFor(msg, ring, kr)
		if !ok {
			return nil, errNoBackend
		}
		byBackend[idx] = append(byBackend[idx], keyArgIndex(msg, kr))
	}

	fragID := msg.ID
	children := make([]*message.Message, 0, len(byBackend))
	for backendIdx, argIdxs := range byBackend {
		child := message.Get()
		child.Dir = message.Request
		child.Cmd = msg.Cmd
		child.Parent = msg
		child.FragID = fragID
		child.FragIndex = backendIdx
		child.RawArgs = buildChildArgs(msg, argIdxs)
		children = append(children, child)
	}

	msg.Children = children
	msg.NFrag = len(children)
	msg.NFragDone = 0
	return children, nil
}

// buildChildArgs reconstructs a command's argument list restricted to the
// keys (and, for MSET, their paired values) routed to one backend, keeping
// the command name at index 0.
func buildChildArgs(msg *message.Message, keyArgIdxs []int) [][]byte {
	out := [][]byte{msg.RawArgs[0]}
	switch msg.Cmd.Name {
	case "MSET":
		for _, i := range keyArgIdxs {
			out = append(out, msg.RawArgs[i], msg.RawArgs[i+1])
		}
	default: // MGET, DEL, EXISTS
		for _, i := range keyArgIdxs {
			out = append(out, msg.RawArgs[i])
		}
	}
	return out
}

func splitBroadcast(msg *message.Message, ring *hashring.Ring) ([]*message.Message, error) {
	backs := ring.OnlineIndices()
	children := make([]*message.Message, 0, len(backs))
	for _, idx := range backs {
		child := message.Get()
		child.Dir = message.Request
		child.Cmd = msg.Cmd
		child.Parent = msg
		child.FragID = msg.ID
		child.FragIndex = idx
		child.RawArgs = append([][]byte(nil), msg.RawArgs...)
		children = append(children, child)
	}
	msg.Children = children
	msg.NFrag = len(children)
	msg.NFragDone = 0
	return children, nil
}

type fragmentError string

func (e fragmentError) Error() string { return string(e) }

var errNoBackend = fragmentError("fragment: no online backend for key")
