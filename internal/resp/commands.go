package resp

import "nutproxy/internal/message"

// commandTable is built once at package init and never mutated afterward,
// per the Design Notes' "command tables are computed once at startup and
// immutable thereafter." Lookups are case-insensitive on the command name.
var commandTable map[string]message.Command

func init() {
	commandTable = make(map[string]message.Command, 64)
	add := func(c message.Command) { commandTable[c.Name] = c }

	add(message.Command{Name: "PING", Perm: message.PermRead, Arity: 1, Local: true})
	add(message.Command{Name: "QUIT", Perm: message.PermRead, Arity: 1})
	add(message.Command{Name: "AUTH", Perm: message.PermRead, Arity: 2})
	add(message.Command{Name: "BROADCAST", Perm: message.PermExec, Arity: 1, Broadcast: true})

	add(message.Command{Name: "GET", Perm: message.PermRead, Arity: 2})
	add(message.Command{Name: "SET", Perm: message.PermWrite, Arity: -3})
	add(message.Command{Name: "MGET", Perm: message.PermRead, Arity: -2, MultiKey: true})
	add(message.Command{Name: "MSET", Perm: message.PermWrite, Arity: -3, MultiKey: true})
	add(message.Command{Name: "DEL", Perm: message.PermWrite, Arity: -2, MultiKey: true})
	add(message.Command{Name: "EXISTS", Perm: message.PermRead, Arity: -2, MultiKey: true})
	add(message.Command{Name: "EXPIRE", Perm: message.PermWrite, Arity: 3})
	add(message.Command{Name: "HGET", Perm: message.PermRead, Arity: 3})
	add(message.Command{Name: "HSET", Perm: message.PermWrite, Arity: -4})
	add(message.Command{Name: "HGETALL", Perm: message.PermRead, Arity: 2})
	add(message.Command{Name: "HDEL", Perm: message.PermWrite, Arity: -3})
	// HMSET/SADD/RPUSH take one key plus variadic field/member/value
	// arguments; they are not split across shards (a single key can only
	// live on one shard), so MultiKey is left unset here despite the
	// variadic arity looking superficially like the genuinely multi-key
	// commands below.
	add(message.Command{Name: "HMSET", Perm: message.PermWrite, Arity: -4})
	add(message.Command{Name: "SADD", Perm: message.PermWrite, Arity: -3})
	add(message.Command{Name: "SMEMBERS", Perm: message.PermRead, Arity: 2})
	add(message.Command{Name: "RPUSH", Perm: message.PermWrite, Arity: -3})
	add(message.Command{Name: "EVAL", Perm: message.PermExec, Arity: -3})
	add(message.Command{Name: "INFO", Perm: message.PermRead, Arity: -1})
}

// lookupCommand resolves the case-insensitive command name to its table
// entry. Unknown commands get a synthetic entry with Unknown set, reported
// as a parse error; the caller decides whether that is fatal (request
// parser) or simply unexpected (response parser never calls this).
func lookupCommand(name []byte) message.Command {
	key := upperASCII(name)
	if c, ok := commandTable[key]; ok {
		return c
	}
	return message.Command{Name: key, Unknown: true}
}

func upperASCII(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
