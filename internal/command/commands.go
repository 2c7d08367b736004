package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"goredis-core/internal/protocol"
	"goredis-core/internal/rediserr"
	"goredis-core/internal/storage"
)

func init() {
	register(&Command{Name: "PING", MinArgs: 1, MaxArgs: 2, Execute: cmdPing})
	register(&Command{Name: "ECHO", MinArgs: 2, MaxArgs: 2, Execute: cmdEcho})
	register(&Command{Name: "COMMAND", MinArgs: 1, MaxArgs: -1, Execute: cmdCommand})
	register(&Command{Name: "AUTH", MinArgs: 2, MaxArgs: 2, Execute: cmdAuth})
	register(&Command{Name: "INFO", MinArgs: 1, MaxArgs: 2, Execute: cmdInfo})
	register(&Command{Name: "BGSAVE", MinArgs: 1, MaxArgs: 1, Execute: cmdBgsave})
	register(&Command{Name: "BGREWRITEAOF", MinArgs: 1, MaxArgs: 1, Execute: cmdBgRewriteAOF})

	register(&Command{Name: "GET", MinArgs: 2, MaxArgs: 2, Execute: cmdGet})
	register(&Command{Name: "SET", MinArgs: 3, MaxArgs: -1, IsWrite: true, Execute: cmdSet})
	register(&Command{Name: "DEL", MinArgs: 2, MaxArgs: -1, IsWrite: true, Execute: cmdDel})
	register(&Command{Name: "EXISTS", MinArgs: 2, MaxArgs: -1, Execute: cmdExists})
	register(&Command{Name: "TTL", MinArgs: 2, MaxArgs: 2, Execute: cmdTTL})
	register(&Command{Name: "PTTL", MinArgs: 2, MaxArgs: 2, Execute: cmdPTTL})
	register(&Command{Name: "EXPIRE", MinArgs: 3, MaxArgs: 3, IsWrite: true, Execute: cmdExpire})
	register(&Command{Name: "PEXPIRE", MinArgs: 3, MaxArgs: 3, IsWrite: true, Execute: cmdPExpire})
	register(&Command{Name: "INCR", MinArgs: 2, MaxArgs: 2, IsWrite: true, Execute: cmdIncrBy(1)})
	register(&Command{Name: "DECR", MinArgs: 2, MaxArgs: 2, IsWrite: true, Execute: cmdIncrBy(-1)})
	register(&Command{Name: "INCRBY", MinArgs: 3, MaxArgs: 3, IsWrite: true, Execute: cmdIncrByArg(1)})
	register(&Command{Name: "DECRBY", MinArgs: 3, MaxArgs: 3, IsWrite: true, Execute: cmdIncrByArg(-1)})
	register(&Command{Name: "FLUSHALL", MinArgs: 1, MaxArgs: 2, IsWrite: true, Execute: cmdFlushAll})
	register(&Command{Name: "KEYS", MinArgs: 2, MaxArgs: 2, Execute: cmdKeys})

	register(&Command{Name: "REPLCONF", MinArgs: 2, MaxArgs: -1, Execute: cmdReplconf})
	register(&Command{Name: "PSYNC", MinArgs: 3, MaxArgs: 3, Hook: hookPsync, Execute: cmdPsyncExecute})
	register(&Command{Name: "WAIT", MinArgs: 3, MaxArgs: 3, Execute: cmdWait})
}

func ok() *protocol.Frame {
	f := protocol.Simple("OK")
	return &f
}

func cmdPing(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	if len(args) == 2 {
		f := protocol.Bulk(args[1])
		return &f, nil
	}
	f := protocol.Simple("PONG")
	return &f, nil
}

func cmdEcho(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	f := protocol.Bulk(args[1])
	return &f, nil
}

// cmdCommand answers the introspection call clients issue on connect
// (e.g. COMMAND DOCS) with an empty array rather than an error, since
// CORE scope doesn't implement the full command-metadata catalog.
func cmdCommand(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	f := protocol.Array(nil)
	return &f, nil
}

func cmdAuth(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	if ctx.RequirePass == "" {
		return nil, rediserr.New(rediserr.ErrAuth, "ERR Client sent AUTH, but no password is set")
	}
	if string(args[1]) != ctx.RequirePass {
		return nil, rediserr.New(rediserr.ErrAuth, "ERR invalid password")
	}
	ctx.Authed = true
	return ok(), nil
}

func cmdInfo(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	var b strings.Builder
	b.WriteString("# Server\r\n")
	fmt.Fprintf(&b, "tcp_port:%d\r\n", ctx.Repl.GetListeningPort())
	b.WriteString("# Replication\r\n")
	for k, v := range ctx.Repl.GetInfo() {
		if _, nested := v.(map[string]any); nested {
			continue
		}
		fmt.Fprintf(&b, "%s:%v\r\n", k, v)
	}
	b.WriteString("# Keyspace\r\n")
	fmt.Fprintf(&b, "db0:keys=%d\r\n", ctx.Store.Len())
	f := protocol.BulkString(b.String())
	return &f, nil
}

func cmdBgsave(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	if ctx.TriggerSave != nil {
		ctx.TriggerSave()
	}
	f := protocol.Simple("Background saving started")
	return &f, nil
}

func cmdBgRewriteAOF(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	if ctx.TriggerAOFRewrite != nil {
		ctx.TriggerAOFRewrite()
	}
	f := protocol.Simple("Background append only file rewriting started")
	return &f, nil
}

func cmdGet(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	v, ok := ctx.Store.Get(string(args[1]))
	if !ok {
		f := protocol.Null()
		return &f, nil
	}
	f := protocol.Bulk(v.Bytes())
	return &f, nil
}

// cmdSet implements SET key value [EX s | PX ms | EXAT ts | PXAT ms-ts | KEEPTTL].
func cmdSet(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	key, value := string(args[1]), storage.NewStr(args[2])

	spec := storage.ExpireClear
	var at time.Time

	rest := args[3:]
	for i := 0; i < len(rest); i++ {
		opt := strings.ToUpper(string(rest[i]))
		switch opt {
		case "KEEPTTL":
			spec = storage.ExpirePreserve
		case "EX", "PX", "EXAT", "PXAT":
			if i+1 >= len(rest) {
				return nil, rediserr.New(rediserr.ErrSyntax, "ERR syntax error")
			}
			n, err := strconv.ParseInt(string(rest[i+1]), 10, 64)
			if err != nil {
				return nil, rediserr.New(rediserr.ErrType, "ERR value is not an integer or out of range")
			}
			if n <= 0 {
				return nil, rediserr.New(rediserr.ErrSyntax, "ERR invalid expire time in 'set' command")
			}
			i++
			spec = storage.ExpireAt
			switch opt {
			case "EX":
				at = time.Now().Add(time.Duration(n) * time.Second)
			case "PX":
				at = time.Now().Add(time.Duration(n) * time.Millisecond)
			case "EXAT":
				at = time.Unix(n, 0)
			case "PXAT":
				at = time.UnixMilli(n)
			}
		default:
			return nil, rediserr.New(rediserr.ErrSyntax, "ERR syntax error")
		}
	}

	ctx.Store.Set(key, value, spec, at)
	return ok(), nil
}

func cmdDel(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	var n int64
	for _, k := range args[1:] {
		if ctx.Store.Del(string(k)) {
			n++
		}
	}
	f := protocol.Integer(n)
	return &f, nil
}

func cmdExists(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	var n int64
	for _, k := range args[1:] {
		if ctx.Store.Exists(string(k)) {
			n++
		}
	}
	f := protocol.Integer(n)
	return &f, nil
}

// ttlReply renders Store.TTL's result per the -2 (absent) / -1
// (persistent) / n (remaining) contract shared by TTL and PTTL.
func ttlReply(ctx *Context, key string, unit func(time.Duration) int64) (*protocol.Frame, error) {
	d, ok := ctx.Store.TTL(key)
	if !ok {
		f := protocol.Integer(-2)
		return &f, nil
	}
	if d == 0 {
		f := protocol.Integer(-1)
		return &f, nil
	}
	f := protocol.Integer(unit(d))
	return &f, nil
}

func cmdTTL(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	return ttlReply(ctx, string(args[1]), func(d time.Duration) int64 { return int64(d.Seconds()) })
}

func cmdPTTL(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	return ttlReply(ctx, string(args[1]), func(d time.Duration) int64 { return d.Milliseconds() })
}

func cmdExpire(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	return expireBy(ctx, args, time.Second)
}

func cmdPExpire(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	return expireBy(ctx, args, time.Millisecond)
}

func expireBy(ctx *Context, args [][]byte, unit time.Duration) (*protocol.Frame, error) {
	n, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		return nil, rediserr.New(rediserr.ErrType, "ERR value is not an integer or out of range")
	}
	changed := ctx.Store.SetTTL(string(args[1]), time.Duration(n)*unit)
	var reply int64
	if changed {
		reply = 1
	}
	f := protocol.Integer(reply)
	return &f, nil
}

func cmdIncrBy(delta int64) func(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	return func(ctx *Context, args [][]byte) (*protocol.Frame, error) {
		return incrByKey(ctx, string(args[1]), delta)
	}
}

func cmdIncrByArg(sign int64) func(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	return func(ctx *Context, args [][]byte) (*protocol.Frame, error) {
		n, err := strconv.ParseInt(string(args[2]), 10, 64)
		if err != nil {
			return nil, rediserr.New(rediserr.ErrType, "ERR value is not an integer or out of range")
		}
		return incrByKey(ctx, string(args[1]), sign*n)
	}
}

func incrByKey(ctx *Context, key string, delta int64) (*protocol.Frame, error) {
	cur, ok := ctx.Store.Get(key)
	var base int64
	if ok {
		if cur.Encoding != storage.EncodingInt {
			return nil, rediserr.New(rediserr.ErrType, "ERR value is not an integer or out of range")
		}
		base = cur.Int
	}
	next := base + delta
	ctx.Store.Set(key, storage.NewStr([]byte(strconv.FormatInt(next, 10))), storage.ExpirePreserve, time.Time{})
	f := protocol.Integer(next)
	return &f, nil
}

func cmdFlushAll(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	ctx.Store.Flush()
	return ok(), nil
}

func cmdKeys(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	pattern := string(args[1])
	items := make([]protocol.Frame, 0)
	for _, k := range ctx.Store.Keys() {
		if pattern == "*" || k == pattern {
			items = append(items, protocol.BulkString(k))
		}
	}
	f := protocol.Array(items)
	return &f, nil
}

// cmdReplconf handles the handshake sub-commands a leader receives
// from a connecting follower (listening-port, capa, ACK). GETACK is
// only ever sent leader->follower, handled on the follower side in
// replication.receiveReplicationStream, not here.
func cmdReplconf(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	sub := strings.ToUpper(string(args[1]))
	switch sub {
	case "LISTENING-PORT":
		if len(args) >= 3 {
			if port, err := strconv.Atoi(string(args[2])); err == nil {
				ctx.Repl.SetPendingListeningPort(ctx.Conn.RemoteAddr(), port)
			}
		}
		return ok(), nil
	case "CAPA":
		return ok(), nil
	case "ACK":
		if len(args) >= 3 {
			if offset, err := strconv.ParseInt(string(args[2]), 10, 64); err == nil {
				ctx.Repl.UpdateReplicaAck(ctx.Conn.RemoteAddr(), offset)
			}
		}
		return nil, nil // no reply to ACK
	default:
		return ok(), nil
	}
}

// cmdPsyncExecute renders the +FULLRESYNC reply; the actual connection
// takeover (streaming the snapshot, then handing the socket to the
// replication engine) happens in Hook, which runs immediately after.
func cmdPsyncExecute(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	f := protocol.Simple(fmt.Sprintf("FULLRESYNC %s %d", ctx.Repl.GetReplID(), ctx.Repl.GetOffset()))
	return &f, nil
}

func hookPsync(ctx *Context, args [][]byte) (bool, error) {
	snapshot := ctx.Repl.RenderSnapshot()
	if err := ctx.Conn.TakeOverForReplication(ctx.Repl.GetReplID(), ctx.Repl.GetOffset(), snapshot); err != nil {
		return true, err
	}
	return true, nil
}

// cmdWait blocks (up to the caller-supplied timeout) requesting ACKs
// from followers until at least numReplicas have caught up to the
// leader's current OFFSET, per §4.E's WAIT semantics.
func cmdWait(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	numReplicas, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return nil, rediserr.New(rediserr.ErrType, "ERR value is not an integer or out of range")
	}
	timeoutMs, err := strconv.Atoi(string(args[2]))
	if err != nil {
		return nil, rediserr.New(rediserr.ErrType, "ERR value is not an integer or out of range")
	}

	targetOffset := ctx.Repl.GetOffset()
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	ctx.Repl.RequestAcks()
	for {
		acked := ctx.Repl.CountAcked(targetOffset)
		if acked >= numReplicas || (timeoutMs > 0 && time.Now().After(deadline)) {
			f := protocol.Integer(int64(acked))
			return &f, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}
