// Package command implements the registry of §4.E: each command is a
// closed set of capabilities (execute, replicate_execute, an optional
// hook) dispatched by name out of a map built at init. Grounded on the
// teacher's handler.CommandHandler/processor.Processor split — one
// handler type per command there, a name->handler map here — adapted
// from a read/write-classified single Execute method into the three
// named capabilities SPEC_FULL.md requires.
package command

import (
	"strings"
	"time"

	"goredis-core/internal/aof"
	"goredis-core/internal/logging"
	"goredis-core/internal/protocol"
	"goredis-core/internal/rediserr"
	"goredis-core/internal/replication"
	"goredis-core/internal/storage"
)

// Context is the shared state every command's capabilities see: the
// keyspace, the ambient services a mutation fans out to, and the
// per-connection authentication state.
type Context struct {
	Store   *storage.Store
	AOF     *aof.Writer
	Repl    *replication.ReplicationManager
	Log     *logging.Logger
	Conn    Conn
	Now     func() time.Time
	OnWrite func()

	// TriggerSave kicks off an asynchronous snapshot save (BGSAVE).
	// Nil is tolerated; BGSAVE then starts nothing but still replies
	// "Background saving started".
	TriggerSave func()

	// TriggerAOFRewrite kicks off an asynchronous AOF compaction
	// (BGREWRITEAOF). Nil is tolerated the same way as TriggerSave.
	TriggerAOFRewrite func()

	// Loading reports whether the server is currently replaying its own
	// persisted state (AOF/RDB) at startup. Nil, or a nil return, means
	// "not loading". A write command executed during replay must not
	// fan out to AOF/replication/OnWrite again, or every restart would
	// re-append the whole log to itself.
	Loading func() bool

	RequirePass string
	Authed      bool
}

// Conn is the subset of the connection state a command capability may
// need (e.g. PSYNC's Hook takes over the socket). Implemented by the
// server's per-connection type.
type Conn interface {
	RemoteAddr() string
	TakeOverForReplication(replID string, offset int64, snapshot []byte) error
}

// Command is the closed capability set of §4.E. Execute is required;
// ReplicateExecute and Hook are nil unless the command needs them.
type Command struct {
	Name    string
	MinArgs int  // including the command name itself
	MaxArgs int  // -1 means unbounded
	IsWrite bool // whether Execute's effect propagates to AOF/replicas

	// Execute performs the command against ctx and returns the
	// client-visible reply, or nil if the reply is deferred to Hook.
	Execute func(ctx *Context, args [][]byte) (*protocol.Frame, error)

	// ReplicateExecute re-applies a frame a follower received from its
	// leader. Nil means "same as Execute, reply discarded".
	ReplicateExecute func(ctx *Context, args [][]byte) (*protocol.Frame, error)

	// Hook runs after Execute for commands that terminate the normal
	// read/execute loop (PSYNC transitions the connection into
	// Replicate-Feed). Returns true if the connection loop should stop
	// reading further client requests.
	Hook func(ctx *Context, args [][]byte) (takeOver bool, err error)
}

// Registry is the name -> Command map built at init by register().
var Registry = map[string]*Command{}

func register(c *Command) {
	Registry[c.Name] = c
}

// Lookup finds a command case-insensitively, per §4.A's wire format.
func Lookup(name []byte) (*Command, bool) {
	c, ok := Registry[strings.ToUpper(string(name))]
	return c, ok
}

// CheckArity validates the argument count per spec.md §7's ArityError.
func CheckArity(c *Command, args [][]byte) error {
	n := len(args)
	if n < c.MinArgs || (c.MaxArgs >= 0 && n > c.MaxArgs) {
		return rediserr.New(rediserr.ErrArity, "ERR wrong number of arguments for '"+strings.ToLower(c.Name)+"' command")
	}
	return nil
}

// Dispatch runs a parsed command's Execute capability, enforcing arity
// and the auth gate first. On success for a write command (outside
// startup replay), it appends the canonical frame to ctx.AOF, queues it
// on ctx.Repl for propagation, and then calls ctx.OnWrite.
func Dispatch(ctx *Context, args [][]byte) (*protocol.Frame, error) {
	if len(args) == 0 {
		return nil, rediserr.New(rediserr.ErrProtocol, "ERR syntax error")
	}

	c, ok := Lookup(args[0])
	if !ok {
		return nil, rediserr.New(rediserr.ErrUnknownCommand, "ERR unknown command '"+string(args[0])+"'")
	}
	if err := CheckArity(c, args); err != nil {
		return nil, err
	}
	if ctx.RequirePass != "" && !ctx.Authed && c.Name != "AUTH" && c.Name != "HELLO" {
		return nil, rediserr.New(rediserr.ErrNoAuth, "NOAUTH Authentication required")
	}

	reply, err := c.Execute(ctx, args)
	if err != nil {
		return nil, err
	}

	if c.IsWrite && !(ctx.Loading != nil && ctx.Loading()) {
		frame := frameFromArgs(args)
		if ctx.AOF != nil {
			ctx.AOF.Append(frame)
		}
		if ctx.Repl != nil {
			ctx.Repl.PropagateFrame(frame)
		}
		if ctx.OnWrite != nil {
			ctx.OnWrite()
		}
	}

	return reply, nil
}

// DispatchReplicated runs a frame received from the leader through
// replicate_execute, per §4.F.3: mutations apply, replies are discarded.
func DispatchReplicated(ctx *Context, f protocol.Frame) error {
	args, err := protocol.AsCommand(f)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	c, ok := Lookup(args[0])
	if !ok {
		return rediserr.New(rediserr.ErrUnknownCommand, "ERR unknown command '"+string(args[0])+"'")
	}
	exec := c.ReplicateExecute
	if exec == nil {
		exec = c.Execute
	}
	_, err = exec(ctx, args)
	return err
}

func frameFromArgs(args [][]byte) protocol.Frame {
	items := make([]protocol.Frame, len(args))
	for i, a := range args {
		items[i] = protocol.Bulk(a)
	}
	return protocol.Array(items)
}
