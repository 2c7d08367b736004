package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"goredis-core/internal/command"
	"goredis-core/internal/protocol"
)

// conn is the per-connection state the command registry's Conn
// capability needs, implementing the Accept -> Reading <-> Executing ->
// {Hook | Replicate-Feed | Close} state machine of spec.md §4.G.
type conn struct {
	id      string
	netConn net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	server  *Server
	cmdCtx  *command.Context
}

func (c *conn) RemoteAddr() string { return c.netConn.RemoteAddr().String() }

// TakeOverForReplication answers a PSYNC Hook: it streams the rendered
// snapshot as a raw `$<len>\r\n<bytes>` payload (no trailing CRLF, per
// spec.md §4.F.1 step 3 — this is not a bulk reply a client parses,
// it's a length-prefixed blob the follower reads exactly size bytes
// of), registers the connection with the replication engine as an
// online replica, and spins up a goroutine that keeps reading REPLCONF
// ACK reports off the same socket — the normal Reading/Executing loop
// never resumes on this connection.
func (c *conn) TakeOverForReplication(replID string, offset int64, snapshot []byte) error {
	if _, err := fmt.Fprintf(c.writer, "$%d\r\n", len(snapshot)); err != nil {
		return err
	}
	if _, err := c.writer.Write(snapshot); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	c.server.repl.AddReplica(c.netConn, c.RemoteAddr())
	go c.replicaFeedLoop()
	return nil
}

// replicaFeedLoop owns the read side of a connection after PSYNC hands
// it off: the only traffic a replica sends back is REPLCONF ACK.
func (c *conn) replicaFeedLoop() {
	defer c.server.repl.RemoveReplica(c.RemoteAddr())
	for {
		frame, err := protocol.ReadFrame(c.reader)
		if err != nil || frame == nil {
			return
		}
		args, err := protocol.AsCommand(*frame)
		if err != nil {
			continue
		}
		if len(args) == 0 {
			continue
		}
		if _, err := command.Dispatch(c.cmdCtx, args); err != nil {
			c.server.log.Warn("replica feed %s: %v", c.RemoteAddr(), err)
		}
	}
}

func (s *Server) commandContext(c *conn) *command.Context {
	var connIface command.Conn
	if c != nil {
		connIface = c
	}
	return &command.Context{
		Store:             s.store,
		AOF:               s.aofWriter,
		Repl:              s.repl,
		Log:               s.log,
		Conn:              connIface,
		Now:               time.Now,
		OnWrite:           s.IncrementChanges,
		TriggerSave:       func() { go s.performBackgroundSave() },
		TriggerAOFRewrite: func() { go s.performAOFRewrite() },
		Loading:           s.loading.Load,
		RequirePass:       s.cfg.Security.RequirePass,
	}
}

func (s *Server) handleConnection(ctx context.Context, netConn net.Conn) {
	defer s.wg.Done()

	id := newConnID()
	s.connections.Store(id, netConn)
	defer s.connections.Delete(id)
	// A PSYNC Hook hands the socket to replicaFeedLoop, which then owns it.
	takenOver := false
	defer func() {
		if !takenOver {
			netConn.Close()
		}
	}()

	c := &conn{
		id:      id,
		netConn: netConn,
		reader:  bufio.NewReader(netConn),
		writer:  bufio.NewWriter(netConn),
		server:  s,
	}
	c.cmdCtx = s.commandContext(c)

	for {
		frame, err := protocol.ReadFrame(c.reader)
		if err != nil {
			return
		}
		if frame == nil {
			return
		}

		args, err := protocol.AsCommand(*frame)
		if err != nil {
			writeErrorFrame(c.writer, err)
			continue
		}
		if len(args) == 0 {
			continue
		}

		reply, err := command.Dispatch(c.cmdCtx, args)
		if err != nil {
			writeErrorFrame(c.writer, err)
			continue
		}
		if reply != nil {
			if err := protocol.WriteFrame(c.writer, *reply); err != nil {
				return
			}
		}

		cmd, ok := command.Lookup(args[0])
		if !ok || cmd.Hook == nil {
			continue
		}
		takeOver, err := cmd.Hook(c.cmdCtx, args)
		if err != nil {
			writeErrorFrame(c.writer, err)
			return
		}
		if takeOver {
			takenOver = true
			return
		}
	}
}

func writeErrorFrame(w *bufio.Writer, err error) {
	f := protocol.Err(err.Error())
	protocol.WriteFrame(w, f)
}
