// Package server wires the keyspace, command registry, persistence and
// replication packages into a running TCP listener, implementing the
// connection state machine of spec.md §4.G. Grounded on the teacher's
// RedisServer (accept loop, connection bookkeeping, graceful shutdown),
// generalized from its hand-rolled processor/handler split onto the
// command registry and adapted for the data model this module actually
// stores (string keyspace, no cluster/lua layers).
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"goredis-core/internal/aof"
	"goredis-core/internal/command"
	"goredis-core/internal/config"
	"goredis-core/internal/logging"
	"goredis-core/internal/protocol"
	"goredis-core/internal/replication"
	"goredis-core/internal/storage"
)

// Server owns the listener, the keyspace, and every ambient subsystem
// (AOF, RDB auto-save, replication) a connection's commands fan out to.
type Server struct {
	cfg   *config.Config
	log   *logging.Logger
	store *storage.Store

	aofWriter *aof.Writer
	repl      *replication.ReplicationManager

	listener     net.Listener
	connections  sync.Map // uuid string -> net.Conn
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	mu           sync.Mutex
	isShutdown   bool

	changesSinceLastSave atomic.Int64
	lastSaveMu           sync.Mutex
	lastSaveTime         time.Time
	rdbTicker            *time.Ticker
	rdbStopChan          chan struct{}

	loading atomic.Bool

	reaperStop chan struct{}
	fatalChan  chan error
	ready      chan struct{}
}

// New builds a Server from a resolved configuration. It does not start
// listening or replaying persisted state yet; call Start for that.
func New(cfg *config.Config) (*Server, error) {
	log := logging.New("server", logging.ParseLevel(cfg.Server.LogLevel))
	store := storage.New()

	aofCfg, err := cfg.AOFConfig()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	aofWriter, err := aof.NewWriter(aofCfg)
	if err != nil {
		return nil, fmt.Errorf("server: creating aof writer: %w", err)
	}

	role := replication.RoleMaster
	if cfg.Replication.ReplicaOf != "" {
		role = replication.RoleReplica
	}
	repl := replication.NewReplicationManagerWithCapacity(role, log.With("[REPLICATION]"), 2*cfg.Replication.MaxReplicate)
	repl.SetListeningPort(cfg.Server.Port)
	repl.SetMasterAuth(cfg.Replication.MasterAuth)

	s := &Server{
		cfg:          cfg,
		log:          log,
		store:        store,
		aofWriter:    aofWriter,
		repl:         repl,
		shutdownChan: make(chan struct{}),
		lastSaveTime: time.Now(),
		rdbStopChan:  make(chan struct{}),
		reaperStop:   make(chan struct{}),
		fatalChan:    make(chan error, 1),
		ready:        make(chan struct{}),
	}

	repl.SetSnapshotGetter(func() []byte { return s.renderSnapshot() })
	repl.SetSnapshotLoader(func(data []byte) error { return s.loadSnapshotBytes(data) })
	repl.SetHandshakeExhaustedHandler(func() {
		select {
		case s.fatalChan <- fmt.Errorf("replication: handshake exhausted after repeated failures"):
		default:
		}
	})
	if role == replication.RoleReplica {
		repl.SetCommandExecutor(func(f protocol.Frame) error {
			return command.DispatchReplicated(s.commandContext(nil), f)
		})
	}

	return s, nil
}

// Start opens the listener, replays persisted state, connects to a
// leader if configured, and runs the accept loop until ctx is canceled
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = listener
	s.log.Info("listening on %s", addr)
	close(s.ready)

	go s.acceptConnections(ctx)
	go s.store.RunExpiryReaper(s.cfg.ExpireCheckInterval(), s.reaperStop)

	dialAddr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Server.Port)
	s.loading.Store(true)
	loadErr := s.loadPersistedState(dialAddr)
	s.loading.Store(false)
	if loadErr != nil {
		s.log.Warn("startup load: %v", loadErr)
	}

	if interval := s.cfg.RDBSaveInterval(); interval > 0 {
		s.startBackgroundRDBSave(interval)
	}

	if s.cfg.Replication.ReplicaOf != "" {
		host, port, err := net.SplitHostPort(s.cfg.Replication.ReplicaOf)
		if err != nil {
			return fmt.Errorf("server: invalid replicaof %q: %w", s.cfg.Replication.ReplicaOf, err)
		}
		portNum := 0
		fmt.Sscanf(port, "%d", &portNum)
		s.log.Info("connecting to master %s:%d", host, portNum)
		if err := s.repl.ConnectToMaster(host, portNum); err != nil {
			// The handshake's own retry/backoff loop takes over from
			// here; only a repeated, exhausted handshake (signaled on
			// fatalChan) is a fatal startup failure.
			s.log.Warn("initial connection to master failed: %v", err)
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-s.fatalChan:
		return err
	}
}

// Addr returns the listener's bound address. Only meaningful after
// Start has opened the listener; used by tests that bind to port 0 and
// need to discover which port the OS actually chose.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// WaitUntilReady blocks until Start has opened the listener, or ctx is
// canceled first.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) acceptConnections(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownChan:
			return
		default:
		}

		netConn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.isShutdown
			s.mu.Unlock()
			if down {
				return
			}
			s.log.Warn("accept: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, netConn)
	}
}

// Shutdown drains in-flight connections and closes every ambient
// subsystem. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	s.log.Info("shutting down")

	close(s.reaperStop)
	if s.rdbTicker != nil {
		s.rdbTicker.Stop()
		close(s.rdbStopChan)
	}
	close(s.shutdownChan)

	if s.listener != nil {
		s.listener.Close()
	}

	s.connections.Range(func(_, v any) bool {
		if c, ok := v.(net.Conn); ok {
			c.Close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("shutdown timeout, forcing exit")
	}

	if s.aofWriter != nil {
		if err := s.aofWriter.Close(); err != nil {
			s.log.Error("closing aof: %v", err)
		}
	}
	s.repl.Shutdown()

	s.log.Info("shutdown complete")
}

// IncrementChanges is the OnWrite hook every write command fires,
// feeding the RDB auto-save trigger of spec.md §6.
func (s *Server) IncrementChanges() {
	s.changesSinceLastSave.Add(1)
}

func newConnID() string {
	return uuid.NewString()
}
