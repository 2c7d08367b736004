package server

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"goredis-core/internal/aof"
	"goredis-core/internal/protocol"
	"goredis-core/internal/rdb"
)

// loadPersistedState replays whichever persistence source is configured,
// per spec.md §6.3: AOF replay takes precedence over an RDB snapshot
// when both are enabled. dialAddr is the loopback address the AOF
// replay dials once the listener is already accepting connections.
func (s *Server) loadPersistedState(dialAddr string) error {
	if s.cfg.AOF.Enable {
		return s.loadAOF(dialAddr)
	}
	if s.cfg.RDB.Enable {
		return s.loadRDB()
	}
	return nil
}

func (s *Server) loadAOF(dialAddr string) error {
	start := time.Now()
	if err := aof.Replay(s.cfg.AOF.FilePath, dialAddr, 5*time.Second); err != nil {
		return fmt.Errorf("aof replay: %w", err)
	}
	s.log.Info("aof replay complete in %v", time.Since(start))
	return nil
}

func (s *Server) loadRDB() error {
	start := time.Now()
	snapshot, err := rdb.Load(s.cfg.RDB.FilePath, s.cfg.RDB.EnableChecksum)
	if err != nil {
		return err
	}
	for key, obj := range snapshot {
		s.store.Restore(key, obj)
	}
	if len(snapshot) > 0 {
		s.log.Info("rdb loaded: %d keys in %v", len(snapshot), time.Since(start))
	}
	return nil
}

// renderSnapshot encodes the current keyspace as an RDB payload,
// answering a follower's PSYNC full resync. The writer only knows how
// to save to a path, so this round-trips through a scratch file rather
// than duplicating the encoder against a bytes.Buffer.
func (s *Server) renderSnapshot() []byte {
	tmpPath := s.cfg.RDB.FilePath + ".repl"
	w := rdb.NewWriter(tmpPath, s.cfg.RDB.Version, s.cfg.RDB.EnableChecksum)
	if err := w.Save(s.store.Snapshot()); err != nil {
		s.log.Error("render snapshot: %v", err)
		return nil
	}
	defer os.Remove(tmpPath)

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		s.log.Error("render snapshot: read: %v", err)
		return nil
	}
	return data
}

// loadSnapshotBytes decodes a full-resync RDB payload received from a
// leader and replaces the local keyspace with it.
func (s *Server) loadSnapshotBytes(data []byte) error {
	snapshot, err := rdb.Decode(data, s.cfg.RDB.EnableChecksum)
	if err != nil {
		return err
	}
	s.store.Flush()
	for key, obj := range snapshot {
		s.store.Restore(key, obj)
	}
	return nil
}

// performBackgroundSave writes the current keyspace to the configured
// RDB path and resets the auto-save change counter, whether triggered
// by BGSAVE or by the periodic save-point ticker.
func (s *Server) performBackgroundSave() error {
	w := rdb.NewWriter(s.cfg.RDB.FilePath, s.cfg.RDB.Version, s.cfg.RDB.EnableChecksum)
	if err := w.Save(s.store.Snapshot()); err != nil {
		return err
	}
	s.lastSaveMu.Lock()
	s.changesSinceLastSave.Store(0)
	s.lastSaveTime = time.Now()
	s.lastSaveMu.Unlock()
	return nil
}

// performAOFRewrite compacts the append-only log to a minimal command
// set that reconstructs the current keyspace, answering BGREWRITEAOF.
// It is a no-op when AOF isn't enabled, since aof.Writer.Rewrite itself
// doesn't check that.
func (s *Server) performAOFRewrite() error {
	if !s.cfg.AOF.Enable {
		return nil
	}
	start := time.Now()
	if err := s.aofWriter.Rewrite(s.buildAOFRewriteFrames); err != nil {
		s.log.Error("aof rewrite: %v", err)
		return err
	}
	s.log.Info("aof rewrite complete in %v", time.Since(start))
	return nil
}

// buildAOFRewriteFrames renders the current keyspace as the minimal
// sequence of SET commands that reconstructs it: one SET per key, with
// a PXAT option for keys carrying an expiry so replay through the
// normal command-dispatch path restores the same deadline.
func (s *Server) buildAOFRewriteFrames() []protocol.Frame {
	snapshot := s.store.Snapshot()
	frames := make([]protocol.Frame, 0, len(snapshot))
	for key, obj := range snapshot {
		args := []protocol.Frame{
			protocol.Bulk([]byte("SET")),
			protocol.Bulk([]byte(key)),
			protocol.Bulk(obj.Value.Bytes()),
		}
		if obj.Expire != nil {
			args = append(args,
				protocol.Bulk([]byte("PXAT")),
				protocol.Bulk([]byte(strconv.FormatInt(obj.Expire.UnixMilli(), 10))),
			)
		}
		frames = append(frames, protocol.Array(args))
	}
	return frames
}

// startBackgroundRDBSave runs the Redis-style save-point check: every
// interval tick, save if at least cfg.RDB.Interval.Changes writes have
// accumulated since the last save.
func (s *Server) startBackgroundRDBSave(interval time.Duration) {
	s.rdbTicker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-s.rdbTicker.C:
				changes := s.changesSinceLastSave.Load()
				if changes >= int64(s.cfg.RDB.Interval.Changes) {
					if err := s.performBackgroundSave(); err != nil {
						s.log.Error("rdb auto-save: %v", err)
					} else {
						s.log.Info("rdb auto-save: %d changes persisted", changes)
					}
				}
			case <-s.rdbStopChan:
				return
			}
		}
	}()
}
