package replication

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"goredis-core/internal/protocol"
)

// ConnectToMaster dials host:port and starts the follower handshake,
// per §4.F.3. A successful PSYNC hands the connection to the
// propagation loop; disconnects are retried automatically.
func (rm *ReplicationManager) ConnectToMaster(host string, port int) error {
	rm.masterInfoMu.Lock()

	var savedReplID string
	var savedOffset int64
	if rm.masterInfo != nil {
		savedReplID = rm.masterInfo.MasterReplID
		savedOffset = rm.masterInfo.Offset
		if rm.masterInfo.Conn != nil {
			rm.masterInfo.Conn.Close()
		}
	}

	rm.masterInfo = &MasterInfo{
		Host: host, Port: port,
		State:           MasterStateConnecting,
		LastInteraction: time.Now(),
		MasterReplID:    savedReplID,
		Offset:          savedOffset,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		rm.masterInfo.State = MasterStateDisconnected
		rm.masterInfoMu.Unlock()
		rm.scheduleReconnect(host, port)
		return fmt.Errorf("connect to master: %w", err)
	}

	rm.masterInfo.Conn = conn
	rm.masterInfo.Reader = bufio.NewReader(conn)
	rm.masterInfo.Writer = bufio.NewWriter(conn)
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}
	rm.role = RoleReplica
	rm.masterInfoMu.Unlock()

	rm.log.Info("connected to master %s, role changed to replica", addr)
	err = rm.performHandshake()
	if err == nil {
		rm.reconnectAttempts = 0
	}
	return err
}

func (rm *ReplicationManager) sendCommand(args ...string) error {
	items := make([]protocol.Frame, len(args))
	for i, a := range args {
		items[i] = protocol.BulkString(a)
	}
	return rm.sendFrame(protocol.Array(items))
}

func (rm *ReplicationManager) sendFrame(f protocol.Frame) error {
	rm.masterInfoMu.Lock()
	defer rm.masterInfoMu.Unlock()
	if rm.masterInfo == nil || rm.masterInfo.Conn == nil {
		return fmt.Errorf("not connected to master")
	}
	if err := protocol.WriteFrame(rm.masterInfo.Writer, f); err != nil {
		return err
	}
	if err := rm.masterInfo.Writer.Flush(); err != nil {
		return err
	}
	rm.masterInfo.LastInteraction = time.Now()
	return nil
}

func (rm *ReplicationManager) readReply() (*protocol.Frame, error) {
	rm.masterInfoMu.Lock()
	reader := rm.masterInfo.Reader
	rm.masterInfoMu.Unlock()

	f, err := protocol.ReadFrame(reader)
	if err != nil {
		return nil, err
	}
	rm.masterInfoMu.Lock()
	if rm.masterInfo != nil {
		rm.masterInfo.LastInteraction = time.Now()
	}
	rm.masterInfoMu.Unlock()
	return f, nil
}

// performHandshake runs the PING / REPLCONF listening-port / REPLCONF
// capa psync2 / PSYNC sequence, then hands off to the propagation loop.
func (rm *ReplicationManager) performHandshake() error {
	fail := func(step string, err error) error {
		rm.log.Warn("handshake failed at %s: %v", step, err)
		rm.handleMasterDisconnect()
		return fmt.Errorf("%s: %w", step, err)
	}

	if err := rm.sendCommand("PING"); err != nil {
		return fail("PING", err)
	}
	if _, err := rm.readReply(); err != nil {
		return fail("PING reply", err)
	}

	if rm.masterAuth != "" {
		if err := rm.sendCommand("AUTH", rm.masterAuth); err != nil {
			return fail("AUTH", err)
		}
		if _, err := rm.readReply(); err != nil {
			return fail("AUTH reply", err)
		}
	}

	port := rm.GetListeningPort()
	if port == 0 {
		port = 6379
	}
	if err := rm.sendCommand("REPLCONF", "listening-port", strconv.Itoa(port)); err != nil {
		return fail("REPLCONF listening-port", err)
	}
	if _, err := rm.readReply(); err != nil {
		return fail("REPLCONF listening-port reply", err)
	}

	if err := rm.sendCommand("REPLCONF", "capa", "psync2"); err != nil {
		return fail("REPLCONF capa", err)
	}
	if _, err := rm.readReply(); err != nil {
		return fail("REPLCONF capa reply", err)
	}

	rm.masterInfoMu.RLock()
	replID := rm.masterInfo.MasterReplID
	offset := rm.masterInfo.Offset
	rm.masterInfoMu.RUnlock()

	if replID == "" {
		if err := rm.sendCommand("PSYNC", "?", "-1"); err != nil {
			return fail("PSYNC", err)
		}
	} else {
		if err := rm.sendCommand("PSYNC", replID, strconv.FormatInt(offset, 10)); err != nil {
			return fail("PSYNC", err)
		}
	}

	reply, err := rm.readReply()
	if err != nil {
		return fail("PSYNC reply", err)
	}
	status := reply.Str

	switch {
	case strings.HasPrefix(status, "FULLRESYNC"):
		parts := strings.Fields(status)
		if len(parts) >= 3 {
			newOffset, _ := strconv.ParseInt(parts[2], 10, 64)
			rm.masterInfoMu.Lock()
			rm.masterInfo.MasterReplID = parts[1]
			rm.masterInfo.Offset = newOffset
			rm.masterInfo.State = MasterStateSyncing
			rm.masterInfoMu.Unlock()
		}
		if err := rm.receiveFullResyncSnapshot(); err != nil {
			return fail("full resync snapshot", err)
		}
		rm.masterInfoMu.Lock()
		rm.masterInfo.State = MasterStateConnected
		rm.masterInfoMu.Unlock()
	case strings.HasPrefix(status, "CONTINUE"):
		rm.masterInfoMu.Lock()
		rm.masterInfo.State = MasterStateConnected
		rm.masterInfoMu.Unlock()
	default:
		return fail("PSYNC reply", fmt.Errorf("unexpected reply %q", status))
	}

	go rm.receiveReplicationStream()
	go rm.sendReplicationHeartbeat()
	return nil
}

// receiveFullResyncSnapshot reads the `$<len>\r\n<bytes>` framed RDB
// payload that follows a +FULLRESYNC reply and loads it into the store.
func (rm *ReplicationManager) receiveFullResyncSnapshot() error {
	rm.masterInfoMu.Lock()
	reader := rm.masterInfo.Reader
	rm.masterInfoMu.Unlock()

	header, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "$") {
		return fmt.Errorf("expected bulk snapshot header, got %q", header)
	}
	size, err := strconv.Atoi(header[1:])
	if err != nil {
		return fmt.Errorf("invalid snapshot size %q: %w", header[1:], err)
	}

	data := make([]byte, size)
	if _, err := readFull(reader, data); err != nil {
		return fmt.Errorf("read snapshot body: %w", err)
	}

	rm.snapshotMu.RLock()
	loader := rm.snapshotLoader
	rm.snapshotMu.RUnlock()
	if loader == nil {
		return nil
	}
	return loader(data)
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// receiveReplicationStream reads propagated frames from the leader
// until the connection drops, dispatching each through
// replicate_execute and advancing ACK_OFFSET by its wire size.
func (rm *ReplicationManager) receiveReplicationStream() {
	for {
		rm.masterInfoMu.RLock()
		if rm.masterInfo == nil || rm.masterInfo.Conn == nil {
			rm.masterInfoMu.RUnlock()
			return
		}
		conn := rm.masterInfo.Conn
		reader := rm.masterInfo.Reader
		rm.masterInfoMu.RUnlock()

		conn.SetReadDeadline(time.Now().Add(65 * time.Second))

		f, err := protocol.ReadFrame(reader)
		if err != nil {
			rm.log.Warn("error reading from master: %v", err)
			rm.handleMasterDisconnect()
			return
		}
		if f == nil {
			rm.handleMasterDisconnect()
			return
		}

		args, err := protocol.AsCommand(*f)
		if err == nil && len(args) > 0 && strings.EqualFold(string(args[0]), "REPLCONF") &&
			len(args) > 1 && strings.EqualFold(string(args[1]), "GETACK") {
			rm.masterInfoMu.RLock()
			offset := rm.masterInfo.Offset
			rm.masterInfoMu.RUnlock()
			rm.sendCommand("REPLCONF", "ACK", strconv.FormatInt(offset, 10))
		} else if err := rm.executeReplicatedFrame(*f); err != nil {
			rm.log.Warn("error executing replicated frame: %v", err)
		}

		rm.masterInfoMu.Lock()
		if rm.masterInfo != nil {
			rm.masterInfo.Offset += int64(protocol.NumOfBytes(*f))
		}
		rm.masterInfoMu.Unlock()
	}
}

func (rm *ReplicationManager) handleMasterDisconnect() {
	rm.masterInfoMu.Lock()
	if rm.masterInfo == nil {
		rm.masterInfoMu.Unlock()
		return
	}
	host, port := rm.masterInfo.Host, rm.masterInfo.Port
	if rm.masterInfo.Conn != nil {
		rm.masterInfo.Conn.Close()
	}
	rm.masterInfo.State = MasterStateDisconnected
	rm.masterInfoMu.Unlock()

	rm.scheduleReconnect(host, port)
}

// scheduleReconnect retries the handshake after a backoff, up to
// maxReconnectAttempts consecutive failures, per §4.F.3.
func (rm *ReplicationManager) scheduleReconnect(host string, port int) {
	rm.reconnectAttempts++
	if rm.reconnectAttempts > maxReconnectAttempts {
		rm.log.Error("handshake failed %d times in a row, giving up", rm.reconnectAttempts-1)
		if rm.onHandshakeExhausted != nil {
			rm.onHandshakeExhausted()
		}
		return
	}

	rm.log.Warn("disconnected from master, retrying in 5s (attempt %d/%d)", rm.reconnectAttempts, maxReconnectAttempts)
	go func() {
		time.Sleep(5 * time.Second)
		if err := rm.ConnectToMaster(host, port); err != nil {
			rm.log.Warn("reconnection failed: %v", err)
		}
	}()
}

func (rm *ReplicationManager) DisconnectFromMaster() {
	rm.masterInfoMu.Lock()
	if rm.masterInfo != nil {
		savedReplID, savedOffset := rm.masterInfo.MasterReplID, rm.masterInfo.Offset
		if rm.masterInfo.Conn != nil {
			rm.masterInfo.Conn.Close()
		}
		rm.masterInfo = &MasterInfo{MasterReplID: savedReplID, Offset: savedOffset, State: MasterStateDisconnected}
	}
	rm.role = RoleMaster
	rm.masterInfoMu.Unlock()
}

func (rm *ReplicationManager) GetMasterInfo() *MasterInfo {
	rm.masterInfoMu.RLock()
	defer rm.masterInfoMu.RUnlock()
	return rm.masterInfo
}

// sendReplicationHeartbeat proactively reports ACK_OFFSET once a
// second, independent of leader GETACK requests.
func (rm *ReplicationManager) sendReplicationHeartbeat() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		rm.masterInfoMu.RLock()
		if rm.masterInfo == nil || rm.masterInfo.Conn == nil || rm.masterInfo.State != MasterStateConnected {
			rm.masterInfoMu.RUnlock()
			return
		}
		offset := rm.masterInfo.Offset
		rm.masterInfoMu.RUnlock()

		if err := rm.sendCommand("REPLCONF", "ACK", strconv.FormatInt(offset, 10)); err != nil {
			rm.handleMasterDisconnect()
			return
		}
	}
}
