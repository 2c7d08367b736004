package server

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goredis-core/internal/config"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = 0 // OS-assigned, avoids collisions between tests
	cfg.Server.Host = "127.0.0.1"
	cfg.RDB.Enable = false
	cfg.AOF.Enable = false
	cfg.RDB.FilePath = filepath.Join(t.TempDir(), "dump.rdb")
	cfg.AOF.FilePath = filepath.Join(t.TempDir(), "appendonly.aof")
	return cfg
}

func startTestServer(t *testing.T) (*Server, net.Addr) {
	t.Helper()
	srv, err := New(newTestConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	readyCtx, readyCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readyCancel()
	require.NoError(t, srv.WaitUntilReady(readyCtx))

	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
		<-done
	})

	return srv, srv.Addr()
}

func mustDial(t *testing.T, addr net.Addr) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func TestServerPingPong(t *testing.T) {
	_, addr := startTestServer(t)
	conn, r := mustDial(t, addr)

	_, err := conn.Write([]byte("*1\r\n$4\r\nPING\r\n"))
	require.NoError(t, err)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "+PONG\r\n", line)
}

func TestServerSetGetRoundTrip(t *testing.T) {
	_, addr := startTestServer(t)
	conn, r := mustDial(t, addr)

	_, err := conn.Write([]byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", line)

	_, err = conn.Write([]byte("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "$1\r\n", line)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "v\r\n", line)
}

func TestServerUnknownCommandRepliesError(t *testing.T) {
	_, addr := startTestServer(t)
	conn, r := mustDial(t, addr)

	_, err := conn.Write([]byte("*1\r\n$4\r\nNOPE\r\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "-ERR unknown command")
}

func TestServerRequirePassGatesCommands(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Security.RequirePass = "hunter2"
	srv, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	readyCtx, readyCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readyCancel()
	require.NoError(t, srv.WaitUntilReady(readyCtx))
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
		<-done
	})

	conn, r := mustDial(t, srv.Addr())

	_, err = conn.Write([]byte("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "NOAUTH")

	_, err = conn.Write([]byte("*2\r\n$4\r\nAUTH\r\n$7\r\nhunter2\r\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", line)
}
