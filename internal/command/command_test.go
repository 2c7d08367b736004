package command

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goredis-core/internal/aof"
	"goredis-core/internal/logging"
	"goredis-core/internal/protocol"
	"goredis-core/internal/replication"
	"goredis-core/internal/storage"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	w, err := aof.NewWriter(aof.Config{Enabled: false})
	require.NoError(t, err)
	repl := replication.NewReplicationManager(replication.RoleMaster, logging.New("test", logging.LevelError))
	t.Cleanup(repl.Shutdown)
	return &Context{
		Store: storage.New(),
		AOF:   w,
		Repl:  repl,
		Log:   logging.New("test", logging.LevelError),
	}
}

func bargs(ss ...string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

func TestDispatchUnknownCommand(t *testing.T) {
	ctx := newTestContext(t)
	_, err := Dispatch(ctx, bargs("NOPE"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestDispatchArityError(t *testing.T) {
	ctx := newTestContext(t)
	_, err := Dispatch(ctx, bargs("GET"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong number of arguments")
}

func TestDispatchAuthGate(t *testing.T) {
	ctx := newTestContext(t)
	ctx.RequirePass = "secret"

	_, err := Dispatch(ctx, bargs("GET", "k"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOAUTH")

	reply, err := Dispatch(ctx, bargs("AUTH", "wrong"))
	require.Error(t, err)
	assert.Nil(t, reply)
	assert.False(t, ctx.Authed)

	reply, err = Dispatch(ctx, bargs("AUTH", "secret"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Simple("OK"), *reply)
	assert.True(t, ctx.Authed)

	reply, err = Dispatch(ctx, bargs("GET", "k"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Null(), *reply)
}

func TestSetGetDelExists(t *testing.T) {
	ctx := newTestContext(t)

	reply, err := Dispatch(ctx, bargs("SET", "k", "v"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Simple("OK"), *reply)

	reply, err = Dispatch(ctx, bargs("GET", "k"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Bulk([]byte("v")), *reply)

	reply, err = Dispatch(ctx, bargs("EXISTS", "k", "missing"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Integer(1), *reply)

	reply, err = Dispatch(ctx, bargs("DEL", "k", "missing"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Integer(1), *reply)

	reply, err = Dispatch(ctx, bargs("GET", "k"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Null(), *reply)
}

func TestTTLReportsAbsentAndPersistent(t *testing.T) {
	ctx := newTestContext(t)

	reply, err := Dispatch(ctx, bargs("TTL", "missing"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Integer(-2), *reply)

	_, err = Dispatch(ctx, bargs("SET", "k", "v"))
	require.NoError(t, err)

	reply, err = Dispatch(ctx, bargs("TTL", "k"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Integer(-1), *reply)

	reply, err = Dispatch(ctx, bargs("EXPIRE", "k", "100"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Integer(1), *reply)

	reply, err = Dispatch(ctx, bargs("TTL", "k"))
	require.NoError(t, err)
	assert.True(t, reply.Int > 0 && reply.Int <= 100)
}

func TestIncrDecr(t *testing.T) {
	ctx := newTestContext(t)

	reply, err := Dispatch(ctx, bargs("INCR", "counter"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Integer(1), *reply)

	reply, err = Dispatch(ctx, bargs("INCRBY", "counter", "9"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Integer(10), *reply)

	reply, err = Dispatch(ctx, bargs("DECR", "counter"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Integer(9), *reply)

	_, err = Dispatch(ctx, bargs("SET", "notanumber", "abc"))
	require.NoError(t, err)
	_, err = Dispatch(ctx, bargs("INCR", "notanumber"))
	require.Error(t, err)
}

func TestFlushAllAndKeys(t *testing.T) {
	ctx := newTestContext(t)
	_, _ = Dispatch(ctx, bargs("SET", "a", "1"))
	_, _ = Dispatch(ctx, bargs("SET", "b", "2"))

	reply, err := Dispatch(ctx, bargs("KEYS", "*"))
	require.NoError(t, err)
	assert.Len(t, reply.Array, 2)

	reply, err = Dispatch(ctx, bargs("FLUSHALL"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Simple("OK"), *reply)

	reply, err = Dispatch(ctx, bargs("KEYS", "*"))
	require.NoError(t, err)
	assert.Len(t, reply.Array, 0)
}

func TestWriteCommandAppendsToAOF(t *testing.T) {
	dir := t.TempDir()
	w, err := aof.NewWriter(aof.Config{Enabled: true, Filepath: filepath.Join(dir, "appendonly.aof"), SyncPolicy: aof.SyncAlways, BufferSize: 4096})
	require.NoError(t, err)
	defer w.Close()

	repl := replication.NewReplicationManager(replication.RoleMaster, logging.New("test", logging.LevelError))
	t.Cleanup(repl.Shutdown)
	ctx := &Context{
		Store: storage.New(),
		AOF:   w,
		Repl:  repl,
		Log:   logging.New("test", logging.LevelError),
	}

	var wrote bool
	ctx.OnWrite = func() { wrote = true }

	_, err = Dispatch(ctx, bargs("SET", "k", "v"))
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, int64(1), w.GetStats().TotalWrites)
}

func TestDispatchReplicatedAppliesWithoutPropagation(t *testing.T) {
	ctx := newTestContext(t)
	called := false
	ctx.OnWrite = func() { called = true }

	f := frameFromArgs(bargs("SET", "replicated-key", "v"))
	err := DispatchReplicated(ctx, f)
	require.NoError(t, err)
	assert.False(t, called, "DispatchReplicated must not fan out to OnWrite/AOF/Repl")

	v, ok := ctx.Store.Get("replicated-key")
	require.True(t, ok)
	assert.Equal(t, "v", string(v.Bytes()))
}

func TestCommandCaseInsensitiveLookup(t *testing.T) {
	_, ok := Lookup([]byte("get"))
	assert.True(t, ok)
	_, ok = Lookup([]byte("GeT"))
	assert.True(t, ok)
}
