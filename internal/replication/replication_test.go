package replication

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goredis-core/internal/logging"
	"goredis-core/internal/protocol"
)

func TestBacklogAppendAndRange(t *testing.T) {
	b := NewReplicationBacklog(16)
	b.Append([]byte("0123456789"))

	data, ok := b.GetRange(0)
	require.True(t, ok)
	require.Equal(t, "0123456789", string(data))

	b.Append([]byte("abcdefgh")) // pushes total past 16, wraps
	_, ok = b.GetRange(0)
	require.False(t, ok, "offset 0 should have fallen out of the retained window")
}

func TestCountAcked(t *testing.T) {
	rm := NewReplicationManager(RoleMaster, logging.New("test", logging.LevelError))
	rm.replicas["a"] = &ReplicaInfo{ID: "a", AckOffset: 100, State: ReplicaStateOnline}
	rm.replicas["b"] = &ReplicaInfo{ID: "b", AckOffset: 50, State: ReplicaStateOnline}

	require.Equal(t, 2, rm.CountAcked(50))
	require.Equal(t, 1, rm.CountAcked(100))
	require.Equal(t, 0, rm.CountAcked(101))
}

func TestPropagateFrameAdvancesOffset(t *testing.T) {
	rm := NewReplicationManager(RoleMaster, logging.New("test", logging.LevelError))
	defer rm.Shutdown()

	f := protocol.Array([]protocol.Frame{protocol.BulkString("SET"), protocol.BulkString("k"), protocol.BulkString("v")})
	rm.propagateToReplicas(f)
	require.Equal(t, int64(protocol.NumOfBytes(f)), rm.GetOffset())
}
