package aof

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"goredis-core/internal/protocol"
)

func TestParseSyncPolicy(t *testing.T) {
	cases := map[string]SyncPolicy{
		"always":   SyncAlways,
		"Always":   SyncAlways,
		"everysec": SyncEverySecond,
		"no":       SyncNo,
	}
	for in, want := range cases {
		got, err := ParseSyncPolicy(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseSyncPolicy("sometimes")
	require.Error(t, err)
}

func TestAppendAndReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appendonly.aof")

	cfg := DefaultConfig()
	cfg.Filepath = path
	cfg.SyncPolicy = SyncAlways

	w, err := NewWriter(cfg)
	require.NoError(t, err)

	commands := [][][]byte{
		{[]byte("SET"), []byte("a"), []byte("1")},
		{[]byte("SET"), []byte("b"), []byte("contains\r\nembedded crlf")},
		{[]byte("DEL"), []byte("a")},
	}
	for _, args := range commands {
		items := make([]protocol.Frame, len(args))
		for i, a := range args {
			items[i] = protocol.Bulk(a)
		}
		require.NoError(t, w.Append(protocol.Array(items)))
	}
	require.NoError(t, w.Close())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	var replayed []protocol.Frame
	for {
		f, err := r.ReadFrame()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		replayed = append(replayed, *f)
	}
	require.Len(t, replayed, len(commands))

	for i, f := range replayed {
		args, err := protocol.AsCommand(f)
		require.NoError(t, err)
		require.Len(t, args, len(commands[i]))
		for j, a := range args {
			require.Equal(t, commands[i][j], a)
		}
	}
}

func TestReaderMissingFileIsNotError(t *testing.T) {
	r, err := NewReader(filepath.Join(t.TempDir(), "missing.aof"))
	require.NoError(t, err)
	require.Nil(t, r)
}
