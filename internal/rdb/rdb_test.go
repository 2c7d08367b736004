package rdb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goredis-core/internal/storage"
)

func TestLZFRoundTrip(t *testing.T) {
	inputs := []string{
		"aabcdeabcdf",
		"",
		"a",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"the quick brown fox jumps over the lazy dog the quick brown fox jumps over the lazy dog",
	}
	for _, in := range inputs {
		compressed := LZFCompress([]byte(in))
		out, err := LZFDecompress(compressed, len(in))
		require.NoError(t, err)
		require.Equal(t, in, string(out))
	}
}

func TestLZFOverlappingBackReference(t *testing.T) {
	// ctl=0x20 (top3=1 -> length 3, offset low bits 0), offset byte 0
	// -> copies from 1 byte back, repeating the single preceding literal.
	src := []byte{0, 'a', 0x20, 0}
	out, err := LZFDecompress(src, 4)
	require.NoError(t, err)
	require.Equal(t, "aaaa", string(out))
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.rdb")

	future := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	snapshot := map[string]*storage.Object[storage.Str]{
		"int-key": {Value: storage.NewStr([]byte("12345"))},
		"raw-key": {Value: storage.NewStr([]byte("hello world hello world hello world"))},
		"ttl-key": {Value: storage.NewStr([]byte("v")), Expire: &future},
	}

	w := NewWriter(path, 9, true)
	require.NoError(t, w.Save(snapshot))

	loaded, err := Load(path, true)
	require.NoError(t, err)
	require.Len(t, loaded, 3)

	for k, orig := range snapshot {
		require.True(t, storage.ObjectsEqual(orig, loaded[k]), "key %s mismatch", k)
	}
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	loaded, err := Load(filepath.Join(t.TempDir(), "missing.rdb"), true)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestChecksumMismatchDetected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.rdb")

	snapshot := map[string]*storage.Object[storage.Str]{
		"k": {Value: storage.NewStr([]byte("some value that is long enough to not be all metadata"))},
	}
	w := NewWriter(path, 9, true)
	require.NoError(t, w.Save(snapshot))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte in the payload (well before the checksum trailer).
	data[len(Magic)+10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Load(path, true)
	require.Error(t, err)
}
