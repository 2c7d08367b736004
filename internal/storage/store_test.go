package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetGetDel(t *testing.T) {
	s := New()
	s.Set("key", NewStr([]byte("val")), ExpirePreserve, time.Time{})

	v, ok := s.Get("key")
	require.True(t, ok)
	require.Equal(t, []byte("val"), v.Bytes())

	require.True(t, s.Del("key"))
	_, ok = s.Get("key")
	require.False(t, ok)
}

func TestIntegerEncoding(t *testing.T) {
	v := NewStr([]byte("12345"))
	require.Equal(t, EncodingInt, v.Encoding)
	require.Equal(t, int64(12345), v.Int)

	v = NewStr([]byte("007"))
	require.Equal(t, EncodingRaw, v.Encoding)

	v = NewStr([]byte("0"))
	require.Equal(t, EncodingInt, v.Encoding)

	v = NewStr([]byte("abc"))
	require.Equal(t, EncodingRaw, v.Encoding)
}

func TestExpiryLazyEviction(t *testing.T) {
	s := New()
	past := time.Now().Add(-time.Hour)
	s.Set("k", NewStr([]byte("v")), ExpireAt, past)

	_, ok := s.Get("k")
	require.False(t, ok)
	require.False(t, s.Exists("k"))
}

func TestExpirePreserveAndClear(t *testing.T) {
	s := New()
	future := time.Now().Add(time.Hour)
	s.Set("k", NewStr([]byte("v1")), ExpireAt, future)

	s.Set("k", NewStr([]byte("v2")), ExpirePreserve, time.Time{})
	ttl, ok := s.TTL("k")
	require.True(t, ok)
	require.Greater(t, ttl, time.Duration(0))

	s.Set("k", NewStr([]byte("v3")), ExpireClear, time.Time{})
	ttl, ok = s.TTL("k")
	require.True(t, ok)
	require.Equal(t, time.Duration(0), ttl)
}

func TestSetTTL(t *testing.T) {
	s := New()
	require.False(t, s.SetTTL("missing", time.Second))

	s.Set("k", NewStr([]byte("v")), ExpirePreserve, time.Time{})
	require.True(t, s.SetTTL("k", time.Minute))
	ttl, ok := s.TTL("k")
	require.True(t, ok)
	require.Greater(t, ttl, time.Duration(0))
}

func TestSnapshotIsolatedFromMutation(t *testing.T) {
	s := New()
	s.Set("k", NewStr([]byte("v")), ExpirePreserve, time.Time{})

	snap := s.Snapshot()
	s.Set("k", NewStr([]byte("changed")), ExpirePreserve, time.Time{})

	require.Equal(t, []byte("v"), snap["k"].Value.Bytes())
}

func TestConcurrentAccessDistinctKeys(t *testing.T) {
	s := New()
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func(i int) {
			s.Set(string(rune('A'+i)), NewStr([]byte("x")), ExpirePreserve, time.Time{})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 50; i++ {
		<-done
	}
}
