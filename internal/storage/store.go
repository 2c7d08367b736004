// Package storage implements the typed keyspace of §3.2/§3.3: a
// concurrent mapping from byte-string keys to Object[Str], with
// per-key expiration and a background reaper. The teacher's single
// unsharded map is generalized into 16 independently-locked shards so
// reads and writes on distinct keys proceed without a global lock, per
// §5's concurrency model.
package storage

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// ExpireSpec selects how Set treats a key's TTL, matching §4.B's Set
// contract exactly: Preserve keeps whatever TTL (if any) the key
// already had, Clear removes any TTL ("never expires"), and At sets an
// absolute expiration instant.
type ExpireSpec int

const (
	ExpirePreserve ExpireSpec = iota
	ExpireClear
	ExpireAt
)

type shard struct {
	mu   sync.RWMutex
	data map[string]*Object[Str]
}

// Store is the sharded Str keyspace. Zero value is not usable; use New.
type Store struct {
	shards [shardCount]*shard
}

func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[string]*Object[Str])}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// expired reports whether obj's TTL, if any, has already passed.
func expired(obj *Object[Str], now time.Time) bool {
	return obj.Expire != nil && obj.Expire.Before(now)
}

// Get returns the decoded value if present and unexpired. An expired
// entry is evicted as a side effect and treated as absent.
func (s *Store) Get(key string) (Str, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	obj, ok := sh.data[key]
	if !ok {
		return Str{}, false
	}
	if expired(obj, time.Now()) {
		delete(sh.data, key)
		return Str{}, false
	}
	return obj.Value, true
}

// Set stores value under key, applying spec per ExpireSpec. at is only
// consulted when spec == ExpireAt.
func (s *Store) Set(key string, value Str, spec ExpireSpec, at time.Time) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, exists := sh.data[key]

	var expire *time.Time
	switch spec {
	case ExpireClear:
		expire = nil
	case ExpireAt:
		t := at
		expire = &t
	case ExpirePreserve:
		if exists && !expired(existing, time.Now()) {
			expire = existing.Expire
		} else {
			expire = nil
		}
	}

	sh.data[key] = &Object[Str]{Value: value, Expire: expire}
}

// Del removes key unconditionally, returning whether it was present.
func (s *Store) Del(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.data[key]
	delete(sh.data, key)
	return ok
}

// Exists reports whether key is present and unexpired.
func (s *Store) Exists(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// TTL returns (remaining duration, true) if key exists. A persistent
// key reports (0, true); an absent or expired key reports (0, false).
func (s *Store) TTL(key string) (time.Duration, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	obj, ok := sh.data[key]
	if !ok {
		return 0, false
	}
	now := time.Now()
	if expired(obj, now) {
		delete(sh.data, key)
		return 0, false
	}
	if obj.Expire == nil {
		return 0, true
	}
	return obj.Expire.Sub(now), true
}

// SetTTL sets key's absolute expiry to now+d, returning false if the
// key is absent or already expired.
func (s *Store) SetTTL(key string, d time.Duration) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	obj, ok := sh.data[key]
	if !ok || expired(obj, time.Now()) {
		delete(sh.data, key)
		return false
	}
	t := time.Now().Add(d)
	obj.Expire = &t
	return true
}

// Flush clears every shard.
func (s *Store) Flush() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.data = make(map[string]*Object[Str])
		sh.mu.Unlock()
	}
}

// Keys returns every non-expired key. Expired keys encountered along
// the way are evicted.
func (s *Store) Keys() []string {
	var keys []string
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, obj := range sh.data {
			if expired(obj, now) {
				delete(sh.data, k)
				continue
			}
			keys = append(keys, k)
		}
		sh.mu.Unlock()
	}
	return keys
}

// Snapshot returns a point-in-time clone of every unexpired key, for
// use by the RDB writer and full-resync transfer. Ownership of the
// store is never given up: callers observe a copy, never the live map,
// so snapshot I/O never holds a shard lock.
func (s *Store) Snapshot() map[string]*Object[Str] {
	out := make(map[string]*Object[Str])
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, obj := range sh.data {
			if expired(obj, now) {
				continue
			}
			var expireCopy *time.Time
			if obj.Expire != nil {
				t := *obj.Expire
				expireCopy = &t
			}
			out[k] = &Object[Str]{Value: obj.Value, Expire: expireCopy}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Restore loads key/value pairs wholesale (used by RDB/AOF load paths),
// replacing any existing entries with the same key.
func (s *Store) Restore(key string, obj *Object[Str]) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.data[key] = obj
}

// Len reports the total number of entries across all shards, including
// any not-yet-reaped expired ones.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.data)
		sh.mu.RUnlock()
	}
	return n
}

// RunExpiryReaper evicts expired entries every interval until stop is
// closed, implementing §4.B's periodic expiry reaper.
func (s *Store) RunExpiryReaper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reapOnce()
		case <-stop:
			return
		}
	}
}

func (s *Store) reapOnce() {
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, obj := range sh.data {
			if expired(obj, now) {
				delete(sh.data, k)
			}
		}
		sh.mu.Unlock()
	}
}
