package storage

// The remaining variants of §3.2's T are scaffolding only: CORE scope
// requires just Str. These type shapes are kept (generalized from the
// teacher's separate List/Hash/Set/ZSet packages) as the eventual home
// for Object[T] instantiations a future command set would add, but no
// command in this server constructs or stores them yet.

// List is the planned T for LPUSH/RPUSH-style commands.
type List struct {
	Elements []string
}

// Hash is the planned T for HSET-style commands.
type Hash struct {
	Fields map[string]string
}

// Set is the planned T for SADD-style commands.
type Set struct {
	Members map[string]struct{}
}

// ZSetEntry is one member/score pair of a planned sorted set.
type ZSetEntry struct {
	Member string
	Score  float64
}

// ZSet is the planned T for ZADD-style commands.
type ZSet struct {
	Entries []ZSetEntry
}
