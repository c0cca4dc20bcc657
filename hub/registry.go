package hub

import (
	"sync"
	"sync/atomic"
)

// Conn is the part of an observer connection the hub needs.
type Conn interface {
	ID() string
	SendRaw(data []byte) error
	Close()
}

type Shard struct {
	conns map[string]Conn
	mu    sync.RWMutex
}

// Registry tracks open observer connections. It has no business logic.
type Registry struct {
	shards     []*Shard
	shardCount int
	count      atomic.Int64
}

// NewRegistry rounds shardCount up to a power of two.
func NewRegistry(shardCount int) *Registry {
	n := 1
	for n < shardCount {
		n <<= 1
	}
	shards := make([]*Shard, n)
	for i := range shards {
		shards[i] = &Shard{conns: make(map[string]Conn)}
	}
	return &Registry{shards: shards, shardCount: n}
}

func (r *Registry) shardFor(id string) *Shard {
	// ids are uuids, the first 4 chars are hex
	if len(id) >= 4 {
		var idx uint32
		for i := 0; i < 4; i++ {
			c := id[i]
			var v byte
			switch {
			case c >= '0' && c <= '9':
				v = c - '0'
			case c >= 'a' && c <= 'f':
				v = c - 'a' + 10
			case c >= 'A' && c <= 'F':
				v = c - 'A' + 10
			}
			idx = (idx << 4) | uint32(v)
		}
		return r.shards[idx&uint32(r.shardCount-1)]
	}
	return r.shards[0]
}

// Register adds c. Registering the same connection twice keeps one entry.
func (r *Registry) Register(c Conn) {
	shard := r.shardFor(c.ID())
	shard.mu.Lock()
	_, exists := shard.conns[c.ID()]
	shard.conns[c.ID()] = c
	shard.mu.Unlock()
	if !exists {
		r.count.Add(1)
	}
}

// Unregister removes c if it is still the registered connection for its id.
// It reports whether anything was removed.
func (r *Registry) Unregister(c Conn) bool {
	shard := r.shardFor(c.ID())
	shard.mu.Lock()
	existing, ok := shard.conns[c.ID()]
	if ok && existing == c {
		delete(shard.conns, c.ID())
	} else {
		ok = false
	}
	shard.mu.Unlock()
	if ok {
		r.count.Add(-1)
	}
	return ok
}

// Snapshot copies the current set. No ordering across connections.
func (r *Registry) Snapshot() []Conn {
	out := make([]Conn, 0, r.count.Load())
	for _, shard := range r.shards {
		shard.mu.RLock()
		for _, c := range shard.conns {
			out = append(out, c)
		}
		shard.mu.RUnlock()
	}
	return out
}

func (r *Registry) Count() int {
	return int(r.count.Load())
}
