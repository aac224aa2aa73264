// Package streams holds the connection's collection of live streams
// and the concurrency gate derived from SETTINGS_MAX_CONCURRENT_STREAMS.
package streams

import (
	"sync"

	"h2cli/stream"
)

// Store maps stream ids to live streams. Streams are removed once they
// reach a terminal state; a nil lookup therefore means "closed or
// never opened" and the caller decides which from the id ordering.
type Store interface {
	Set(uint32, *stream.Stream)
	Get(uint32) *stream.Stream
	GetAndDelete(uint32) *stream.Stream
	Delete(uint32)
	Each(func(*stream.Stream))
	Len() int
}

// Map is a mutex-guarded Store.
type Map struct {
	mu sync.RWMutex
	m  map[uint32]*stream.Stream
}

func NewMap() *Map {
	return &Map{m: make(map[uint32]*stream.Stream, 16)}
}

func (s *Map) Set(id uint32, st *stream.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = st
}

func (s *Map) Get(id uint32) *stream.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[id]
}

func (s *Map) GetAndDelete(id uint32) *stream.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.m[id]
	if st != nil {
		delete(s.m, id)
	}
	return st
}

func (s *Map) Delete(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

func (s *Map) Each(fn func(*stream.Stream)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.m {
		fn(st)
	}
}

func (s *Map) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Sharded spreads streams over 2^n Maps keyed by low id bits, for
// connections multiplexing many concurrent streams.
type Sharded struct {
	shards []Store
	mask   uint32
}

func NewSharded(size uint32, build func() Store) *Sharded {
	shards := make([]Store, size)
	for i := range shards {
		shards[i] = build()
	}
	return &Sharded{shards, size - 1}
}

func (s *Sharded) shard(id uint32) Store { return s.shards[id&s.mask] }

func (s *Sharded) Set(id uint32, st *stream.Stream)    { s.shard(id).Set(id, st) }
func (s *Sharded) Get(id uint32) *stream.Stream        { return s.shard(id).Get(id) }
func (s *Sharded) GetAndDelete(id uint32) *stream.Stream {
	return s.shard(id).GetAndDelete(id)
}
func (s *Sharded) Delete(id uint32) { s.shard(id).Delete(id) }

func (s *Sharded) Each(fn func(*stream.Stream)) {
	for _, shard := range s.shards {
		shard.Each(fn)
	}
}

func (s *Sharded) Len() int {
	var n int
	for _, shard := range s.shards {
		n += shard.Len()
	}
	return n
}
