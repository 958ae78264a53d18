package clusterd

import (
	"sync"
	"time"
)

const placementShards = 64

// PlacementEntry records which cluster host is believed to own a named
// service.
type PlacementEntry struct {
	HostID   string
	Address  string
	Epoch    int64
	cachedAt int64 // coarse clock seconds (internal)
}

type placementShard struct {
	mu sync.RWMutex
	m  map[string]PlacementEntry
}

// PlacementCache maps a unique service name to its last-known owning host.
// Thread-safe. Entries expire after the configured TTL. Uses 64 shards for
// high-concurrency reads.
type PlacementCache struct {
	shards [placementShards]placementShard
	ttl    int64 // seconds, compared against coarseNow
}

func newPlacementCache(ttl time.Duration) *PlacementCache {
	pc := &PlacementCache{ttl: int64(ttl.Seconds())}
	for i := range pc.shards {
		pc.shards[i].m = make(map[string]PlacementEntry)
	}
	return pc
}

// Get returns the cached placement for name, or false if missing/expired.
func (pc *PlacementCache) Get(name string) (PlacementEntry, bool) {
	s := &pc.shards[nameShard(name)]
	s.mu.RLock()
	e, ok := s.m[name]
	s.mu.RUnlock()
	if !ok {
		return PlacementEntry{}, false
	}
	if coarseNow.Load()-e.cachedAt > pc.ttl {
		pc.Evict(name)
		return PlacementEntry{}, false
	}
	return e, true
}

// Put stores a placement entry for name.
func (pc *PlacementCache) Put(name string, entry PlacementEntry) {
	entry.cachedAt = coarseNow.Load()
	s := &pc.shards[nameShard(name)]
	s.mu.Lock()
	s.m[name] = entry
	s.mu.Unlock()
}

// Evict removes the placement entry for name.
func (pc *PlacementCache) Evict(name string) {
	s := &pc.shards[nameShard(name)]
	s.mu.Lock()
	delete(s.m, name)
	s.mu.Unlock()
}

// Len returns the number of entries in the cache (including potentially
// expired ones).
func (pc *PlacementCache) Len() int {
	n := 0
	for i := range pc.shards {
		s := &pc.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// nameShard picks a shard for name. blake3 is already wired for ring.go's
// hashing, so it supplies this one too.
func nameShard(name string) uint32 {
	return uint32(ringHash(name) % placementShards)
}
