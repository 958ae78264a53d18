package swarm

// PrefabID addresses an interned payload within one worker's prefab
// cache. It has no meaning outside the worker that issued it.
type PrefabID uint32

type prefabEntry struct {
	buf      *Buffer
	refcount int32
}

// prefabCache is a worker-local store of pre-built payloads enabling
// zero-copy fan-out (spec.md §4.7). Unlike placementCache's sharded,
// mutex-guarded map — built for concurrent cross-worker readers — a
// prefab cache is touched only by its owning worker's goroutine, so it
// needs neither sharding nor locking.
type prefabCache struct {
	entries map[PrefabID]*prefabEntry
	nextID  PrefabID
}

func newPrefabCache() *prefabCache {
	return &prefabCache{entries: make(map[PrefabID]*prefabEntry)}
}

// makePrefab interns buf and returns a local id referencing it. The
// cache takes a reference; buf must not be mutated by its caller
// afterward.
func (c *prefabCache) makePrefab(buf *Buffer) PrefabID {
	c.nextID++
	id := c.nextID
	c.entries[id] = &prefabEntry{buf: buf, refcount: 1}
	return id
}

// get returns the shared buffer for id and bumps its refcount, or
// ErrPrefabNotFound if id is unknown.
func (c *prefabCache) get(id PrefabID) (*Buffer, error) {
	e, ok := c.entries[id]
	if !ok {
		return nil, ErrPrefabNotFound
	}
	e.refcount++
	return e.buf, nil
}

// release drops one reference taken by get. When the cache is left
// holding the only reference, the entry is purged — spec.md §4.7's
// "purged when refcount drops to one" rule.
func (c *prefabCache) release(id PrefabID) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 1 {
		delete(c.entries, id)
	}
}

// len reports how many prefabs are currently interned.
func (c *prefabCache) len() int {
	return len(c.entries)
}
