package swarm

import "testing"

func TestPrefabCacheGetSharesStorage(t *testing.T) {
	c := newPrefabCache()
	buf := NewBuffer(4)
	buf.WriteBack([]byte("data"))

	id := c.makePrefab(buf)
	got, err := c.get(id)
	if err != nil {
		t.Fatal(err)
	}
	if got != buf {
		t.Fatal("get() returned a different Buffer than the one interned")
	}
}

func TestPrefabCacheUnknownID(t *testing.T) {
	c := newPrefabCache()
	if _, err := c.get(999); err != ErrPrefabNotFound {
		t.Fatalf("err = %v, want ErrPrefabNotFound", err)
	}
}

func TestPrefabCachePurgesAtRefcountOne(t *testing.T) {
	c := newPrefabCache()
	buf := NewBuffer(4)
	id := c.makePrefab(buf)

	if _, err := c.get(id); err != nil {
		t.Fatal(err)
	}
	if c.len() != 1 {
		t.Fatalf("len = %d, want 1 while referenced", c.len())
	}

	c.release(id)
	if c.len() != 0 {
		t.Fatalf("len = %d, want 0 after release drops refcount to cache-only", c.len())
	}
}
