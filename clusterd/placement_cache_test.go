package clusterd

import (
	"testing"
	"time"
)

func TestPlacementCache_PutGet(t *testing.T) {
	pc := newPlacementCache(10 * time.Second)

	_, ok := pc.Get("player-1")
	if ok {
		t.Fatal("expected miss on empty cache")
	}

	pc.Put("player-1", PlacementEntry{HostID: "host-a", Address: "127.0.0.1:7000", Epoch: 1})
	e, ok := pc.Get("player-1")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if e.HostID != "host-a" || e.Epoch != 1 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestPlacementCache_TTLExpiry(t *testing.T) {
	pc := newPlacementCache(time.Second)

	pc.Put("player-2", PlacementEntry{HostID: "host-b", Address: "127.0.0.1:7001", Epoch: 1})

	_, ok := pc.Get("player-2")
	if !ok {
		t.Fatal("expected hit before TTL")
	}

	coarseNow.Add(2)

	_, ok = pc.Get("player-2")
	if ok {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestPlacementCache_Evict(t *testing.T) {
	pc := newPlacementCache(10 * time.Second)

	pc.Put("player-3", PlacementEntry{HostID: "host-c", Address: "127.0.0.1:7002", Epoch: 2})
	pc.Evict("player-3")

	_, ok := pc.Get("player-3")
	if ok {
		t.Fatal("expected miss after evict")
	}
}

func TestPlacementCache_EpochOverwrite(t *testing.T) {
	pc := newPlacementCache(10 * time.Second)

	pc.Put("player-4", PlacementEntry{HostID: "host-a", Address: "127.0.0.1:7000", Epoch: 1})
	pc.Put("player-4", PlacementEntry{HostID: "host-b", Address: "127.0.0.1:7001", Epoch: 2})

	e, ok := pc.Get("player-4")
	if !ok {
		t.Fatal("expected hit")
	}
	if e.HostID != "host-b" || e.Epoch != 2 {
		t.Fatalf("expected updated entry, got %+v", e)
	}
}
