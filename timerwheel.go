package swarm

import (
	"sync"
	"time"
)

// TimerID is the 32-bit handle schedule() hands back, echoed on
// OnTimer and accepted by remove() for (lazy) cancellation.
type TimerID uint32

const (
	tickResolution = time.Millisecond

	nearBits = 9
	nearSize = 1 << nearBits // 512 slots, one per millisecond: ~512ms of direct resolution
	nearMask = nearSize - 1

	farBits = 6
	farSize = 1 << farBits // 64 slots, one per near-wheel revolution: ~32s of cascaded resolution
	farMask = farSize - 1
)

type timerEntry struct {
	id        TimerID
	service   ServiceID
	cancelled bool
	deadline  uint64 // absolute tick count, used when cascading from far to near
}

type firedTimer struct {
	id      TimerID
	service ServiceID
}

// timerWheel is a per-worker hierarchical wheel: a near wheel at
// millisecond resolution for the common case of short delays, and a far
// wheel that holds anything too distant to fit in one near-wheel
// revolution, cascaded down a slot at a time as the near wheel wraps.
// Cancellation is lazy — remove() tombstones the entry in place rather
// than touching the slot — so it stays O(1) regardless of queue depth
// (spec.md §4.3's stated rationale).
type timerWheel struct {
	mu sync.Mutex

	near [nearSize][]*timerEntry
	far  [farSize][]*timerEntry

	currentTick uint64
	nextID      TimerID

	byID map[TimerID]*timerEntry

	ticker *time.Ticker
}

func newTimerWheel() *timerWheel {
	return &timerWheel{
		byID:   make(map[TimerID]*timerEntry),
		ticker: time.NewTicker(tickResolution),
	}
}

// timerChan is the worker loop's wakeup source for timer processing.
func (w *timerWheel) timerChan() <-chan time.Time {
	return w.ticker.C
}

// schedule arms a one-shot timer delayMs milliseconds out and returns its
// handle. Same-tick entries fire in schedule order because each slot is
// a plain append-ordered slice (spec.md §4.3's ordering guarantee).
func (w *timerWheel) schedule(service ServiceID, delayMs uint32) TimerID {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	entry := &timerEntry{id: id, service: service}

	if uint64(delayMs) < nearSize {
		slot := (w.currentTick + uint64(delayMs)) & nearMask
		w.near[slot] = append(w.near[slot], entry)
	} else {
		entry.deadline = w.currentTick + uint64(delayMs)
		slot := farSlotOf(entry.deadline)
		w.far[slot] = append(w.far[slot], entry)
	}

	w.byID[id] = entry
	return id
}

func farSlotOf(tick uint64) uint64 {
	return (tick >> nearBits) & farMask
}

// remove tombstones a scheduled timer. Already-fired entries are no-ops —
// matching the documented "remove after fire is a no-op" edge case.
func (w *timerWheel) remove(id TimerID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if entry, ok := w.byID[id]; ok {
		entry.cancelled = true
		delete(w.byID, id)
	}
}

// advance moves the wheel forward one tick, cascading the far wheel into
// the near wheel on a full near-wheel revolution, and returns every timer
// that fires on the new tick (skipping tombstoned entries).
func (w *timerWheel) advance() []firedTimer {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.currentTick++
	nearSlot := w.currentTick & nearMask

	if nearSlot == 0 {
		w.cascade()
	}

	entries := w.near[nearSlot]
	w.near[nearSlot] = nil

	fired := make([]firedTimer, 0, len(entries))
	for _, e := range entries {
		if e.cancelled {
			continue
		}
		delete(w.byID, e.id)
		fired = append(fired, firedTimer{id: e.id, service: e.service})
	}
	return fired
}

// cascade redistributes the far-wheel slot whose revolution has just
// completed down into the near wheel's slots.
func (w *timerWheel) cascade() {
	slot := farSlotOf(w.currentTick)
	entries := w.far[slot]
	w.far[slot] = nil

	for _, e := range entries {
		if e.cancelled {
			continue
		}
		remaining := e.deadline - w.currentTick
		target := remaining & nearMask
		w.near[target] = append(w.near[target], e)
	}
}

// stop releases the wheel's ticker. Called once, from worker teardown.
func (w *timerWheel) stop() {
	w.ticker.Stop()
}
