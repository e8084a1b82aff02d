package prioritask

import (
	"sync"
	"weak"
)

// signalRegistry tracks every PrioritySignal the scheduler has subscribed a
// prioritychange listener to, using weak pointers so that a signal with no
// remaining external reference (and no longer queued by any task) is still
// reclaimable by the garbage collector — the registry itself must never be
// the thing keeping a signal alive. It uses the same ring-buffer scavenging
// strategy as the promise registry it is grounded on: deterministic,
// bounded-batch cleanup instead of scanning the whole table on every tick.
type signalRegistry struct {
	data map[uint64]weak.Pointer[PrioritySignal]
	ring []uint64
	head int

	nextID uint64
	mu     sync.RWMutex

	scavengeMu sync.Mutex
}

// newSignalRegistry creates an initialized, empty registry.
func newSignalRegistry() *signalRegistry {
	return &signalRegistry{
		data:   make(map[uint64]weak.Pointer[PrioritySignal]),
		ring:   make([]uint64, 0, 256),
		nextID: 1,
	}
}

// track records signal in the registry and returns its id. Called exactly
// once per signal, the first time the scheduler attaches a prioritychange
// listener to it (§4.4).
func (r *signalRegistry) track(signal *PrioritySignal) uint64 {
	wp := weak.Make(signal)

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.data[id] = wp
	r.ring = append(r.ring, id)
	return id
}

// Len returns the number of entries currently believed live (not yet
// scavenged); used for metrics only, not correctness.
func (r *signalRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Scavenge performs a partial cleanup pass: it walks up to batchSize ring
// entries starting from the cursor left by the previous call, dropping any
// whose signal has been garbage collected. It compacts the ring once a full
// cycle completes, the ring holds more than 256 slots, and the live load
// factor has dropped below 25%.
func (r *signalRegistry) Scavenge(batchSize int) {
	r.scavengeMu.Lock()
	defer r.scavengeMu.Unlock()

	if batchSize <= 0 {
		return
	}

	r.mu.RLock()
	ringLen := len(r.ring)
	if ringLen == 0 {
		r.mu.RUnlock()
		return
	}

	start := r.head
	end := min(start+batchSize, ringLen)

	type item struct {
		id  uint64
		idx int
	}
	candidates := make([]item, 0, end-start)
	for i := start; i < end; i++ {
		if id := r.ring[i]; id != 0 {
			candidates = append(candidates, item{id, i})
		}
	}

	wps := make([]weak.Pointer[PrioritySignal], 0, len(candidates))
	live := candidates[:0]
	for _, it := range candidates {
		if wp, ok := r.data[it.id]; ok {
			wps = append(wps, wp)
			live = append(live, it)
		}
	}

	nextHead := end
	if nextHead >= ringLen {
		nextHead = 0
	}
	r.mu.RUnlock()

	cycleCompleted := nextHead == 0

	var dead []item
	for i, it := range live {
		if wps[i].Value() == nil {
			dead = append(dead, it)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, it := range dead {
		delete(r.data, it.id)
		if it.idx < len(r.ring) && r.ring[it.idx] == it.id {
			r.ring[it.idx] = 0
		}
	}
	r.head = nextHead

	if cycleCompleted {
		activeCount := len(r.data)
		capacity := len(r.ring)
		if capacity > 256 && float64(activeCount) < float64(capacity)*0.25 {
			r.compactAndRenew()
		}
	}
}

// compactAndRenew removes dead-marker slots from the ring and rebuilds the
// map so Go's runtime can reclaim the old bucket array. Must be called with
// mu held.
func (r *signalRegistry) compactAndRenew() {
	newRing := make([]uint64, 0, len(r.data))
	newData := make(map[uint64]weak.Pointer[PrioritySignal], len(r.data))

	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			newRing = append(newRing, id)
			newData[id] = wp
		}
	}

	r.ring = newRing
	r.data = newData
	r.head = 0
}
