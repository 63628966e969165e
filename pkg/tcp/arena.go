package tcp

import (
	"fmt"
	"sync"
)

// Handle is a stable, generation-checked reference to a TCB. A handle held
// past the TCB's release no longer resolves.
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether h was ever issued.
func (h Handle) Valid() bool { return h.gen != 0 }

func (h Handle) String() string { return fmt.Sprintf("%d/%d", h.index, h.gen) }

type slot struct {
	gen  uint32
	refs int
	tcb  *TCB
}

// arena owns every live TCB. A slot is recycled once its TCB has been
// destroyed and the last reference has been put.
type arena struct {
	mu    sync.Mutex
	slots []slot
	free  []uint32
}

// alloc stores t with one reference held by the connection itself.
func (a *arena) alloc(t *TCB) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.refs = 1
	s.tcb = t
	h := Handle{index: idx, gen: s.gen}
	t.handle = h
	return h
}

// get resolves h and takes a reference. It returns nil for stale handles and
// for TCBs that are already destroyed.
func (a *arena) get(h Handle) *TCB {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !h.Valid() || int(h.index) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.index]
	if s.gen != h.gen || s.tcb == nil || s.tcb.dead.Load() {
		return nil
	}
	s.refs++
	return s.tcb
}

// hold takes another reference on a TCB the caller already references.
func (a *arena) hold(h Handle) {
	a.mu.Lock()
	if int(h.index) < len(a.slots) && a.slots[h.index].gen == h.gen {
		a.slots[h.index].refs++
	}
	a.mu.Unlock()
}

// put drops a reference. It reports whether the slot was released.
func (a *arena) put(h Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h.index) >= len(a.slots) {
		return false
	}
	s := &a.slots[h.index]
	if s.gen != h.gen || s.refs == 0 {
		return false
	}
	s.refs--
	if s.refs > 0 || !s.tcb.dead.Load() {
		return false
	}
	s.tcb = nil
	a.free = append(a.free, h.index)
	return true
}

// refs returns the reference count of h.
func (a *arena) refs(h Handle) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h.index) >= len(a.slots) || a.slots[h.index].gen != h.gen {
		return 0
	}
	return a.slots[h.index].refs
}

// live returns the number of occupied slots.
func (a *arena) live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - len(a.free)
}

// each calls fn with a reference held on every live TCB.
func (a *arena) each(fn func(*TCB)) {
	a.mu.Lock()
	var ts []*TCB
	for i := range a.slots {
		s := &a.slots[i]
		if s.tcb != nil && !s.tcb.dead.Load() {
			s.refs++
			ts = append(ts, s.tcb)
		}
	}
	a.mu.Unlock()

	for _, t := range ts {
		fn(t)
		a.put(t.handle)
	}
}
