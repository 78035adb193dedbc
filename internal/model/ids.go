package model

import "fmt"

// idAllocator hands out job IDs from a monotonic, wrap-around space,
// skipping IDs still in use by queued or retained jobs.
type idAllocator struct {
	next  int64
	inUse map[int64]struct{}
	idMax int64
}

func newIDAllocator() *idAllocator {
	return &idAllocator{
		next:  1,
		idMax: 99999,
		inUse: make(map[int64]struct{}),
	}
}

// alloc returns the next free ID. Exhaustion of the whole space is an
// invariant violation, not a runtime condition.
func (a *idAllocator) alloc() int64 {
	start := a.next

	for {
		id := a.next

		a.next++
		if a.next > a.idMax {
			a.next = 1
		}

		if _, used := a.inUse[id]; !used {
			a.inUse[id] = struct{}{}
			return id
		}

		if a.next == start {
			panic(fmt.Sprintf("idAllocator exhausted: 1..%d fully allocated", a.idMax))
		}
	}
}

// release returns an ID to the free pool. No-op on duplicate releases.
func (a *idAllocator) release(id int64) {
	delete(a.inUse, id)
}
