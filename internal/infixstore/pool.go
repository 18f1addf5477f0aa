package infixstore

import (
	"sync"
	"sync/atomic"
)

// storePool is a type-safe wrapper around sync.Pool, specialized for
// recycling the *Store struct headers that Shrink replaces. Grow and
// ShrinkInfixSize do not recycle the store they replace. Adapted from
// gaissmai/bart's
// pool[V] (pool.go), which does the same thing for *node[V] during
// route-table mutation.
//
// Unlike bart's nodes, a Store's three backing slices (Occupied, Runend,
// Slots.words) are sized by its grade, so recycling only ever saves the
// struct header allocation itself -- the slices are always replaced by
// New with freshly sized ones. This is still worth doing because
// Shrink runs on every delete near a grade boundary.
type storePool struct {
	sync.Pool

	totalAllocated atomic.Int64
	currentLive    atomic.Int64
}

func newStorePool() *storePool {
	p := &storePool{}
	p.New = func() any {
		p.totalAllocated.Add(1)
		return new(Store)
	}
	return p
}

// get returns a zero-valued *Store, recycled if the pool has one.
func (p *storePool) get() *Store {
	if p == nil {
		return new(Store)
	}
	p.currentLive.Add(1)
	return p.Pool.Get().(*Store)
}

// put returns s to the pool once its caller is certain no other
// goroutine can still observe it (Shrink's only caller, internal/triemap's
// Delete, holds the leaf's write lock and replaces the leaf's store
// pointer with Shrink's result before releasing it).
func (p *storePool) put(s *Store) {
	if p == nil {
		return
	}
	p.currentLive.Add(-1)
	*s = Store{}
	p.Pool.Put(s)
}

// stats reports live and total-ever-allocated counts.
func (p *storePool) stats() (live, total int64) {
	if p == nil {
		return 0, 0
	}
	return p.currentLive.Load(), p.totalAllocated.Load()
}

// pool is the package-level recycler New/Grow/Shrink draw from.
var pool = newStorePool()
