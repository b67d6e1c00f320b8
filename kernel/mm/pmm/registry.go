package pmm

import (
	"pagekernel/kernel"
	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errOverlappingPool = &kernel.Error{Module: "pmm", Message: "frame pool range overlaps a registered pool", Fatal: true}
	errUnownedFrame    = &kernel.Error{Module: "pmm", Message: "released frame does not belong to any frame pool", Fatal: true}
)

// Registry tracks every frame pool in the system. A bare frame number does
// not identify the pool it was allocated from so releasing frames goes
// through the registry which resolves the owner by range containment.
//
// Pools register themselves when they are created; the registered ranges
// are always disjoint.
type Registry struct {
	pools []*ContFramePool
}

// checkOverlap returns an error if pool shares any frame with a registered
// pool.
func (r *Registry) checkOverlap(pool *ContFramePool) *kernel.Error {
	poolEnd := uint64(pool.baseFrame) + uint64(pool.frameCount)
	for _, other := range r.pools {
		otherEnd := uint64(other.baseFrame) + uint64(other.frameCount)
		if uint64(pool.baseFrame) < otherEnd && uint64(other.baseFrame) < poolEnd {
			return errOverlappingPool
		}
	}
	return nil
}

// add appends a fully initialized pool to the registry.
func (r *Registry) add(pool *ContFramePool) {
	r.pools = append(r.pools, pool)
}

// Pools returns the registered pools in registration order.
func (r *Registry) Pools() []*ContFramePool {
	return append([]*ContFramePool(nil), r.pools...)
}

// Owner returns the pool whose range contains frame or nil if no registered
// pool manages it.
func (r *Registry) Owner(frame mm.Frame) *ContFramePool {
	for _, pool := range r.pools {
		if pool.contains(frame) {
			return pool
		}
	}

	return nil
}

// ReleaseFrames returns the run of frames that starts at first to the pool
// that owns it. Releasing a frame that no pool owns or that is not the head
// of a run means the allocator bookkeeping is corrupted and halts the system.
func (r *Registry) ReleaseFrames(first mm.Frame) {
	pool := r.Owner(first)
	if pool == nil {
		panicFn(errUnownedFrame)
		return
	}

	if err := pool.releaseRun(first); err != nil {
		panicFn(err)
	}
}
