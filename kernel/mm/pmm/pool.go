package pmm

import (
	"github.com/sirupsen/logrus"

	"pagekernel/kernel"
	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
)

var (
	errEmptyPool          = &kernel.Error{Module: "pmm", Message: "frame pool must contain at least one frame", Fatal: true}
	errPoolOutsideMemory  = &kernel.Error{Module: "pmm", Message: "frame pool range is not backed by physical memory", Fatal: true}
	errInfoFramesTooSmall = &kernel.Error{Module: "pmm", Message: "info frames cannot hold the frame state array", Fatal: true}
	errInfoFramesStraddle = &kernel.Error{Module: "pmm", Message: "info frames must lie entirely inside or entirely outside the pool", Fatal: true}
	errMarkOutOfRange     = &kernel.Error{Module: "pmm", Message: "frames to mark inaccessible are outside the pool", Fatal: true}
	errMarkNotFree        = &kernel.Error{Module: "pmm", Message: "frames to mark inaccessible are already allocated", Fatal: true}
	errReleaseNotHead     = &kernel.Error{Module: "pmm", Message: "released frame is not the head of an allocated run", Fatal: true}

	errZeroFrames      = &kernel.Error{Module: "pmm", Message: "requested zero frames"}
	errNotEnoughFrames = &kernel.Error{Module: "pmm", Message: "not enough free frames to satisfy request"}
	errNoContiguousRun = &kernel.Error{Module: "pmm", Message: "no contiguous run of free frames is large enough"}
)

// ContFramePool manages a fixed range of physical frames and hands out single
// frames or contiguous runs of frames. The state of each frame is kept in a
// 2-bit packed array that lives in the pool's info frames.
type ContFramePool struct {
	// baseFrame is the first frame managed by this pool; state entry i
	// corresponds to frame (baseFrame + i).
	baseFrame mm.Frame

	frameCount uint32

	// freeCount tracks the frames marked as free in the state array.
	freeCount uint32

	// infoFrame and infoFrameCount describe the frames that hold the
	// state array. They may lie inside or outside this pool's range.
	infoFrame      mm.Frame
	infoFrameCount uint32

	states stateArray

	log *logrus.Entry
}

// NeededInfoFrames returns the number of frames required to store the state
// array for frameCount frames.
func NeededInfoFrames(frameCount uint32) uint32 {
	return (stateArrayBytes(frameCount) + mm.PageSize - 1) / mm.PageSize
}

// NewContFramePool creates a pool for the frames [baseFrame, baseFrame +
// frameCount) and registers it with reg.
//
// The state array is stored in infoFrameCount frames starting at infoFrame.
// If infoFrameCount is zero, the pool keeps its state array in its own first
// NeededInfoFrames(frameCount) frames. Info frames that fall inside the pool's
// range are marked inaccessible so they are never handed out.
func NewContFramePool(reg *Registry, mem *mm.PhysicalMemory, baseFrame mm.Frame, frameCount uint32, infoFrame mm.Frame, infoFrameCount uint32) (*ContFramePool, *kernel.Error) {
	if frameCount == 0 {
		return nil, errEmptyPool
	}

	if infoFrameCount == 0 {
		infoFrame = baseFrame
		infoFrameCount = NeededInfoFrames(frameCount)
	}

	var (
		poolEnd = uint64(baseFrame) + uint64(frameCount)
		infoEnd = uint64(infoFrame) + uint64(infoFrameCount)

		infoOverlaps = uint64(infoFrame) < poolEnd && uint64(baseFrame) < infoEnd
		infoInside   = infoFrame >= baseFrame && infoEnd <= poolEnd
	)

	switch {
	case !mem.Contains(baseFrame, frameCount), !mem.Contains(infoFrame, infoFrameCount):
		return nil, errPoolOutsideMemory
	case infoFrameCount < NeededInfoFrames(frameCount):
		return nil, errInfoFramesTooSmall
	case infoOverlaps && !infoInside:
		return nil, errInfoFramesStraddle
	}

	pool := &ContFramePool{
		baseFrame:      baseFrame,
		frameCount:     frameCount,
		freeCount:      frameCount,
		infoFrame:      infoFrame,
		infoFrameCount: infoFrameCount,
		states:         stateArray(mem.Slice(infoFrame.Address(), stateArrayBytes(frameCount))),
		log: kfmt.Logger("pmm").WithFields(logrus.Fields{
			"base":  uint32(baseFrame),
			"count": frameCount,
		}),
	}

	// The state array may live in another pool's frames; check for
	// overlaps before it gets cleared.
	if err := reg.checkOverlap(pool); err != nil {
		return nil, err
	}

	// Mark all frames as free
	for i := range pool.states {
		pool.states[i] = 0
	}

	if infoInside {
		if err := pool.MarkInaccessible(infoFrame, infoFrameCount); err != nil {
			return nil, err
		}
	}

	reg.add(pool)
	pool.log.WithField("free", pool.freeCount).Info("frame pool initialized")
	return pool, nil
}

// BaseFrame returns the first frame managed by the pool.
func (p *ContFramePool) BaseFrame() mm.Frame { return p.baseFrame }

// FrameCount returns the number of frames managed by the pool.
func (p *ContFramePool) FrameCount() uint32 { return p.frameCount }

// FreeFrames returns the number of frames that are currently free.
func (p *ContFramePool) FreeFrames() uint32 { return p.freeCount }

// State returns the state of the supplied frame. Frames outside the pool
// are reported as allocated interior frames.
func (p *ContFramePool) State(frame mm.Frame) FrameState {
	if !p.contains(frame) {
		return FrameInterior
	}
	return p.states.get(uint32(frame - p.baseFrame))
}

// GetFrames reserves a run of n contiguous free frames and returns the first
// frame of the run. The first free run that is large enough is used. If no
// such run exists, GetFrames returns mm.InvalidFrame and an error; running
// out of frames is not fatal and must be handled by the caller.
func (p *ContFramePool) GetFrames(n uint32) (mm.Frame, *kernel.Error) {
	switch {
	case n == 0:
		return mm.InvalidFrame, errZeroFrames
	case n > p.freeCount:
		p.log.WithFields(logrus.Fields{"requested": n, "free": p.freeCount}).Warn("frame pool exhausted")
		return mm.InvalidFrame, errNotEnoughFrames
	}

	var runStart, runLen uint32
	for index := uint32(0); index < p.frameCount; index++ {
		if p.states.get(index) != FrameFree {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = index
		}

		if runLen++; runLen == n {
			p.markRun(runStart, n)
			return p.baseFrame + mm.Frame(runStart), nil
		}
	}

	p.log.WithFields(logrus.Fields{"requested": n, "free": p.freeCount}).Warn("no contiguous run available")
	return mm.InvalidFrame, errNoContiguousRun
}

// AllocFrame reserves a single frame. Its signature matches
// mm.FrameAllocatorFn.
func (p *ContFramePool) AllocFrame() (mm.Frame, *kernel.Error) {
	return p.GetFrames(1)
}

// MarkInaccessible flags the run [base, base+n) as allocated without searching
// for it. It is used to reserve frames with known contents such as allocator
// bookkeeping or memory-mapped device holes. All targeted frames must belong
// to the pool and be free.
func (p *ContFramePool) MarkInaccessible(base mm.Frame, n uint32) *kernel.Error {
	if n == 0 {
		return nil
	}

	if base < p.baseFrame || uint64(base)+uint64(n) > uint64(p.baseFrame)+uint64(p.frameCount) {
		return errMarkOutOfRange
	}

	start := uint32(base - p.baseFrame)
	for index := start; index < start+n; index++ {
		if p.states.get(index) != FrameFree {
			return errMarkNotFree
		}
	}

	p.markRun(start, n)
	p.log.WithFields(logrus.Fields{"frame": uint32(base), "frames": n}).Debug("marked frames inaccessible")
	return nil
}

// markRun flags n frames starting at state index start as a single run.
func (p *ContFramePool) markRun(start, n uint32) {
	p.states.set(start, FrameHead)
	for index := start + 1; index < start+n; index++ {
		p.states.set(index, FrameInterior)
	}
	p.freeCount -= n
}

// releaseRun frees the run that starts at first. The walk stops at the first
// frame that is free or the head of another run.
func (p *ContFramePool) releaseRun(first mm.Frame) *kernel.Error {
	index := uint32(first - p.baseFrame)
	if p.states.get(index) != FrameHead {
		return errReleaseNotHead
	}

	p.states.set(index, FrameFree)
	released := uint32(1)
	for index++; index < p.frameCount && p.states.get(index) == FrameInterior; index++ {
		p.states.set(index, FrameFree)
		released++
	}

	p.freeCount += released
	p.log.WithFields(logrus.Fields{"frame": uint32(first), "frames": released}).Debug("released frames")
	return nil
}

// contains returns true if frame belongs to this pool.
func (p *ContFramePool) contains(frame mm.Frame) bool {
	return frame >= p.baseFrame && uint64(frame) < uint64(p.baseFrame)+uint64(p.frameCount)
}
