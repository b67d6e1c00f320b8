// Package vmpool hands out logical address regions inside a fixed range of an
// address space. Regions are reserved eagerly but backed lazily: the page
// fault handler consults IsLegitimate before materializing a page.
package vmpool

import (
	"github.com/sirupsen/logrus"

	"pagekernel/kernel"
	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
	"pagekernel/kernel/mm/vmm"
)

const (
	// descriptorSize is the size of an encoded region descriptor: a 32-bit
	// start address followed by a 32-bit length.
	descriptorSize = 8

	// MaxRegions is the number of descriptors that fit in the frame that
	// holds a pool's descriptor table.
	MaxRegions = mm.PageSize / descriptorSize
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errInvalidPool   = &kernel.Error{Module: "vmpool", Message: "pool range must be non-empty and fit in the 32-bit address space", Fatal: true}
	errUnknownRegion = &kernel.Error{Module: "vmpool", Message: "released address is not the start of an allocated region", Fatal: true}

	errZeroSize  = &kernel.Error{Module: "vmpool", Message: "requested a zero-sized region"}
	errTableFull = &kernel.Error{Module: "vmpool", Message: "region descriptor table is full"}
	errNoSpace   = &kernel.Error{Module: "vmpool", Message: "remaining logical address space not large enough to satisfy reservation request"}
)

// PageTable is the address space that a pool reserves regions in.
type PageTable interface {
	RegisterPool(base, size uint32, v vmm.AddressValidator) *kernel.Error
	UnregisterPool(v vmm.AddressValidator)
	FreePage(virtAddr uint32)
}

// Region describes a reserved span of logical addresses.
type Region struct {
	Start  uint32
	Length uint32
}

// end returns the first address past the region.
func (r Region) end() uint64 {
	return uint64(r.Start) + uint64(r.Length)
}

// overlaps returns true if the region shares at least one address with
// [start, end).
func (r Region) overlaps(start, end uint64) bool {
	return uint64(r.Start) < end && start < r.end()
}

// VMPool allocates logical regions in [base, base+size). Placement is a bump
// pointer: every region starts where the previously allocated one ended, so
// released spans are never handed out again.
type VMPool struct {
	base uint32
	size uint32

	// next is the start address of the next region.
	next uint64

	pt  PageTable
	mem *mm.PhysicalMemory

	// descFrame holds count encoded descriptors, ordered by start
	// address.
	descFrame mm.Frame
	count     uint32

	log *logrus.Entry
}

// New creates a pool for [base, base+size). The descriptor table is stored in
// a frame obtained from frameAlloc and the pool registers itself with pt so
// that faults on its regions can be resolved. The range must lie above pt's
// shared range and must not overlap any other pool registered with pt.
func New(base, size uint32, frameAlloc mm.FrameAllocatorFn, pt PageTable, mem *mm.PhysicalMemory) (*VMPool, *kernel.Error) {
	if size == 0 || uint64(base)+uint64(size) > 1<<32 {
		return nil, errInvalidPool
	}

	pool := &VMPool{
		base:      base,
		size:      size,
		next:      uint64(base),
		pt:        pt,
		mem:       mem,
		log: kfmt.Logger("vmpool").WithFields(logrus.Fields{
			"base": base,
			"size": size,
		}),
	}

	if err := pt.RegisterPool(base, size, pool); err != nil {
		return nil, err
	}

	var err *kernel.Error
	if pool.descFrame, err = frameAlloc(); err != nil {
		pt.UnregisterPool(pool)
		return nil, err
	}

	pool.log.WithField("descriptors", pool.descFrame.Address()).Info("constructed logical region pool")
	return pool, nil
}

// Base returns the first address managed by the pool.
func (pool *VMPool) Base() uint32 { return pool.base }

// Size returns the size of the address range managed by the pool.
func (pool *VMPool) Size() uint32 { return pool.size }

// DescriptorFrame returns the frame that stores the region descriptors.
func (pool *VMPool) DescriptorFrame() mm.Frame { return pool.descFrame }

// Allocate reserves a region of size bytes and returns its start address.
// No physical memory is allocated; pages are backed on first access.
func (pool *VMPool) Allocate(size uint32) (uint32, *kernel.Error) {
	switch {
	case size == 0:
		return 0, errZeroSize
	case pool.count == MaxRegions:
		pool.log.WithField("regions", pool.count).Warn("region descriptor table is full")
		return 0, errTableFull
	case pool.next+uint64(size) > uint64(pool.base)+uint64(pool.size):
		pool.log.WithField("requested", size).Warn("logical address space exhausted")
		return 0, errNoSpace
	}

	region := Region{Start: uint32(pool.next), Length: size}
	pool.writeDescriptor(pool.count, region)
	pool.count++
	pool.next = region.end()

	pool.log.WithFields(logrus.Fields{
		"start":  region.Start,
		"length": region.Length,
	}).Debug("allocated region")
	return region.Start, nil
}

// Release removes the region that starts at start and frees every page it
// spans that is not shared with another region. Releasing an address that
// does not start a region halts the system.
func (pool *VMPool) Release(start uint32) {
	index, found := pool.find(start)
	if !found {
		panicFn(errUnknownRegion)
		return
	}

	region := pool.readDescriptor(index)

	// Shift the following descriptors down to keep the table dense
	for i := index; i+1 < pool.count; i++ {
		pool.writeDescriptor(i, pool.readDescriptor(i+1))
	}
	pool.count--
	pool.writeDescriptor(pool.count, Region{})

	pageStart := uint64(region.Start) &^ uint64(mm.PageSize-1)
	for addr := pageStart; addr < region.end(); addr += uint64(mm.PageSize) {
		if pool.pageInUse(addr) {
			continue
		}
		pool.pt.FreePage(uint32(addr))
	}

	pool.log.WithFields(logrus.Fields{
		"start":  region.Start,
		"length": region.Length,
	}).Debug("released region")
}

// IsLegitimate returns true if virtAddr lies inside one of the pool's
// regions.
func (pool *VMPool) IsLegitimate(virtAddr uint32) bool {
	for i := uint32(0); i < pool.count; i++ {
		if pool.readDescriptor(i).overlaps(uint64(virtAddr), uint64(virtAddr)+1) {
			return true
		}
	}
	return false
}

// Regions returns a copy of the allocated regions ordered by start address.
func (pool *VMPool) Regions() []Region {
	regions := make([]Region, pool.count)
	for i := range regions {
		regions[i] = pool.readDescriptor(uint32(i))
	}
	return regions
}

// find returns the index of the descriptor that starts at start.
func (pool *VMPool) find(start uint32) (uint32, bool) {
	for i := uint32(0); i < pool.count; i++ {
		if pool.readDescriptor(i).Start == start {
			return i, true
		}
	}
	return 0, false
}

// pageInUse returns true if the page at pageAddr overlaps any region.
func (pool *VMPool) pageInUse(pageAddr uint64) bool {
	for i := uint32(0); i < pool.count; i++ {
		if pool.readDescriptor(i).overlaps(pageAddr, pageAddr+uint64(mm.PageSize)) {
			return true
		}
	}
	return false
}

func (pool *VMPool) readDescriptor(index uint32) Region {
	addr := pool.descFrame.Address() + index*descriptorSize
	return Region{
		Start:  pool.mem.ReadWord(addr),
		Length: pool.mem.ReadWord(addr + 4),
	}
}

func (pool *VMPool) writeDescriptor(index uint32, region Region) {
	addr := pool.descFrame.Address() + index*descriptorSize
	pool.mem.WriteWord(addr, region.Start)
	pool.mem.WriteWord(addr+4, region.Length)
}
