package vmm

import (
	"pagekernel/kernel"
	"pagekernel/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errFreeSharedPage = &kernel.Error{Module: "vmm", Message: "pages in the shared address range cannot be freed", Fatal: true}
	errPoolInShared   = &kernel.Error{Module: "vmm", Message: "pool range overlaps the shared address range", Fatal: true}
	errPoolOverlap    = &kernel.Error{Module: "vmm", Message: "pool range overlaps a registered pool", Fatal: true}
)

// AddressValidator reports whether a virtual address belongs to a reserved
// region and may be backed on demand.
type AddressValidator interface {
	IsLegitimate(virtAddr uint32) bool
}

// registeredPool is an address range claimed by a pool together with the
// validator that tracks its reserved regions.
type registeredPool struct {
	start, end uint64
	validator  AddressValidator
}

// PageTable describes a two-level address space: a page directory whose
// entries point to page tables. Page tables outside the shared range are
// allocated lazily by the page fault handler.
type PageTable struct {
	paging   *Paging
	dirFrame mm.Frame

	// pools are queried by the page fault handler to decide whether a
	// fault can be resolved.
	pools []registeredPool
}

// NewPageTable allocates a page directory and identity-maps the shared
// address range into it. All other directory entries are marked as not
// present.
func (p *Paging) NewPageTable() (*PageTable, *kernel.Error) {
	dirFrame, err := p.allocTableFrame(FlagRW)
	if err != nil {
		return nil, err
	}

	pt := &PageTable{paging: p, dirFrame: dirFrame}

	for addr := uint32(0); addr < p.sharedSize; addr += mm.PageSize {
		if err = pt.Map(mm.PageFromAddress(addr), mm.FrameFromAddress(addr), FlagPresent|FlagRW); err != nil {
			pt.releaseTables()
			return nil, err
		}
	}

	p.log.WithField("directory", dirFrame.Address()).Info("constructed page table")
	return pt, nil
}

// releaseTables returns the page directory and every page table linked into
// it to the frame allocator. The frames that the page tables map are left
// untouched.
func (pt *PageTable) releaseTables() {
	dirAddr := pt.dirFrame.Address()
	for index := uint32(0); index < entriesPerTable; index++ {
		pte := pt.readEntry(dirAddr + index*mm.EntrySize)
		if pte.HasFlags(FlagPresent) {
			pt.paging.release(pte.Frame())
		}
	}

	pt.paging.release(pt.dirFrame)
	pt.paging.log.WithField("directory", dirAddr).Warn("released partially constructed page table")
}

// DirectoryFrame returns the frame that holds the page directory.
func (pt *PageTable) DirectoryFrame() mm.Frame {
	return pt.dirFrame
}

// Load installs this page table as the active address space.
func (pt *PageTable) Load() {
	pt.paging.current = pt
	pt.paging.regs.WriteCR3(pt.dirFrame.Address())
	pt.paging.log.WithField("directory", pt.dirFrame.Address()).Info("loaded page table")
}

// RegisterPool adds v, which manages [base, base+size), to the list of
// validators consulted by the page fault handler. The range must not touch
// the shared address range or the range of another registered pool.
func (pt *PageTable) RegisterPool(base, size uint32, v AddressValidator) *kernel.Error {
	start, end := uint64(base), uint64(base)+uint64(size)
	if start < uint64(pt.paging.sharedSize) {
		return errPoolInShared
	}

	for _, pool := range pt.pools {
		if start < pool.end && pool.start < end {
			return errPoolOverlap
		}
	}

	pt.pools = append(pt.pools, registeredPool{start: start, end: end, validator: v})
	return nil
}

// UnregisterPool removes v from the list of validators and frees the range
// it claimed.
func (pt *PageTable) UnregisterPool(v AddressValidator) {
	for i, pool := range pt.pools {
		if pool.validator == v {
			pt.pools = append(pt.pools[:i], pt.pools[i+1:]...)
			return
		}
	}
}

// isLegitimate returns true if any registered pool has reserved virtAddr.
func (pt *PageTable) isLegitimate(virtAddr uint32) bool {
	for _, pool := range pt.pools {
		if pool.validator.IsLegitimate(virtAddr) {
			return true
		}
	}
	return false
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables are allocated from the kernel frame allocator
// and linked with the same privilege flags as the mapping.
func (pt *PageTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	pt.walk(page.Address(), func(pteLevel uint8, entryAddr uint32) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place
		if pteLevel == pageLevels-1 {
			pt.writeEntry(entryAddr, newEntry(frame, flags))
			return true
		}

		if pt.readEntry(entryAddr).HasFlags(FlagPresent) {
			return true
		}

		err = pt.allocPageTable(entryAddr, FlagPresent|FlagRW|(flags&FlagUserAccessible))
		return err == nil
	})

	return err
}

// FreePage unmaps the page that contains virtAddr and returns its backing
// frame to the allocator that owns it. Freeing a page that was never backed
// is a no-op.
func (pt *PageTable) FreePage(virtAddr uint32) {
	if virtAddr < pt.paging.sharedSize {
		panicFn(errFreeSharedPage)
		return
	}

	pt.walk(virtAddr, func(pteLevel uint8, entryAddr uint32) bool {
		pte := pt.readEntry(entryAddr)
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			pt.writeEntry(entryAddr, pte)
			pt.paging.release(pte.Frame())
			pt.paging.log.WithField("page", mm.PageFromAddress(virtAddr).Address()).Debug("freed page")
		}

		return true
	})
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pt *PageTable) Translate(virtAddr uint32) (uint32, *kernel.Error) {
	pte, err := pt.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uint32) uint32 {
	return virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)
}

// pteForAddress returns the final page table entry that corresponds to a
// particular virtual address or ErrInvalidMapping if the page is not
// present.
func (pt *PageTable) pteForAddress(virtAddr uint32) (pageTableEntry, *kernel.Error) {
	var (
		err   = ErrInvalidMapping
		entry pageTableEntry
	)

	pt.walk(virtAddr, func(pteLevel uint8, entryAddr uint32) bool {
		entry = pt.readEntry(entryAddr)
		if !entry.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			err = nil
		}
		return true
	})

	return entry, err
}

// allocPageTable allocates a frame from the kernel frame allocator, marks
// all its entries as not present and links it to the directory entry at
// dirEntryAddr.
func (pt *PageTable) allocPageTable(dirEntryAddr uint32, flags PageTableEntryFlag) *kernel.Error {
	tableFrame, err := pt.paging.allocTableFrame(flags &^ FlagPresent)
	if err != nil {
		return err
	}

	pt.writeEntry(dirEntryAddr, newEntry(tableFrame, flags))
	return nil
}

// allocTableFrame allocates a frame for a page directory or page table and
// fills its entries with the non-present initFlags.
func (p *Paging) allocTableFrame(initFlags PageTableEntryFlag) (mm.Frame, *kernel.Error) {
	frame, err := p.kernelAlloc()
	if err != nil {
		return mm.InvalidFrame, err
	}

	base := frame.Address()
	for index := uint32(0); index < entriesPerTable; index++ {
		p.mem.WriteWord(base+index*mm.EntrySize, uint32(initFlags))
	}

	return frame, nil
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and the physical address of the
// page table entry as its arguments. If the function returns false, then the
// page walk is aborted.
type pageTableWalker func(pteLevel uint8, entryAddr uint32) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. Before descending to the next level, the entry is re-read so
// walkFn may install a missing table.
func (pt *PageTable) walk(virtAddr uint32, walkFn pageTableWalker) {
	tableAddr := pt.dirFrame.Address()

	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := tableAddr + entryIndex*mm.EntrySize

		if !walkFn(level, entryAddr) {
			return
		}

		tableAddr = pt.readEntry(entryAddr).Frame().Address()
	}
}

func (pt *PageTable) readEntry(entryAddr uint32) pageTableEntry {
	return pageTableEntry(pt.paging.mem.ReadWord(entryAddr))
}

func (pt *PageTable) writeEntry(entryAddr uint32, pte pageTableEntry) {
	pt.paging.mem.WriteWord(entryAddr, uint32(pte))
}
