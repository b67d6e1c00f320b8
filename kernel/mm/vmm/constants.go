package vmm

const (
	// pageLevels indicates the number of page levels used by the
	// two-level 32-bit paging scheme: a page directory and page tables.
	pageLevels = 2

	// entriesPerTable is the number of entries in the page directory and
	// in each page table.
	entriesPerTable = 1024

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. Bits 12-31 contain the
	// physical frame address.
	ptePhysPageMask = uint32(0xfffff000)
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is backed by a physical frame.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible
)

const (
	// FaultProtectionViolation is set in the page fault error code when
	// the faulting page was present; if clear the page was not present.
	FaultProtectionViolation = uint32(1 << iota)

	// FaultWrite is set in the page fault error code for write accesses.
	FaultWrite

	// FaultUser is set in the page fault error code when the access
	// originated in user mode.
	FaultUser
)
