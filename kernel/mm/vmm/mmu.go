package vmm

import (
	"pagekernel/kernel"
	"pagekernel/kernel/gate"
	"pagekernel/kernel/mm"
)

var (
	errUnalignedAccess  = &kernel.Error{Module: "vmm", Message: "memory access is not word-aligned"}
	errUnresolvedFault  = &kernel.Error{Module: "vmm", Message: "page fault handler returned without mapping the faulting page", Fatal: true}
	errPhysicalOverflow = &kernel.Error{Module: "vmm", Message: "address is not backed by physical memory", Fatal: true}
)

// Load32 reads the 32-bit word at virtAddr through the active address space.
// Accesses to unmapped pages raise a page fault; the access is retried once
// the fault handler returns.
func (p *Paging) Load32(virtAddr uint32) (uint32, *kernel.Error) {
	physAddr, err := p.translateAccess(virtAddr, false)
	if err != nil {
		return 0, err
	}
	return p.mem.ReadWord(physAddr), nil
}

// Store32 writes a 32-bit word at virtAddr through the active address space.
func (p *Paging) Store32(virtAddr, value uint32) *kernel.Error {
	physAddr, err := p.translateAccess(virtAddr, true)
	if err != nil {
		return err
	}
	p.mem.WriteWord(physAddr, value)
	return nil
}

// translateAccess emulates the MMU. Before paging is enabled virtual and
// physical addresses are the same. Afterwards, the active page table is
// walked; a missing or read-only mapping latches the address into CR2 and
// raises a page fault with the matching error code.
func (p *Paging) translateAccess(virtAddr uint32, write bool) (uint32, *kernel.Error) {
	if virtAddr&(mm.EntrySize-1) != 0 {
		return 0, errUnalignedAccess
	}

	if !p.enabled {
		if uint64(virtAddr)+mm.EntrySize > p.mem.Size() {
			return 0, errPhysicalOverflow
		}
		return virtAddr, nil
	}

	for attempt := 0; ; attempt++ {
		var code uint32

		pte, err := p.current.pteForAddress(virtAddr)
		if err == nil {
			if !write || pte.HasFlags(FlagRW) {
				physAddr := pte.Frame().Address() + PageOffset(virtAddr)
				if uint64(physAddr)+mm.EntrySize > p.mem.Size() {
					return 0, errPhysicalOverflow
				}
				return physAddr, nil
			}
			code = FaultProtectionViolation
		}

		// The handler returned but the mapping is still unusable
		if attempt > 0 {
			return 0, errUnresolvedFault
		}

		if write {
			code |= FaultWrite
		}

		if err := p.raisePageFault(virtAddr, code); err != nil {
			return 0, err
		}
	}
}

// raisePageFault latches virtAddr into CR2 and dispatches a page fault.
func (p *Paging) raisePageFault(virtAddr, code uint32) *kernel.Error {
	p.regs.WriteCR2(virtAddr)
	return p.gate.Dispatch(gate.PageFaultException, &gate.Registers{Info: code})
}
