package vmm

import (
	"github.com/sirupsen/logrus"

	"pagekernel/kernel"
	"pagekernel/kernel/gate"
	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
)

var (
	errProtectionViolation = &kernel.Error{Module: "vmm", Message: "page protection violation", Fatal: true}
	errSharedRangeFault    = &kernel.Error{Module: "vmm", Message: "page fault inside the shared address range", Fatal: true}
	errUnauthorizedAccess  = &kernel.Error{Module: "vmm", Message: "access to an address outside every reserved region", Fatal: true}
)

// pageFaultHandler is invoked when a page directory entry or page table entry
// is not present or when a RW protection check fails. Faults on addresses
// reserved by one of the active page table's pools are resolved by backing
// the page with a fresh frame; every other fault is fatal.
func (p *Paging) pageFaultHandler(regs *gate.Registers) {
	var (
		faultAddress = p.regs.ReadCR2()
		pt           = p.current
	)

	switch {
	case pt == nil:
		p.nonRecoverablePageFault(faultAddress, regs, errNoActivePageTable)
		return
	case regs.Info&FaultProtectionViolation != 0:
		p.nonRecoverablePageFault(faultAddress, regs, errProtectionViolation)
		return
	case faultAddress < p.sharedSize:
		p.nonRecoverablePageFault(faultAddress, regs, errSharedRangeFault)
		return
	case !pt.isLegitimate(faultAddress):
		p.nonRecoverablePageFault(faultAddress, regs, errUnauthorizedAccess)
		return
	}

	var (
		dirEntryAddr   uint32
		tableEntryAddr uint32
		err            *kernel.Error
	)

	pt.walk(faultAddress, func(pteLevel uint8, entryAddr uint32) bool {
		if pteLevel == pageLevels-1 {
			tableEntryAddr = entryAddr
			return true
		}

		dirEntryAddr = entryAddr
		if !pt.readEntry(entryAddr).HasFlags(FlagPresent) {
			err = pt.allocPageTable(dirEntryAddr, FlagPresent|FlagRW|FlagUserAccessible)
		}
		return err == nil
	})

	if err != nil {
		p.nonRecoverablePageFault(faultAddress, regs, err)
		return
	}

	// Another fault may have already backed this page
	if pt.readEntry(tableEntryAddr).HasFlags(FlagPresent) {
		return
	}

	frame, err := p.allocDataFrame()
	if err != nil {
		p.nonRecoverablePageFault(faultAddress, regs, err)
		return
	}

	pt.writeEntry(tableEntryAddr, newEntry(frame, FlagPresent|FlagRW|FlagUserAccessible))
	p.faultCount++

	p.log.WithFields(logrus.Fields{
		"address": faultAddress,
		"frame":   uint32(frame),
	}).Debug("handled page fault")
}

// allocDataFrame allocates a zero-filled frame from the process frame
// allocator to back a faulted-in page.
func (p *Paging) allocDataFrame() (mm.Frame, *kernel.Error) {
	frame, err := p.processAlloc()
	if err != nil {
		return mm.InvalidFrame, err
	}

	p.mem.Memset(frame.Address(), 0, mm.PageSize)
	return frame, nil
}

func (p *Paging) nonRecoverablePageFault(faultAddress uint32, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%08x\nReason: ", faultAddress)
	switch regs.Info {
	case 0:
		kfmt.Printf("read from non-present page")
	case FaultProtectionViolation:
		kfmt.Printf("page protection violation (read)")
	case FaultWrite:
		kfmt.Printf("write to non-present page")
	case FaultWrite | FaultProtectionViolation:
		kfmt.Printf("page protection violation (write)")
	case FaultUser:
		kfmt.Printf("page-fault in user-mode")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(err)
}
