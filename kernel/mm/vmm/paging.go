package vmm

import (
	"github.com/sirupsen/logrus"

	"pagekernel/kernel"
	"pagekernel/kernel/cpu"
	"pagekernel/kernel/gate"
	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errMissingCollaborator = &kernel.Error{Module: "vmm", Message: "paging setup requires registers, interrupt gate, memory, frame allocators and a frame releaser", Fatal: true}
	errSharedSizeAlignment = &kernel.Error{Module: "vmm", Message: "shared size must be page-aligned and backed by physical memory", Fatal: true}
	errNoActivePageTable   = &kernel.Error{Module: "vmm", Message: "no page table has been loaded", Fatal: true}
)

// Config bundles the collaborators required by the paging subsystem.
type Config struct {
	// Registers provides access to CR0, CR2 and CR3.
	Registers cpu.ControlRegisters

	// Gate is the interrupt table where the page fault handler is
	// installed.
	Gate *gate.Table

	// Memory is the installed physical memory that holds page tables.
	Memory *mm.PhysicalMemory

	// KernelFrameAllocator supplies frames for page directories and page
	// tables.
	KernelFrameAllocator mm.FrameAllocatorFn

	// ProcessFrameAllocator supplies frames that back faulted-in pages.
	ProcessFrameAllocator mm.FrameAllocatorFn

	// ReleaseFrames returns a frame to the allocator that owns it.
	ReleaseFrames mm.FrameReleaserFn

	// SharedSize is the size of the low address range that is
	// identity-mapped in every page table.
	SharedSize uint32
}

// Paging holds the system-wide paging state: the active page table and
// whether address translation has been turned on. A single Paging value is
// created at boot and shared by all page tables.
type Paging struct {
	regs         cpu.ControlRegisters
	gate         *gate.Table
	mem          *mm.PhysicalMemory
	kernelAlloc  mm.FrameAllocatorFn
	processAlloc mm.FrameAllocatorFn
	release      mm.FrameReleaserFn
	sharedSize   uint32

	current *PageTable
	enabled bool

	// faultCount tracks the page faults that were resolved by backing a
	// page with a new frame.
	faultCount uint64

	log *logrus.Entry
}

// InitPaging sets up the paging subsystem and installs the page fault
// handler. It must be called once, before any page table is created.
func InitPaging(cfg Config) (*Paging, *kernel.Error) {
	if cfg.Registers == nil || cfg.Gate == nil || cfg.Memory == nil ||
		cfg.KernelFrameAllocator == nil || cfg.ProcessFrameAllocator == nil || cfg.ReleaseFrames == nil {
		return nil, errMissingCollaborator
	}

	if cfg.SharedSize&(mm.PageSize-1) != 0 || uint64(cfg.SharedSize) > cfg.Memory.Size() {
		return nil, errSharedSizeAlignment
	}

	p := &Paging{
		regs:         cfg.Registers,
		gate:         cfg.Gate,
		mem:          cfg.Memory,
		kernelAlloc:  cfg.KernelFrameAllocator,
		processAlloc: cfg.ProcessFrameAllocator,
		release:      cfg.ReleaseFrames,
		sharedSize:   cfg.SharedSize,
		log:          kfmt.Logger("vmm"),
	}

	p.gate.HandleInterrupt(gate.PageFaultException, p.pageFaultHandler)

	p.log.WithField("shared_size", cfg.SharedSize).Info("initialized paging system")
	return p, nil
}

// CurrentPageTable returns the page table that was most recently loaded.
func (p *Paging) CurrentPageTable() *PageTable {
	return p.current
}

// Enabled returns true once EnablePaging has been called.
func (p *Paging) Enabled() bool {
	return p.enabled
}

// SharedSize returns the size of the identity-mapped low address range.
func (p *Paging) SharedSize() uint32 {
	return p.sharedSize
}

// FaultCount returns the number of page faults resolved so far.
func (p *Paging) FaultCount() uint64 {
	return p.faultCount
}

// EnablePaging turns on address translation. A page table must have been
// loaded first. Once enabled, paging stays enabled; further calls have no
// effect.
func (p *Paging) EnablePaging() *kernel.Error {
	if p.enabled {
		return nil
	}

	if p.current == nil {
		return errNoActivePageTable
	}

	p.regs.WriteCR0(p.regs.ReadCR0() | cpu.CR0PagingEnabled)
	p.enabled = true

	p.log.Info("enabled paging")
	return nil
}
