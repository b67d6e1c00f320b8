// Package cpu exposes the control registers that the memory subsystem
// programs: the page directory base (CR3), the paging enable bit (CR0) and
// the fault address latched by the MMU (CR2).
package cpu

// CR0PagingEnabled is the CR0 bit that turns on address translation.
const CR0PagingEnabled = uint32(1 << 31)

// ControlRegisters provides access to the CPU control registers.
type ControlRegisters interface {
	// ReadCR0 returns the value stored in the CR0 register.
	ReadCR0() uint32

	// WriteCR0 updates the CR0 register.
	WriteCR0(uint32)

	// ReadCR2 returns the address that caused the last page fault.
	ReadCR2() uint32

	// WriteCR2 latches a fault address. It is invoked by the MMU right
	// before raising a page fault.
	WriteCR2(uint32)

	// ReadCR3 returns the physical address of the active page directory.
	ReadCR3() uint32

	// WriteCR3 sets the root page directory to point to the specified
	// physical address.
	WriteCR3(uint32)
}

// Emulated is an in-memory ControlRegisters implementation.
type Emulated struct {
	cr0, cr2, cr3 uint32
}

// ReadCR0 implements ControlRegisters.
func (c *Emulated) ReadCR0() uint32 { return c.cr0 }

// WriteCR0 implements ControlRegisters.
func (c *Emulated) WriteCR0(v uint32) { c.cr0 = v }

// ReadCR2 implements ControlRegisters.
func (c *Emulated) ReadCR2() uint32 { return c.cr2 }

// WriteCR2 implements ControlRegisters.
func (c *Emulated) WriteCR2(v uint32) { c.cr2 = v }

// ReadCR3 implements ControlRegisters.
func (c *Emulated) ReadCR3() uint32 { return c.cr3 }

// WriteCR3 implements ControlRegisters.
func (c *Emulated) WriteCR3(v uint32) { c.cr3 = v }

// PagingEnabled returns true if the paging bit is set in CR0.
func PagingEnabled(regs ControlRegisters) bool {
	return regs.ReadCR0()&CR0PagingEnabled != 0
}
