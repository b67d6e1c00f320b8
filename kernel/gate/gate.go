// Package gate routes CPU exceptions to their registered handlers.
package gate

import (
	"io"

	"pagekernel/kernel"
	"pagekernel/kernel/kfmt"
)

var errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "no handler installed for interrupt", Fatal: true}

// Registers contains a snapshot of the state of the interrupted context when
// an exception occurs.
type Registers struct {
	// Info contains the exception code for exceptions that push one.
	Info uint32

	// EIP holds the address of the instruction that raised the exception.
	// The instruction is retried once the handler returns.
	EIP uint32

	// EFlags holds the processor flags of the interrupted context.
	EFlags uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EIP = %08x EFL = %08x\n", r.EIP, r.EFlags)
	kfmt.Fprintf(w, "ERR = %08x\n", r.Info)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)
)

// Handler is invoked when the interrupt it is registered for occurs. Any
// modifications to the supplied Registers are propagated back to the
// interrupted context.
type Handler func(*Registers)

// Table is an interrupt descriptor table.
type Table struct {
	handlers [256]Handler
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Installing a handler replaces any
// previously installed one.
func (t *Table) HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	t.handlers[intNumber] = handler
}

// Dispatch routes an incoming interrupt to its handler. Dispatch returns
// once the handler has run to completion.
func (t *Table) Dispatch(intNumber InterruptNumber, regs *Registers) *kernel.Error {
	handler := t.handlers[intNumber]
	if handler == nil {
		kfmt.Logger("gate").WithField("interrupt", uint8(intNumber)).Error("unhandled interrupt")
		return errUnhandledInterrupt
	}

	handler(regs)
	return nil
}
