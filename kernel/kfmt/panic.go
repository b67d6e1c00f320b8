package kfmt

import "pagekernel/kernel"

var (
	// haltFn is mocked by tests. The hosted kernel cannot stop the CPU so
	// it unwinds the calling goroutine instead; see RecoverHalt.
	haltFn = func(err *kernel.Error) {
		panic(haltSignal{err: err})
	}

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause", Fatal: true}
)

// haltSignal is the value carried by the panic raised when the system halts.
type haltSignal struct {
	err *kernel.Error
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// system. Calls to Panic never return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t, Fatal: true}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error(), Fatal: true}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	if err == nil {
		err = errRuntimePanic
	}
	haltFn(err)
}

// RecoverHalt inspects a value obtained from recover(). If the value was
// produced by a system halt, RecoverHalt returns the error that caused it.
// Any other non-nil value is re-panicked.
func RecoverHalt(r interface{}) *kernel.Error {
	if r == nil {
		return nil
	}

	if sig, ok := r.(haltSignal); ok {
		return sig.err
	}

	panic(r)
}
