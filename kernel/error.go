package kernel

// Error describes a kernel error. Kernel errors are defined as global
// variables that are pointers to the Error structure so callers can compare
// them by identity.
//
// Errors come in two classes. Resource exhaustion errors (Fatal == false) are
// returned to the caller which must check them before using the accompanying
// result. Invariant violations (Fatal == true) indicate corrupted bookkeeping;
// they are passed to kfmt.Panic and the system halts.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Fatal is set for errors that cannot be recovered from.
	Fatal bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// IsFatal returns true if err is a kernel error flagged as unrecoverable.
func IsFatal(err error) bool {
	kerr, ok := err.(*Error)
	return ok && kerr != nil && kerr.Fatal
}
