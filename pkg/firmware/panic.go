package firmware

import "fmt"

// PanicSink is the terminal error path every Critical call site in this
// module (pkg/memmgr, pkg/vmm) escalates into on an unrecoverable condition,
// grounded on original_source/Loader/Common/Panic.h's unrecoverable_error
// and panic macros: log the reason, then halt. in_panic_depth guards against
// the logging/halting path itself faulting and recursing forever — at depth
// 2 it logs a single "panicked while inside panic" notice instead of the
// full reason, and at depth 3 it halts immediately without logging at all.
type PanicSink struct {
	depth int
}

// NewPanicSink returns a PanicSink ready to receive unrecoverable errors.
func NewPanicSink() *PanicSink { return &PanicSink{} }

// UnrecoverableError implements pkg/memmgr.PanicSink and pkg/vmm.PanicSink.
func (s *PanicSink) UnrecoverableError(format string, args ...interface{}) {
	s.depth++

	switch {
	case s.depth >= 3:
		halt()
	case s.depth == 2:
		Debug("panicked while inside panic")
		halt()
	default:
		Debug("unrecoverable error: %s", fmt.Sprintf(format, args...))
		halt()
	}
}

// halt stops execution. On real hardware this would disable interrupts and
// spin forever; in this hosted build it panics so the call never returns,
// matching do_panic's [[noreturn]] contract.
func halt() {
	panic("firmware: unrecoverable error, halting")
}
