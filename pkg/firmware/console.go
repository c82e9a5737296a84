package firmware

import (
	"fmt"
	"io"
)

// Console is the early text-output sink the boot driver logs progress and
// panics to, before (or in place of) a graphical framebuffer console. It
// wraps an io.Writer rather than re-deriving its own line-buffering, so a
// serial port, a VGA text-mode backend, or a UEFI text-output protocol can
// all be plugged in by supplying a different io.Writer.
type Console struct {
	w      io.Writer
	prefix string
}

// NewConsole wraps w as a Console. prefix, if non-empty, is written before
// every line (e.g. "[hyper] ").
func NewConsole(w io.Writer, prefix string) *Console {
	return &Console{w: w, prefix: prefix}
}

// NewLegacyConsole returns a Console configured for a BIOS text-mode
// terminal: no prefix, since legacy 80x25 text mode has no room to waste on
// one and every line already scrolls immediately.
func NewLegacyConsole(w io.Writer) *Console {
	return NewConsole(w, "")
}

// Printf writes a formatted line to the console, preceded by prefix if set.
func (c *Console) Printf(format string, args ...interface{}) {
	if c.prefix != "" {
		fmt.Fprint(c.w, c.prefix)
	}
	fmt.Fprintf(c.w, format, args...)
	fmt.Fprintln(c.w)
}
