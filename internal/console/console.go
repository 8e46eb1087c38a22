// Package console prints operator-facing progress lines.
package console

import (
	"fmt"
	"io"
	"os"

	"github.com/gookit/color"
	"golang.org/x/term"
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)

// color-compatible formatter (works with *color.Theme and color.RGBColor)
type colorSprinter interface {
	Sprintf(format string, a ...any) string
}

var (
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
)

// Init disables colours when stdout is not a terminal.
func Init() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.Disable()
	}
}

// SetOutput redirects both streams and turns colours off. Used by tests.
func SetOutput(stdout, stderr io.Writer) {
	color.Disable()
	out = stdout
	errOut = stderr
}

// Stdout returns the writer streamed child output should go to.
func Stdout() io.Writer { return out }

// Stderr returns the writer streamed child diagnostics should go to.
func Stderr() io.Writer { return errOut }

// cPrintf prints with a colored style or falls back to fmt.Fprintf when nil
func cPrintf(w io.Writer, p colorSprinter, format string, a ...any) {
	if p == nil {
		fmt.Fprintf(w, format, a...)
		return
	}
	fmt.Fprint(w, p.Sprintf(format, a...))
}

func line(p colorSprinter, format string, a ...any) {
	cPrintf(out, colArrow, "-> ")
	cPrintf(out, p, format+"\n", a...)
}

// Step announces an operation, e.g. "-> git clone nvidia-580xx-utils".
func Step(format string, a ...any) { line(colSuccess, format, a...) }

// Info prints an informational arrow line.
func Info(format string, a ...any) { line(colInfo, format, a...) }

// Warn prints a warning arrow line.
func Warn(format string, a ...any) { line(colWarn, format, a...) }

// Done prints the final banner of a successful run.
func Done(format string, a ...any) {
	cPrintf(out, colArrow, "==> ")
	cPrintf(out, colSuccess, format+"\n", a...)
}

// Fatal writes the single error line of a failed run to stderr.
func Fatal(err error) {
	cPrintf(errOut, colError, "ERROR: %v\n", err)
}
