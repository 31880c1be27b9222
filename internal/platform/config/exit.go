package config

import (
	"fmt"
	"io"
	"os"
)

// exit is swapped in tests that must observe the exit code in-process.
var exit = os.Exit

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	ExitWithCode(os.Stderr, 1, format, args...)
}

// ExitWithCode writes a formatted message to w and exits with code.
// Maintenance commands use code 2 for usage errors.
func ExitWithCode(w io.Writer, code int, format string, args ...any) {
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, format+"\n", args...)
	exit(code)
}
