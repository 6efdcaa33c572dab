//go:build kheapdebug

// Package kdebug provides optional, build-tag-gated tracing for the
// allocator internals. It is compiled out entirely unless the
// "kheapdebug" build tag is set, so it carries no cost in normal builds.
package kdebug

import (
	"fmt"
	"os"

	"github.com/timandy/routine"
)

// Enabled is true when this module is compiled with the kheapdebug tag.
const Enabled = true

// Log prints a trace line tagged with the calling goroutine's id, the
// way a kernel trace would tag a line with the current hart/CPU id.
func Log(component, format string, args ...any) {
	line := fmt.Sprintf("[g%04d] %s: "+format+"\n",
		append([]any{routine.Goid(), component}, args...)...)
	_, _ = os.Stderr.WriteString(line)
}
