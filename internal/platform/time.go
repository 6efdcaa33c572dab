package platform

import (
	"runtime"
	"time"
)

var processStart = time.Now()

func numCPU() int { return runtime.NumCPU() }

// Uptime mirrors uptime(): time elapsed since this process started,
// used only to seed the test drivers' PRNGs, never on an allocation
// hot path.
func Uptime() time.Duration { return time.Since(processStart) }
