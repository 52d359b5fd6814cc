//go:build windows

package limiter

import "time"

// processCPUTime is unavailable on Windows without cgo; the CPU check
// passes unconditionally there.
func processCPUTime() (time.Duration, bool) {
	return 0, false
}
