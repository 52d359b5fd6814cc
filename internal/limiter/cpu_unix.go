//go:build !windows

package limiter

import (
	"syscall"
	"time"
)

// processCPUTime returns the combined user and system CPU time consumed
// by this process.
func processCPUTime() (time.Duration, bool) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}
	user := time.Duration(ru.Utime.Nano())
	sys := time.Duration(ru.Stime.Nano())
	return user + sys, true
}
