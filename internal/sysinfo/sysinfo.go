// Package sysinfo derives the engine's default thread-count knobs from host
// topology, standing in for hev-socks5-tunnel's hev-cpu-affinity.c.
package sysinfo

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
)

// CoreCount returns the number of logical CPUs available to the process. It
// prefers gopsutil's counting (which accounts for container cgroup quotas on
// some platforms) and falls back to runtime.NumCPU on error.
func CoreCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DefaultWorkerCount implements spec.md §4.3's clamp(2·cores, 2, 64) rule.
func DefaultWorkerCount() int {
	return Clamp(2*CoreCount(), 2, 64)
}

// DefaultIOThreadCount implements the reader/writer fan-out rule from §4.6:
// 1 thread if cores < 4, else 2.
func DefaultIOThreadCount() int {
	if CoreCount() < 4 {
		return 1
	}
	return 2
}
