package engine

import (
	appErr "boxguard/pkg/errors"

	"github.com/shirou/gopsutil/v4/process"
)

// processUsage reads per-process counters for pid. A vanished process is an
// expected, recoverable condition and surfaces as MonitoringQueryError.
func processUsage(pid int) (Usage, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, appErr.Wrapf(err, appErr.MonitoringQueryError, "process %d: %v", pid, err)
	}

	var u Usage
	if times, err := p.Times(); err == nil {
		u.CPUTimeMs = int64((times.User + times.System) * 1000)
	}
	if mem, err := p.MemoryInfo(); err == nil {
		u.MemoryBytes = int64(mem.RSS)
	}
	if threads, err := p.NumThreads(); err == nil {
		u.ThreadCount = int64(threads)
	}
	u.ProcessCount = 1
	return u, nil
}

func threadCount(pid int) int64 {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	n, err := p.NumThreads()
	if err != nil {
		return 0
	}
	return int64(n)
}
