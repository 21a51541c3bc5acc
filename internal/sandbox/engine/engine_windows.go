//go:build windows

package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"boxguard/internal/sandbox/profile"
	appErr "boxguard/pkg/errors"
	"boxguard/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

type windowsEngine struct {
	cfg Config
}

// NewEngine creates the Job Object engine.
func NewEngine(cfg Config) (Engine, error) {
	if cfg.StopTimeoutMs <= 0 {
		cfg.StopTimeoutMs = defaultStopTimeoutMs
	}
	return &windowsEngine{cfg: cfg}, nil
}

func (e *windowsEngine) Simulated() bool { return false }

func priorityFlag(p profile.PriorityClass) uint32 {
	switch p {
	case profile.PriorityIdle:
		return windows.IDLE_PRIORITY_CLASS
	case profile.PriorityBelowNormal:
		return windows.BELOW_NORMAL_PRIORITY_CLASS
	default:
		return windows.NORMAL_PRIORITY_CLASS
	}
}

// Start creates a kill-on-close job object carrying the profile limits,
// spawns the target suspended, assigns it to the job before resuming its
// initial thread. Every partial failure closes the handles acquired so far.
func (e *windowsEngine) Start(ctx context.Context, req StartRequest) (Group, error) {
	jobName, err := windows.UTF16PtrFromString(fmt.Sprintf("boxguard_%s_%d", req.SandboxID, time.Now().UnixNano()))
	if err != nil {
		return nil, appErr.StageError("group-create", appErr.GroupCreateFailed, err)
	}
	job, err := windows.CreateJobObject(nil, jobName)
	if err != nil {
		return nil, appErr.StageError("group-create", appErr.GroupCreateFailed, err)
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE |
				windows.JOB_OBJECT_LIMIT_PROCESS_MEMORY |
				windows.JOB_OBJECT_LIMIT_ACTIVE_PROCESS,
			ActiveProcessLimit: uint32(req.Profile.MaxProcessCount),
		},
		ProcessMemoryLimit: uintptr(req.Profile.MaxMemoryBytes),
	}
	if _, err := windows.SetInformationJobObject(job, windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info))); err != nil {
		_ = windows.CloseHandle(job)
		return nil, appErr.StageError("set-limits", appErr.GroupLimitFailed, err)
	}

	cmdLine, err := windows.UTF16PtrFromString(windows.ComposeCommandLine(req.Command))
	if err != nil {
		_ = windows.CloseHandle(job)
		return nil, appErr.StageError("spawn", appErr.SpawnFailed, err)
	}
	var workDir *uint16
	if req.WorkDir != "" {
		workDir, err = windows.UTF16PtrFromString(req.WorkDir)
		if err != nil {
			_ = windows.CloseHandle(job)
			return nil, appErr.StageError("spawn", appErr.SpawnFailed, err)
		}
	}

	si := &windows.StartupInfo{Cb: uint32(unsafe.Sizeof(windows.StartupInfo{}))}
	pi := &windows.ProcessInformation{}
	flags := uint32(windows.CREATE_SUSPENDED) | priorityFlag(req.Profile.Priority)
	if err := windows.CreateProcess(nil, cmdLine, nil, nil, false, flags, nil, workDir, si, pi); err != nil {
		_ = windows.CloseHandle(job)
		return nil, appErr.StageError("spawn", appErr.SpawnFailed, err)
	}

	// assignment happens while the initial thread is still suspended, so
	// the process never executes outside the job's limits
	if err := windows.AssignProcessToJobObject(job, pi.Process); err != nil {
		_ = windows.TerminateProcess(pi.Process, 1)
		_ = windows.CloseHandle(pi.Thread)
		_ = windows.CloseHandle(pi.Process)
		_ = windows.CloseHandle(job)
		return nil, appErr.StageError("assign", appErr.AssignFailed, err)
	}

	if _, err := windows.ResumeThread(pi.Thread); err != nil {
		_ = windows.TerminateJobObject(job, 1)
		_ = windows.CloseHandle(pi.Thread)
		_ = windows.CloseHandle(pi.Process)
		_ = windows.CloseHandle(job)
		return nil, appErr.StageError("resume", appErr.ResumeFailed, err)
	}

	logger.Debug(ctx, "job object started", zap.Uint32("pid", pi.ProcessId))
	return &windowsGroup{
		job:         job,
		process:     pi.Process,
		thread:      pi.Thread,
		pid:         int(pi.ProcessId),
		stopTimeout: time.Duration(e.cfg.StopTimeoutMs) * time.Millisecond,
	}, nil
}

type windowsGroup struct {
	job     windows.Handle
	process windows.Handle
	// thread is the initial thread handle, released on Close
	thread      windows.Handle
	pid         int
	stopTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (g *windowsGroup) Pid() int             { return g.pid }
func (g *windowsGroup) Isolation() Isolation { return IsolationJobObject }

var (
	ntdll                = windows.NewLazySystemDLL("ntdll.dll")
	procNtSuspendProcess = ntdll.NewProc("NtSuspendProcess")
	procNtResumeProcess  = ntdll.NewProc("NtResumeProcess")
)

// Pause freezes every process assigned to the job, matching the cgroup
// freezer semantics on the other platform. Suspending only the initial
// thread would leave children and secondary threads running.
func (g *windowsGroup) Pause() error {
	return g.eachJobProcess(procNtSuspendProcess, "suspend")
}

func (g *windowsGroup) Resume() error {
	return g.eachJobProcess(procNtResumeProcess, "resume")
}

func (g *windowsGroup) eachJobProcess(proc *windows.LazyProc, op string) error {
	pids, err := g.jobPids()
	if err != nil {
		return appErr.Wrapf(err, appErr.OsResourceError, "enumerate job processes: %v", err)
	}
	var firstErr error
	for _, pid := range pids {
		h, err := windows.OpenProcess(windows.PROCESS_SUSPEND_RESUME, false, pid)
		if err != nil {
			// the process exited between enumeration and open
			continue
		}
		status, _, _ := proc.Call(uintptr(h))
		windows.CloseHandle(h)
		if status != 0 && firstErr == nil {
			firstErr = appErr.Newf(appErr.OsResourceError, "%s pid %d: status %#x", op, pid, status)
		}
	}
	return firstErr
}

// jobPids queries the job's process id list, growing the buffer until the
// kernel reports every assigned process.
func (g *windowsGroup) jobPids() ([]uint32, error) {
	for size := 512; size <= 1<<20; size *= 2 {
		buf := make([]byte, size)
		var ret uint32
		err := windows.QueryInformationJobObject(g.job, windows.JobObjectBasicProcessIdList,
			uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), &ret)
		if err != nil {
			if err == windows.ERROR_MORE_DATA {
				continue
			}
			return nil, err
		}
		assigned := binary.LittleEndian.Uint32(buf[0:4])
		listed := binary.LittleEndian.Uint32(buf[4:8])
		if listed < assigned {
			continue
		}
		return parsePidList(buf), nil
	}
	return nil, windows.ERROR_INSUFFICIENT_BUFFER
}

// parsePidList decodes a JOBOBJECT_BASIC_PROCESS_ID_LIST buffer: two uint32
// counters followed by pointer-sized process ids.
func parsePidList(buf []byte) []uint32 {
	if len(buf) < 8 {
		return nil
	}
	count := int(binary.LittleEndian.Uint32(buf[4:8]))
	const psize = int(unsafe.Sizeof(uintptr(0)))
	pids := make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		off := 8 + i*psize
		if off+psize > len(buf) {
			break
		}
		if psize == 8 {
			pids = append(pids, uint32(binary.LittleEndian.Uint64(buf[off:])))
		} else {
			pids = append(pids, binary.LittleEndian.Uint32(buf[off:]))
		}
	}
	return pids
}

func (g *windowsGroup) Usage() (Usage, error) {
	return processUsage(g.pid)
}

// Terminate kills the job, which recursively terminates every member
// process, then waits for exit confirmation within the timeout.
func (g *windowsGroup) Terminate(ctx context.Context) error {
	if err := windows.TerminateJobObject(g.job, 0); err != nil {
		return appErr.StageError("terminate", appErr.TerminateFailed, err)
	}

	timeout := uint32(g.stopTimeout.Milliseconds())
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline).Milliseconds(); remaining >= 0 && remaining < int64(timeout) {
			timeout = uint32(remaining)
		}
	}
	ev, err := windows.WaitForSingleObject(g.process, timeout)
	if err != nil || ev != windows.WAIT_OBJECT_0 {
		logger.Warn(ctx, "terminate not confirmed before timeout, forcing handle close",
			zap.Int("pid", g.pid))
	}
	return nil
}

// Close releases the job, process and thread handles. The job carries
// kill-on-close, so closing the job handle terminates any survivors.
func (g *windowsGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	_ = windows.CloseHandle(g.thread)
	_ = windows.CloseHandle(g.process)
	return windows.CloseHandle(g.job)
}
