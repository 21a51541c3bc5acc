//go:build linux

package engine

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	appErr "boxguard/pkg/errors"
	"boxguard/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type linuxEngine struct {
	cfg Config
}

// NewEngine creates the cgroup v2 engine. It fails with EngineUnavailable
// when no writable cgroup v2 hierarchy exists; callers degrade to the
// simulation engine in that case.
func NewEngine(cfg Config) (Engine, error) {
	if cfg.CgroupRoot == "" {
		cfg.CgroupRoot = defaultCgroupRoot
	}
	if cfg.StopTimeoutMs <= 0 {
		cfg.StopTimeoutMs = defaultStopTimeoutMs
	}
	if !cgroupAvailable() {
		return nil, appErr.New(appErr.EngineUnavailable).WithDetail("reason", "cgroup v2 not mounted")
	}
	if err := os.MkdirAll(cfg.CgroupRoot, 0750); err != nil {
		return nil, appErr.Wrapf(err, appErr.EngineUnavailable, "cgroup root not writable: %v", err)
	}
	return &linuxEngine{cfg: cfg}, nil
}

func (e *linuxEngine) Simulated() bool { return false }

// Start creates a frozen cgroup, applies the profile limits, clones the
// target directly into the frozen group (so it cannot execute before its
// limits apply), then thaws it. The clone-into-cgroup is the
// assignment-before-resume step; the frozen state is the suspended spawn.
func (e *linuxEngine) Start(ctx context.Context, req StartRequest) (Group, error) {
	path, err := createGroupDir(e.cfg.CgroupRoot, req.SandboxID)
	if err != nil {
		return nil, err
	}

	if err := applyGroupLimits(path, req.Profile); err != nil {
		_ = removeGroupDir(path)
		return nil, err
	}
	if err := freezeGroup(path); err != nil {
		_ = removeGroupDir(path)
		return nil, appErr.StageError("suspend", appErr.GroupLimitFailed, err)
	}

	dir, err := os.Open(path)
	if err != nil {
		_ = removeGroupDir(path)
		return nil, appErr.StageError("group-open", appErr.GroupCreateFailed, err)
	}

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Env = req.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:     true,
		Pdeathsig:   syscall.SIGKILL,
		UseCgroupFD: true,
		CgroupFD:    int(dir.Fd()),
	}

	if err := cmd.Start(); err != nil {
		_ = dir.Close()
		_ = removeGroupDir(path)
		return nil, appErr.StageError("spawn", appErr.SpawnFailed, err)
	}
	_ = dir.Close()

	// pidfd is the process handle: race-free identity and exit polling.
	// Failure to open one is not fatal, the cgroup handle still owns
	// termination.
	pidfd, err := unix.PidfdOpen(cmd.Process.Pid, 0)
	if err != nil {
		logger.Warn(ctx, "pidfd open failed", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		pidfd = -1
	}

	g := &linuxGroup{
		path:        path,
		cmd:         cmd,
		pidfd:       pidfd,
		stopTimeout: time.Duration(e.cfg.StopTimeoutMs) * time.Millisecond,
		waitCh:      make(chan error, 1),
	}
	go func() { g.waitCh <- cmd.Wait() }()

	if err := thawGroup(path); err != nil {
		_ = g.Close()
		return nil, appErr.StageError("resume", appErr.ResumeFailed, err)
	}
	return g, nil
}

type linuxGroup struct {
	path        string
	cmd         *exec.Cmd
	pidfd       int
	stopTimeout time.Duration
	waitCh      chan error

	mu     sync.Mutex
	closed bool
}

func (g *linuxGroup) Pid() int             { return g.cmd.Process.Pid }
func (g *linuxGroup) Isolation() Isolation { return IsolationCgroup }

func (g *linuxGroup) Pause() error {
	if err := freezeGroup(g.path); err != nil {
		return appErr.Wrapf(err, appErr.OsResourceError, "freeze group: %v", err)
	}
	return nil
}

func (g *linuxGroup) Resume() error {
	if err := thawGroup(g.path); err != nil {
		return appErr.Wrapf(err, appErr.OsResourceError, "thaw group: %v", err)
	}
	return nil
}

func (g *linuxGroup) Usage() (Usage, error) {
	u := Usage{OomKilled: wasOomKilled(g.path)}

	cpuMs, err := groupCPUTimeMs(g.path)
	if err != nil {
		return Usage{}, appErr.Wrapf(err, appErr.MonitoringQueryError, "read cpu.stat: %v", err)
	}
	u.CPUTimeMs = cpuMs

	if current, err := readGroupInt(g.path, "memory.current"); err == nil {
		u.MemoryBytes = current
	}
	if peak, err := readGroupInt(g.path, "memory.peak"); err == nil {
		u.MemoryPeakBytes = peak
	}
	if pids, err := readGroupInt(g.path, "pids.current"); err == nil {
		u.ProcessCount = pids
	}
	u.ThreadCount = threadCount(g.Pid())
	return u, nil
}

// Terminate kills the whole group. The cgroup kill is recursive over every
// member process; waiting is only confirmation. An unconfirmed exit within
// the timeout is logged and the handles are force-closed regardless.
func (g *linuxGroup) Terminate(ctx context.Context) error {
	if err := killGroup(g.path); err != nil && !os.IsNotExist(err) {
		return appErr.StageError("terminate", appErr.TerminateFailed, err)
	}

	timer := time.NewTimer(g.stopTimeout)
	defer timer.Stop()
	select {
	case <-g.waitCh:
	case <-ctx.Done():
		logger.Warn(ctx, "terminate wait canceled", zap.String("cgroup", g.path))
	case <-timer.C:
		logger.Warn(ctx, "terminate not confirmed before timeout, forcing handle close",
			zap.String("cgroup", g.path))
	}
	return nil
}

// Close releases the group and process handles. The kill write makes handle
// close itself the authoritative termination signal.
func (g *linuxGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	_ = killGroup(g.path)
	if g.pidfd >= 0 {
		_ = unix.Close(g.pidfd)
		g.pidfd = -1
	}
	return removeGroupDir(g.path)
}
