// Package engine translates security profiles into OS resource constraints
// and manages the suspended-spawn sequence. One implementation per target OS
// (cgroup v2 on Linux, Job Objects on Windows) plus a simulation fallback
// that drives the state machine without real isolation.
package engine

import (
	"context"

	"boxguard/internal/sandbox/profile"
)

// Isolation identifies which mechanism backs a resource group. Callers must
// be able to tell simulated isolation from the real thing.
type Isolation string

const (
	IsolationCgroup    Isolation = "cgroup"
	IsolationJobObject Isolation = "job_object"
	IsolationSimulated Isolation = "simulated"
)

// StartRequest describes one spawn.
type StartRequest struct {
	SandboxID string
	// Command is the argv of the target; Command[0] must be an existing
	// executable path.
	Command []string
	WorkDir string
	Env     []string
	Profile profile.SecurityProfile
}

// Usage is a point-in-time resource reading for a running group.
type Usage struct {
	CPUTimeMs       int64
	MemoryBytes     int64
	MemoryPeakBytes int64
	ProcessCount    int64
	ThreadCount     int64
	OomKilled       bool
}

// Group is an OS resource-group handle owning the group and the process
// handle acquired for it. Closing the group guarantees termination of every
// process still assigned to it; this is the isolation guarantee the whole
// subsystem depends on.
type Group interface {
	// Pid of the group's initial process.
	Pid() int
	// Isolation mechanism backing this group.
	Isolation() Isolation
	// Pause freezes every process in the group.
	Pause() error
	// Resume thaws a paused group.
	Resume() error
	// Usage reads current resource consumption.
	Usage() (Usage, error)
	// Terminate kills the whole group, waiting up to the context deadline
	// for confirmation. The group stays terminated even when confirmation
	// times out; Close remains the authoritative kill.
	Terminate(ctx context.Context) error
	// Close releases all handles, killing any process still assigned.
	// Idempotent.
	Close() error
}

// Engine spawns constrained processes.
type Engine interface {
	// Start runs the full sequence: create the resource group, apply
	// limits, spawn the target suspended, assign it to the group before it
	// executes a single instruction, then resume it. On any step failure
	// every partially-acquired handle is closed before the error returns.
	Start(ctx context.Context, req StartRequest) (Group, error)
	// Simulated reports whether this engine performs real isolation.
	Simulated() bool
}

// Config controls engine behavior.
type Config struct {
	// CgroupRoot is the parent directory for per-sandbox cgroups on Linux.
	CgroupRoot string
	// StopTimeout bounds how long Terminate waits for exit confirmation.
	StopTimeoutMs int64
}

const defaultStopTimeoutMs = 3000
