package engine

import (
	"context"
	"hash/fnv"
	"sync"

	appErr "boxguard/pkg/errors"
)

// simEngine drives the lifecycle state machine without real isolation. It
// exists so the subsystem stays operable on platforms without a
// resource-group primitive; Simulated() makes the difference visible to
// callers so simulated isolation is never mistaken for the real thing.
type simEngine struct{}

// NewSimulated creates the no-op simulation engine.
func NewSimulated() Engine { return simEngine{} }

func (simEngine) Simulated() bool { return true }

func (simEngine) Start(ctx context.Context, req StartRequest) (Group, error) {
	return &simGroup{id: req.SandboxID, seed: idHash(req.SandboxID)}, nil
}

func idHash(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

type simGroup struct {
	id   string
	seed uint64

	mu     sync.Mutex
	paused bool
	closed bool
	ticks  int64
}

func (g *simGroup) Pid() int             { return int(g.seed%30000) + 1000 }
func (g *simGroup) Isolation() Isolation { return IsolationSimulated }

func (g *simGroup) Pause() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return appErr.New(appErr.OsResourceError).WithMessage("group is closed")
	}
	g.paused = true
	return nil
}

func (g *simGroup) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return appErr.New(appErr.OsResourceError).WithMessage("group is closed")
	}
	g.paused = false
	return nil
}

// Usage returns deterministic pseudo-readings derived from the sandbox id,
// advancing a little each call while not paused.
func (g *simGroup) Usage() (Usage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return Usage{}, appErr.New(appErr.MonitoringQueryError).WithMessage("group is closed")
	}
	if !g.paused {
		g.ticks++
	}
	return Usage{
		CPUTimeMs:       g.ticks * int64(5+g.seed%10),
		MemoryBytes:     int64(1024 * 1024 * (10 + g.seed%50)),
		MemoryPeakBytes: int64(1024 * 1024 * (10 + g.seed%50)),
		ProcessCount:    1,
		ThreadCount:     int64(3 + g.seed%5),
	}, nil
}

func (g *simGroup) Terminate(ctx context.Context) error {
	return g.Close()
}

func (g *simGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}
