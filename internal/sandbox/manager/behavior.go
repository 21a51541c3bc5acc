package manager

import (
	"context"
	"time"

	"boxguard/internal/sandbox/event"
	"boxguard/internal/sandbox/heuristics"
	"boxguard/internal/sandbox/profile"
	appErr "boxguard/pkg/errors"
	"boxguard/pkg/utils/logger"

	"go.uber.org/zap"
)

// BehaviorSource supplies observations for a sandbox. Interception backends
// (file, network, registry hooks) implement this; the monitor loop polls
// every registered source each tick.
type BehaviorSource interface {
	Collect(ctx context.Context, sandboxID string) []Observation
}

// AddBehaviorSource registers an interception backend.
func (m *Manager) AddBehaviorSource(src BehaviorSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, src)
}

// Observe queues behavior attributed to a sandbox. Observations are scored
// on the next monitor tick, not inline, so producers never pay for the
// heuristics.
func (m *Manager) Observe(id string, obs Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return appErr.Newf(appErr.SandboxNotFound, "sandbox %q not found", id)
	}
	r.pending = append(r.pending, obs)
	return nil
}

// RunningSandboxes lists ids the monitor loop should check this tick.
func (m *Manager) RunningSandboxes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, r := range m.records {
		if r.state == StateRunning || r.state == StatePaused {
			ids = append(ids, id)
		}
	}
	return ids
}

// CheckSandbox refreshes one sandbox's resource sample and scores its
// drained observations. On a usage query failure the previous sample is
// left in place and the error is returned for the loop to log.
func (m *Manager) CheckSandbox(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok || r.group == nil {
		m.mu.Unlock()
		return nil
	}
	group := r.group
	pending := r.pending
	r.pending = nil
	toggles := r.profile.Monitoring
	sources := append([]BehaviorSource(nil), m.sources...)
	m.mu.Unlock()

	// Usage talks to the OS and may stall on a wedged group. Query it with
	// the registry unlocked so other operations keep moving, then write the
	// sample back only if the same group still owns the record.
	usage, usageErr := group.Usage()
	if usageErr == nil {
		m.mu.Lock()
		if r, ok := m.records[id]; ok && r.group == group {
			u := usage
			r.latestUsage = &u
			r.sampleTime = time.Now()
			if usage.OomKilled && !r.oomReported {
				r.oomReported = true
				r.addSecurityEvent("oom_kill", "memory limit enforced by the kernel", 0)
				m.feed.Publish(event.New(event.ResourceWarning, id,
					"sandbox exceeded its memory limit", usage))
			}
		}
		m.mu.Unlock()
	}

	ctx = logger.WithSandboxID(ctx, id)
	for _, src := range sources {
		pending = append(pending, src.Collect(ctx, id)...)
	}
	for _, obs := range pending {
		m.scoreObservation(ctx, id, toggles, obs)
	}

	if usageErr != nil {
		return appErr.Wrapf(usageErr, appErr.MonitoringQueryError,
			"usage query for %q: %v", id, usageErr)
	}
	return nil
}

func (m *Manager) scoreObservation(ctx context.Context, id string, toggles profile.MonitoringToggles, obs Observation) {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok || (r.state != StateRunning && r.state != StatePaused) {
		// Stopped while the observation was in flight. Its history is
		// final; late observations are dropped.
		m.mu.Unlock()
		return
	}
	if toggles.File {
		r.fileOpCount += len(obs.FileOps)
	}
	if toggles.Network {
		r.networkOpCount += len(obs.NetworkOps)
	}
	if toggles.Registry {
		r.registryOpCount += len(obs.RegistryOps)
	}

	var newFindings []string
	if toggles.AntiDetection {
		found := heuristics.ScanPaths(obs.FileOps)
		found = append(found, heuristics.ScanProcessNames(obs.ProcessNames)...)
		for _, finding := range found {
			if _, seen := r.findings[finding]; seen {
				continue
			}
			r.findings[finding] = struct{}{}
			r.addSecurityEvent("anti_detection", finding, 0)
			newFindings = append(newFindings, finding)
		}
	}

	var verdict *heuristics.Verdict
	if obs.Window != nil {
		v := m.rules.Score(heuristics.Signal{
			Title:       obs.Window.Title,
			ClassName:   obs.Window.ClassName,
			ProcessName: obs.Window.ProcessName,
			Width:       obs.Window.Width,
			Height:      obs.Window.Height,
		})
		if v.Suspect {
			verdict = &v
			r.addSecurityEvent("suspicious_window", obs.Window.Title, v.Score)
		}
	}
	m.mu.Unlock()

	for _, finding := range newFindings {
		logger.Warn(ctx, "anti-detection behavior observed", zap.String("finding", finding))
		m.feed.Publish(event.New(event.SecurityAlert, id, finding, nil))
	}
	if verdict != nil {
		logger.Warn(ctx, "suspicious window detected",
			zap.String("title", obs.Window.Title),
			zap.Int("score", verdict.Score),
			zap.Strings("reasons", verdict.Reasons))
		m.feed.Publish(event.New(event.SecurityAlert, id,
			"suspicious window: "+obs.Window.Title, *verdict))
	}
}
