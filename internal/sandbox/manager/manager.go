// Package manager owns the sandbox registry and the lifecycle state machine.
// Every mutation goes through the registry lock, so per-sandbox transitions
// are serialized and snapshots are consistent.
package manager

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"boxguard/internal/sandbox/config"
	"boxguard/internal/sandbox/engine"
	"boxguard/internal/sandbox/event"
	"boxguard/internal/sandbox/heuristics"
	"boxguard/internal/sandbox/monitor"
	"boxguard/internal/sandbox/profile"
	appErr "boxguard/pkg/errors"
	"boxguard/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

// Options configure a Manager. Zero fields get working defaults.
type Options struct {
	Config   config.Config
	Profiles *profile.Store
	// Engine overrides engine selection; nil picks the platform engine and
	// falls back to simulation when real isolation is unavailable.
	Engine engine.Engine
	Rules  *heuristics.RuleSet
	System *monitor.SystemMonitor
}

// Manager is the sandbox registry and control plane.
type Manager struct {
	cfg      config.Config
	profiles *profile.Store
	eng      engine.Engine
	rules    heuristics.RuleSet
	system   *monitor.SystemMonitor
	feed     *event.Feed
	loop     *monitor.Loop

	mu       sync.Mutex
	records  map[string]*record
	sources  []BehaviorSource
	shutdown bool
}

// New builds a manager. When no engine is injected and the platform engine
// cannot initialize, the manager runs on the simulation engine; List and
// sandbox snapshots report the isolation kind so callers can tell.
func New(opts Options) *Manager {
	cfg := opts.Config
	if cfg.MaxConcurrentTasks == 0 {
		cfg = config.Default()
	}
	profiles := opts.Profiles
	if profiles == nil {
		profiles = profile.NewStore()
	}
	rules := heuristics.DefaultRuleSet()
	if opts.Rules != nil {
		rules = *opts.Rules
	}
	system := opts.System
	if system == nil {
		system = monitor.NewSystemMonitor(nil, monitor.DefaultThresholds(), monitor.DefaultHistorySize)
	}

	eng := opts.Engine
	if eng == nil {
		real, err := engine.NewEngine(engine.Config{})
		if err != nil {
			logger.Warn(context.Background(),
				"real isolation unavailable, using simulation engine", zap.Error(err))
			eng = engine.NewSimulated()
		} else {
			eng = real
		}
	}

	return &Manager{
		cfg:      cfg,
		profiles: profiles,
		eng:      eng,
		rules:    rules,
		system:   system,
		feed:     event.NewFeed(),
		records:  make(map[string]*record),
	}
}

// Events returns the notification feed.
func (m *Manager) Events() *event.Feed { return m.feed }

// Profiles returns the profile store.
func (m *Manager) Profiles() *profile.Store { return m.profiles }

// System returns the system-wide resource monitor.
func (m *Manager) System() *monitor.SystemMonitor { return m.system }

// Simulated reports whether sandboxes run without real isolation.
func (m *Manager) Simulated() bool { return m.eng.Simulated() }

// StartMonitor launches the background monitor loop when monitoring is
// enabled in the configuration. Safe to call once.
func (m *Manager) StartMonitor() {
	if !m.cfg.Monitoring.Enabled {
		return
	}
	interval := time.Duration(m.cfg.Monitoring.RefreshInterval) * time.Millisecond
	m.loop = monitor.NewLoop(interval, m, m.system, m.feed)
	m.loop.Start()
}

// Create registers a new sandbox in the Created state. The command line is
// split shell-style; the executable must resolve now, not at start time.
func (m *Manager) Create(ctx context.Context, id, command, profileName, workDir string) (Info, error) {
	if id == "" {
		return Info{}, appErr.ValidationError("id", "must not be empty")
	}

	argv, err := shlex.Split(command)
	if err != nil {
		return Info{}, appErr.Wrapf(err, appErr.CommandParseFailure, "parse command: %v", err)
	}
	if len(argv) == 0 {
		return Info{}, appErr.New(appErr.EmptyCommand)
	}

	p, ok := m.profiles.Resolve(profileName)
	if !ok {
		logger.Warn(ctx, "unknown profile, falling back to default",
			zap.String("requested", profileName), zap.String("fallback", profile.DefaultName))
		p, _ = m.profiles.Resolve(profile.DefaultName)
	}

	base := strings.ToLower(filepath.Base(argv[0]))
	for _, blocked := range p.BlockedProcessNames {
		if strings.ToLower(blocked) == base {
			return Info{}, appErr.Newf(appErr.PermissionDenied,
				"process %q is blocked by profile %q", base, p.Name)
		}
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return Info{}, appErr.Wrapf(err, appErr.ExecutableNotFound,
			"executable %q not found", argv[0])
	}
	argv[0] = path

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return Info{}, appErr.New(appErr.ManagerShutDown)
	}
	if _, exists := m.records[id]; exists {
		return Info{}, appErr.Newf(appErr.DuplicateID, "sandbox %q already exists", id)
	}

	r := &record{
		id:        id,
		command:   argv,
		workDir:   workDir,
		profile:   p,
		state:     StateCreated,
		createdAt: time.Now(),
		findings:  make(map[string]struct{}),
	}
	m.records[id] = r

	logger.Info(logger.WithSandboxID(ctx, id), "sandbox created",
		zap.String("profile", p.Name), zap.Strings("command", argv))
	m.feed.Publish(event.New(event.Created, id, "sandbox created", r.snapshot()))
	return r.snapshot(), nil
}

// Start launches a created sandbox. Starting a sandbox that is already
// running is a no-op. On any spawn failure the record stays in Created with
// no group handle attached.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return appErr.New(appErr.ManagerShutDown)
	}
	r, ok := m.records[id]
	if !ok {
		return appErr.Newf(appErr.SandboxNotFound, "sandbox %q not found", id)
	}

	switch r.state {
	case StateRunning:
		return nil
	case StateCreated:
	default:
		return appErr.Newf(appErr.InvalidTransition,
			"cannot start sandbox in state %q", r.state)
	}

	if m.activeCountLocked() >= m.cfg.MaxConcurrentTasks {
		return appErr.Newf(appErr.TooManySandboxes,
			"concurrent sandbox limit reached (%d)", m.cfg.MaxConcurrentTasks)
	}
	if r.profile.RequireElevated && !engine.CallerIsElevated() {
		return appErr.Newf(appErr.PermissionDenied,
			"profile %q requires elevated privileges", r.profile.Name)
	}

	ctx = logger.WithSandboxID(ctx, id)
	group, err := m.eng.Start(ctx, engine.StartRequest{
		SandboxID: id,
		Command:   r.command,
		WorkDir:   r.workDir,
		Profile:   r.profile,
	})
	if err != nil {
		logger.Error(ctx, "sandbox start failed", zap.Error(err))
		m.feed.Publish(event.New(event.Error, id, "start failed: "+err.Error(), nil))
		return err
	}

	r.group = group
	r.state = StateRunning
	r.startedAt = time.Now()

	r.addSecurityEvent("sandbox_start", "sandbox started", 0)
	for toggle, enabled := range map[string]bool{
		"file_monitoring":     r.profile.Monitoring.File,
		"network_monitoring":  r.profile.Monitoring.Network,
		"registry_monitoring": r.profile.Monitoring.Registry,
		"anti_detection":      r.profile.Monitoring.AntiDetection,
	} {
		if enabled {
			r.addSecurityEvent(toggle+"_enabled", toggle+" enabled by profile "+r.profile.Name, 0)
		}
	}

	logger.Info(ctx, "sandbox started",
		zap.Int("pid", group.Pid()), zap.String("isolation", string(group.Isolation())))
	m.feed.Publish(event.New(event.Started, id, "sandbox started", map[string]any{
		"pid":       group.Pid(),
		"isolation": string(group.Isolation()),
		"monitoring": map[string]bool{
			"file":           r.profile.Monitoring.File,
			"network":        r.profile.Monitoring.Network,
			"registry":       r.profile.Monitoring.Registry,
			"anti_detection": r.profile.Monitoring.AntiDetection,
		},
	}))
	return nil
}

// Pause freezes a running sandbox. Pausing an already paused sandbox is a
// no-op.
func (m *Manager) Pause(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return appErr.Newf(appErr.SandboxNotFound, "sandbox %q not found", id)
	}
	switch r.state {
	case StatePaused:
		return nil
	case StateRunning:
	default:
		return appErr.Newf(appErr.InvalidTransition,
			"cannot pause sandbox in state %q", r.state)
	}
	if err := r.group.Pause(); err != nil {
		return err
	}
	r.state = StatePaused
	logger.Info(logger.WithSandboxID(ctx, id), "sandbox paused")
	m.feed.Publish(event.New(event.Paused, id, "sandbox paused", nil))
	return nil
}

// Resume thaws a paused sandbox. Resuming a running sandbox is a no-op.
func (m *Manager) Resume(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return appErr.Newf(appErr.SandboxNotFound, "sandbox %q not found", id)
	}
	switch r.state {
	case StateRunning:
		return nil
	case StatePaused:
	default:
		return appErr.Newf(appErr.InvalidTransition,
			"cannot resume sandbox in state %q", r.state)
	}
	if err := r.group.Resume(); err != nil {
		return err
	}
	r.state = StateRunning
	logger.Info(logger.WithSandboxID(ctx, id), "sandbox resumed")
	m.feed.Publish(event.New(event.Resumed, id, "sandbox resumed", nil))
	return nil
}

// Stop terminates a sandbox. Stopping an already stopped sandbox is a
// no-op; stopping a never-started sandbox just marks it stopped.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return appErr.Newf(appErr.SandboxNotFound, "sandbox %q not found", id)
	}
	return m.stopLocked(ctx, r)
}

func (m *Manager) stopLocked(ctx context.Context, r *record) error {
	switch r.state {
	case StateStopped:
		return nil
	case StateCreated:
		r.state = StateStopped
		r.stoppedAt = time.Now()
		m.feed.Publish(event.New(event.Stopped, r.id, "sandbox stopped", r.snapshot()))
		return nil
	}

	ctx = logger.WithSandboxID(ctx, r.id)
	timeout := time.Duration(m.cfg.Timeout) * time.Second
	termCtx, cancel := context.WithTimeout(ctx, timeout)
	err := r.group.Terminate(termCtx)
	cancel()
	if err != nil {
		logger.Warn(ctx, "terminate did not confirm, forcing close", zap.Error(err))
	}
	if err := r.group.Close(); err != nil {
		logger.Warn(ctx, "group close failed", zap.Error(err))
	}

	r.group = nil
	r.state = StateStopped
	r.stoppedAt = time.Now()
	r.runtime = r.stoppedAt.Sub(r.startedAt)

	r.addSecurityEvent("sandbox_stop", "sandbox stopped", 0)
	logger.Info(ctx, "sandbox stopped", zap.Duration("runtime", r.runtime))
	m.feed.Publish(event.New(event.Stopped, r.id, "sandbox stopped", r.snapshot()))

	// summaries carry content or stay silent
	if r.profile.Monitoring.AntiDetection && len(r.findings) > 0 {
		findings := make([]string, 0, len(r.findings))
		for f := range r.findings {
			findings = append(findings, f)
		}
		sort.Strings(findings)
		r.addSecurityEvent("anti_detection_summary",
			fmt.Sprintf("%d distinct anti-detection findings: %s", len(findings), strings.Join(findings, "; ")),
			len(findings))
		m.feed.Publish(event.New(event.SecurityAlert, r.id, "anti-detection summary", findings))
	}
	if r.fileOpCount+r.networkOpCount+r.registryOpCount > 0 {
		r.addSecurityEvent("sandbox_summary",
			fmt.Sprintf("file=%d network=%d registry=%d", r.fileOpCount, r.networkOpCount, r.registryOpCount),
			0)
		m.feed.Publish(event.New(event.SecurityAlert, r.id, "activity summary", map[string]int{
			"file_ops":     r.fileOpCount,
			"network_ops":  r.networkOpCount,
			"registry_ops": r.registryOpCount,
		}))
	}
	return nil
}

// Delete removes a sandbox from the registry, stopping it first when still
// running or paused.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return appErr.Newf(appErr.SandboxNotFound, "sandbox %q not found", id)
	}
	if err := m.stopLocked(ctx, r); err != nil {
		return err
	}
	delete(m.records, id)
	logger.Info(logger.WithSandboxID(ctx, id), "sandbox deleted")
	m.feed.Publish(event.New(event.Deleted, id, "sandbox deleted", nil))
	return nil
}

// Get returns a snapshot of one sandbox.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Info{}, appErr.Newf(appErr.SandboxNotFound, "sandbox %q not found", id)
	}
	return r.snapshot(), nil
}

// List returns snapshots of every sandbox, ordered by creation time.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// caller holds the lock
func (m *Manager) activeCountLocked() int {
	n := 0
	for _, r := range m.records {
		if r.state == StateRunning || r.state == StatePaused {
			n++
		}
	}
	return n
}

// Shutdown stops the monitor loop, then every active sandbox, then the
// event feed. Further mutations fail with ManagerShutDown.
func (m *Manager) Shutdown(ctx context.Context) {
	// the loop must drain before the registry lock is taken for good
	if m.loop != nil {
		m.loop.Stop()
		m.loop = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return
	}
	m.shutdown = true

	for _, r := range m.records {
		if r.state == StateRunning || r.state == StatePaused {
			if err := m.stopLocked(ctx, r); err != nil {
				logger.Warn(ctx, "shutdown stop failed",
					zap.String("sandbox_id", r.id), zap.Error(err))
			}
		}
	}
	m.feed.Close()
	logger.Info(ctx, "sandbox manager shut down")
}
