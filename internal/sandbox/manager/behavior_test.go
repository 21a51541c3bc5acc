package manager

import (
	"context"
	"strings"
	"testing"
	"time"

	"boxguard/internal/sandbox/config"
	"boxguard/internal/sandbox/engine"
	"boxguard/internal/sandbox/profile"
	appErr "boxguard/pkg/errors"
)

// flakyGroup serves one good usage reading, then fails.
type flakyGroup struct {
	usageCalls int
}

func (g *flakyGroup) Pid() int                    { return 4242 }
func (g *flakyGroup) Isolation() engine.Isolation { return engine.IsolationSimulated }
func (g *flakyGroup) Pause() error                { return nil }
func (g *flakyGroup) Resume() error               { return nil }
func (g *flakyGroup) Terminate(context.Context) error {
	return nil
}
func (g *flakyGroup) Close() error { return nil }

func (g *flakyGroup) Usage() (engine.Usage, error) {
	g.usageCalls++
	if g.usageCalls > 1 {
		return engine.Usage{}, appErr.New(appErr.SampleUnavailable)
	}
	return engine.Usage{CPUTimeMs: 120, MemoryBytes: 64 * 1024 * 1024}, nil
}

type flakyEngine struct{ group *flakyGroup }

func (e *flakyEngine) Start(context.Context, engine.StartRequest) (engine.Group, error) {
	return e.group, nil
}

func (e *flakyEngine) Simulated() bool { return true }

func TestUsageFailureKeepsPreviousSample(t *testing.T) {
	eng := &flakyEngine{group: &flakyGroup{}}
	m := New(Options{Config: config.Default(), Engine: eng})
	ctx := context.Background()

	if _, err := m.Create(ctx, "box", testCommand(), "medium", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "box"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.CheckSandbox(ctx, "box"); err != nil {
		t.Fatalf("first check: %v", err)
	}
	info, _ := m.Get("box")
	if info.LatestUsage == nil || info.LatestUsage.CPUTimeMs != 120 {
		t.Fatalf("first sample = %+v, want cpu 120ms", info.LatestUsage)
	}
	firstSampleTime := info.SampleTime

	err := m.CheckSandbox(ctx, "box")
	if !appErr.Is(err, appErr.MonitoringQueryError) {
		t.Fatalf("second check error = %v, want MonitoringQueryError", err)
	}

	info, _ = m.Get("box")
	if info.LatestUsage == nil || info.LatestUsage.CPUTimeMs != 120 {
		t.Fatalf("sample after failed check = %+v, want the previous one intact", info.LatestUsage)
	}
	if !info.SampleTime.Equal(firstSampleTime) {
		t.Fatal("sample timestamp moved despite the failed query")
	}
}

func TestCheckSkipsSandboxWithoutHandle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "box", testCommand(), "medium", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CheckSandbox(ctx, "box"); err != nil {
		t.Fatalf("check on created sandbox should be a no-op, got %v", err)
	}
	if err := m.CheckSandbox(ctx, "ghost"); err != nil {
		t.Fatalf("check on unknown id should be a no-op, got %v", err)
	}
}

type staticSource struct {
	obs []Observation
}

func (s *staticSource) Collect(_ context.Context, _ string) []Observation {
	return s.obs
}

func TestBehaviorSourcePolledOnCheck(t *testing.T) {
	m := newWatchfulManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "box", testCommand(), "watchful", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "box"); err != nil {
		t.Fatalf("start: %v", err)
	}

	m.AddBehaviorSource(&staticSource{obs: []Observation{
		{FileOps: []string{"/etc/hosts"}, NetworkOps: []string{"dns lookup"}},
	}})

	if err := m.CheckSandbox(ctx, "box"); err != nil {
		t.Fatalf("check: %v", err)
	}
	info, _ := m.Get("box")
	if info.FileOpCount != 1 || info.NetworkOpCount != 1 {
		t.Fatalf("op counts = %d/%d, want 1/1 from the registered source",
			info.FileOpCount, info.NetworkOpCount)
	}
}

func TestRunningSandboxesListsActiveOnly(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"idle", "run", "pause"} {
		if _, err := m.Create(ctx, id, testCommand(), "medium", ""); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := m.Start(ctx, "run"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := m.Start(ctx, "pause"); err != nil {
		t.Fatalf("start pause: %v", err)
	}
	if err := m.Pause(ctx, "pause"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	ids := m.RunningSandboxes()
	if len(ids) != 2 {
		t.Fatalf("running = %v, want run and pause only", ids)
	}
	for _, id := range ids {
		if id != "run" && id != "pause" {
			t.Fatalf("unexpected id %q in running set", id)
		}
	}
}

// stallingGroup parks its usage query until released, so tests can hold a
// check mid-flight.
type stallingGroup struct {
	flakyGroup
	entered chan struct{}
	release chan struct{}
}

func (g *stallingGroup) Usage() (engine.Usage, error) {
	close(g.entered)
	<-g.release
	return engine.Usage{CPUTimeMs: 5}, nil
}

type stallingEngine struct{ group *stallingGroup }

func (e *stallingEngine) Start(context.Context, engine.StartRequest) (engine.Group, error) {
	return e.group, nil
}

func (e *stallingEngine) Simulated() bool { return true }

func TestRegistryResponsiveDuringUsageQuery(t *testing.T) {
	g := &stallingGroup{entered: make(chan struct{}), release: make(chan struct{})}
	m := New(Options{Config: config.Default(), Engine: &stallingEngine{group: g}})
	ctx := context.Background()

	if _, err := m.Create(ctx, "box", testCommand(), "medium", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "box"); err != nil {
		t.Fatalf("start: %v", err)
	}

	checkDone := make(chan error, 1)
	go func() { checkDone <- m.CheckSandbox(ctx, "box") }()
	<-g.entered

	listDone := make(chan struct{})
	go func() {
		m.List()
		close(listDone)
	}()
	select {
	case <-listDone:
	case <-time.After(2 * time.Second):
		t.Fatal("List blocked behind an in-flight usage query")
	}

	close(g.release)
	if err := <-checkDone; err != nil {
		t.Fatalf("check: %v", err)
	}
	info, _ := m.Get("box")
	if info.LatestUsage == nil || info.LatestUsage.CPUTimeMs != 5 {
		t.Fatalf("sample after released check = %+v, want cpu 5ms", info.LatestUsage)
	}
}

func TestProcessSnapshotScoredOnCheck(t *testing.T) {
	m := newWatchfulManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "box", testCommand(), "watchful", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "box"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Observe("box", Observation{
		ProcessNames: []string{"explorer.exe", "Procmon64.exe"},
	}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := m.CheckSandbox(ctx, "box"); err != nil {
		t.Fatalf("check: %v", err)
	}

	info, _ := m.Get("box")
	if len(info.Findings) != 1 || !strings.Contains(info.Findings[0], "procmon") {
		t.Fatalf("findings = %v, want one monitor-tool finding", info.Findings)
	}
}

func TestLateObservationDroppedAfterStop(t *testing.T) {
	m := newWatchfulManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "box", testCommand(), "watchful", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "box"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(ctx, "box"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	toggles := profile.MonitoringToggles{File: true, Network: true, Registry: true, AntiDetection: true}
	m.scoreObservation(ctx, "box", toggles, Observation{
		FileOps: []string{`C:\Users\guest\vmware\tools.log`},
		Window:  &Signal{Title: "You have won a free prize"},
	})

	info, _ := m.Get("box")
	if info.FileOpCount != 0 {
		t.Fatalf("file op count = %d after stop, want 0", info.FileOpCount)
	}
	if len(info.Findings) != 0 {
		t.Fatalf("findings = %v appended to a stopped sandbox", info.Findings)
	}
	for _, ev := range info.SecurityEvents {
		if ev.Kind == "anti_detection" || ev.Kind == "suspicious_window" {
			t.Fatalf("security event %q recorded after stop", ev.Kind)
		}
	}
}
