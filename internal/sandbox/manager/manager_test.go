package manager

import (
	"context"
	"os"
	"testing"

	"boxguard/internal/sandbox/config"
	"boxguard/internal/sandbox/engine"
	"boxguard/internal/sandbox/event"
	"boxguard/internal/sandbox/profile"
	appErr "boxguard/pkg/errors"
)

// testCommand resolves to the running test binary, which always exists.
func testCommand() string {
	return os.Args[0]
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(Options{
		Config: config.Default(),
		Engine: engine.NewSimulated(),
	})
}

// newWatchfulManager registers a profile with every behavior monitor on and
// no elevation requirement, so monitoring paths are testable unprivileged.
func newWatchfulManager(t *testing.T) *Manager {
	t.Helper()
	m := newTestManager(t)
	err := m.Profiles().Register(profile.SecurityProfile{
		Name:            "watchful",
		MaxMemoryBytes:  256 * 1024 * 1024,
		MaxProcessCount: 5,
		Monitoring: profile.MonitoringToggles{
			File:          true,
			Network:       true,
			Registry:      true,
			AntiDetection: true,
		},
	})
	if err != nil {
		t.Fatalf("register profile: %v", err)
	}
	return m
}

func TestLifecycleHandleInvariant(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	info, err := m.Create(ctx, "box1", testCommand(), "medium", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.State != StateCreated || info.Pid != 0 {
		t.Fatalf("created snapshot = state %q pid %d, want created/0", info.State, info.Pid)
	}

	if err := m.Start(ctx, "box1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	info, _ = m.Get("box1")
	if info.State != StateRunning || info.Pid == 0 || info.Isolation == "" {
		t.Fatalf("running snapshot = %+v, want pid and isolation set", info)
	}

	if err := m.Pause(ctx, "box1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	info, _ = m.Get("box1")
	if info.State != StatePaused || info.Pid == 0 {
		t.Fatalf("paused snapshot = state %q pid %d, want paused with handle", info.State, info.Pid)
	}

	if err := m.Resume(ctx, "box1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := m.Stop(ctx, "box1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	info, _ = m.Get("box1")
	if info.State != StateStopped || info.Pid != 0 || info.Isolation != "" {
		t.Fatalf("stopped snapshot = %+v, want no handle fields", info)
	}
	if info.StoppedAt.Before(info.StartedAt) {
		t.Fatal("stop timestamp precedes start timestamp")
	}
}

func TestCreateErrors(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		id      string
		command string
		profile string
		want    appErr.ErrorCode
	}{
		{name: "empty_id", id: "", command: testCommand(), profile: "medium", want: appErr.ValidationFailed},
		{name: "empty_command", id: "a", command: "", profile: "medium", want: appErr.EmptyCommand},
		{name: "unterminated_quote", id: "a", command: `echo "oops`, profile: "medium", want: appErr.CommandParseFailure},
		{name: "missing_executable", id: "a", command: "definitely-not-a-real-binary-xyz", profile: "medium", want: appErr.ExecutableNotFound},
		{name: "blocked_process", id: "a", command: "cmd.exe /c whoami", profile: "strict", want: appErr.PermissionDenied},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Create(ctx, tc.id, tc.command, tc.profile, "")
			if appErr.GetCode(err) != tc.want {
				t.Fatalf("error code = %v, want %v (err: %v)", appErr.GetCode(err), tc.want, err)
			}
		})
	}
}

func TestDuplicateID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "dup", testCommand(), "medium", ""); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := m.Create(ctx, "dup", testCommand(), "medium", "")
	if !appErr.Is(err, appErr.DuplicateID) {
		t.Fatalf("second create error = %v, want DuplicateID", err)
	}
}

func TestUnknownProfileFallsBack(t *testing.T) {
	m := newTestManager(t)
	info, err := m.Create(context.Background(), "box", testCommand(), "no-such-profile", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.Profile != "medium" {
		t.Fatalf("profile = %q, want fallback to medium", info.Profile)
	}
}

func TestInvalidTransitions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "box", testCommand(), "medium", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Pause(ctx, "box"); !appErr.Is(err, appErr.InvalidTransition) {
		t.Fatalf("pause created = %v, want InvalidTransition", err)
	}
	if err := m.Resume(ctx, "box"); !appErr.Is(err, appErr.InvalidTransition) {
		t.Fatalf("resume created = %v, want InvalidTransition", err)
	}

	if err := m.Stop(ctx, "box"); err != nil {
		t.Fatalf("stop created: %v", err)
	}
	if err := m.Start(ctx, "box"); !appErr.Is(err, appErr.InvalidTransition) {
		t.Fatalf("start stopped = %v, want InvalidTransition", err)
	}
}

func TestIdempotentOperations(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "box", testCommand(), "medium", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "box"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(ctx, "box"); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	if err := m.Pause(ctx, "box"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := m.Pause(ctx, "box"); err != nil {
		t.Fatalf("second pause should be a no-op, got %v", err)
	}
	if err := m.Resume(ctx, "box"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := m.Stop(ctx, "box"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Stop(ctx, "box"); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
}

type failingEngine struct{ calls int }

func (e *failingEngine) Start(context.Context, engine.StartRequest) (engine.Group, error) {
	e.calls++
	return nil, appErr.New(appErr.SpawnFailed)
}

func (e *failingEngine) Simulated() bool { return true }

func TestStartFailureLeavesRecordCreated(t *testing.T) {
	eng := &failingEngine{}
	m := New(Options{Config: config.Default(), Engine: eng})
	ctx := context.Background()

	if _, err := m.Create(ctx, "box", testCommand(), "medium", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "box"); !appErr.Is(err, appErr.SpawnFailed) {
		t.Fatalf("start error = %v, want SpawnFailed", err)
	}

	info, _ := m.Get("box")
	if info.State != StateCreated || info.Pid != 0 {
		t.Fatalf("after failed start: state %q pid %d, want created with no handle", info.State, info.Pid)
	}
	// a failed start must remain retryable
	if err := m.Start(ctx, "box"); !appErr.Is(err, appErr.SpawnFailed) {
		t.Fatalf("retry error = %v, want SpawnFailed again", err)
	}
	if eng.calls != 2 {
		t.Fatalf("engine called %d times, want 2", eng.calls)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	cfg := config.Default()
	cfg.MaxConcurrentTasks = 2
	m := New(Options{Config: cfg, Engine: engine.NewSimulated()})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Create(ctx, id, testCommand(), "medium", ""); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := m.Start(ctx, "a"); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := m.Start(ctx, "b"); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if err := m.Start(ctx, "c"); !appErr.Is(err, appErr.TooManySandboxes) {
		t.Fatalf("start c = %v, want TooManySandboxes", err)
	}

	if err := m.Stop(ctx, "a"); err != nil {
		t.Fatalf("stop a: %v", err)
	}
	if err := m.Start(ctx, "c"); err != nil {
		t.Fatalf("start c after slot freed: %v", err)
	}
}

func TestDeleteStopsRunningSandbox(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "box", testCommand(), "medium", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "box"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Delete(ctx, "box"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get("box"); !appErr.Is(err, appErr.SandboxNotFound) {
		t.Fatalf("get after delete = %v, want SandboxNotFound", err)
	}
}

func TestObservationsScoredOnCheck(t *testing.T) {
	m := newWatchfulManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "box", testCommand(), "watchful", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "box"); err != nil {
		t.Fatalf("start: %v", err)
	}

	obs := Observation{
		FileOps:     []string{`C:\Users\guest\vmware\tools.log`, "/home/user/notes.txt"},
		NetworkOps:  []string{"connect 10.0.0.1:443"},
		RegistryOps: []string{"HKLM\\Software\\probe"},
	}
	if err := m.Observe("box", obs); err != nil {
		t.Fatalf("observe: %v", err)
	}
	// duplicate observation must not double the findings
	if err := m.Observe("box", obs); err != nil {
		t.Fatalf("observe: %v", err)
	}

	if err := m.CheckSandbox(ctx, "box"); err != nil {
		t.Fatalf("check: %v", err)
	}

	info, _ := m.Get("box")
	if info.LatestUsage == nil {
		t.Fatal("expected a resource sample after check")
	}
	if info.FileOpCount != 4 || info.NetworkOpCount != 2 || info.RegistryOpCount != 2 {
		t.Fatalf("op counts = %d/%d/%d, want 4/2/2",
			info.FileOpCount, info.NetworkOpCount, info.RegistryOpCount)
	}
	if len(info.Findings) != 1 {
		t.Fatalf("findings = %v, want exactly one deduplicated vmware finding", info.Findings)
	}
	antiDetection := 0
	for _, ev := range info.SecurityEvents {
		if ev.Kind == "anti_detection" {
			antiDetection++
		}
	}
	if antiDetection != 1 {
		t.Fatalf("anti_detection events = %d, want one despite duplicate observations", antiDetection)
	}
}

func TestSuspiciousWindowEmitsAlert(t *testing.T) {
	m := newWatchfulManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "box", testCommand(), "watchful", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "box"); err != nil {
		t.Fatalf("start: %v", err)
	}

	ch, cancel := m.Events().Subscribe()
	defer cancel()

	err := m.Observe("box", Observation{Window: &Signal{
		Title:       "You have won a free prize",
		ProcessName: "adware.exe",
	}})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := m.CheckSandbox(ctx, "box"); err != nil {
		t.Fatalf("check: %v", err)
	}

	var sawAlert bool
	for done := false; !done; {
		select {
		case ev := <-ch:
			if ev.Kind == event.SecurityAlert {
				sawAlert = true
			}
		default:
			done = true
		}
	}
	if !sawAlert {
		t.Fatal("expected a security alert event for the suspicious window")
	}
	info, _ := m.Get("box")
	if len(info.SecurityEvents) == 0 {
		t.Fatal("expected a suspicious_window security event on the record")
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := m.Create(ctx, id, testCommand(), "medium", ""); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if err := m.Start(ctx, id); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	m.Shutdown(ctx)

	for _, id := range []string{"a", "b"} {
		info, err := m.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if info.State != StateStopped {
			t.Fatalf("%s state = %q after shutdown, want stopped", id, info.State)
		}
	}
	if _, err := m.Create(ctx, "late", testCommand(), "medium", ""); !appErr.Is(err, appErr.ManagerShutDown) {
		t.Fatalf("create after shutdown = %v, want ManagerShutDown", err)
	}
}

func TestStopEmitsSummaryEvents(t *testing.T) {
	m := newWatchfulManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "box", testCommand(), "watchful", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, "box"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Observe("box", Observation{FileOps: []string{"/proc/vbox/version"}}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := m.CheckSandbox(ctx, "box"); err != nil {
		t.Fatalf("check: %v", err)
	}

	ch, cancel := m.Events().Subscribe()
	defer cancel()

	if err := m.Stop(ctx, "box"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	var sawStop, sawSummary bool
	for done := false; !done; {
		select {
		case ev := <-ch:
			switch ev.Kind {
			case event.Stopped:
				sawStop = true
			case event.SecurityAlert:
				sawSummary = true
			}
		default:
			done = true
		}
	}
	if !sawStop {
		t.Fatal("expected a stopped event")
	}
	if !sawSummary {
		t.Fatal("expected an anti-detection summary for a strict profile")
	}

	// The summaries belong to the record's history too, not just the feed.
	info, _ := m.Get("box")
	var sawFindingsSummary, sawActivitySummary bool
	for _, ev := range info.SecurityEvents {
		switch ev.Kind {
		case "anti_detection_summary":
			sawFindingsSummary = true
		case "sandbox_summary":
			sawActivitySummary = true
		}
	}
	if !sawFindingsSummary {
		t.Fatal("anti_detection_summary missing from the record's security events")
	}
	if !sawActivitySummary {
		t.Fatal("sandbox_summary missing from the record's security events")
	}
}
