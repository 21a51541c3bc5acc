//go:build linux

package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"boxguard/internal/sandbox/profile"
)

func TestCgroupFileParsing(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name  string
		setup func(t *testing.T)
		run   func(t *testing.T)
	}{
		{
			name: "cpu_stat_usage",
			setup: func(t *testing.T) {
				content := "usage_usec 2500000\nuser_usec 2000000\nsystem_usec 500000\n"
				if err := os.WriteFile(filepath.Join(dir, "cpu.stat"), []byte(content), 0644); err != nil {
					t.Fatalf("write cpu.stat: %v", err)
				}
			},
			run: func(t *testing.T) {
				ms, err := groupCPUTimeMs(dir)
				if err != nil {
					t.Fatalf("parse cpu.stat: %v", err)
				}
				if ms != 2500 {
					t.Fatalf("cpu time = %dms, want 2500", ms)
				}
			},
		},
		{
			name: "oom_kill_detected",
			setup: func(t *testing.T) {
				content := "low 0\nhigh 3\nmax 12\noom 1\noom_kill 1\n"
				if err := os.WriteFile(filepath.Join(dir, "memory.events"), []byte(content), 0644); err != nil {
					t.Fatalf("write memory.events: %v", err)
				}
			},
			run: func(t *testing.T) {
				if !wasOomKilled(dir) {
					t.Fatal("oom_kill 1 not detected")
				}
			},
		},
		{
			name: "no_oom_without_events_file",
			setup: func(t *testing.T) {
				_ = os.Remove(filepath.Join(dir, "memory.events"))
			},
			run: func(t *testing.T) {
				if wasOomKilled(dir) {
					t.Fatal("oom reported without memory.events")
				}
			},
		},
		{
			name: "memory_current",
			setup: func(t *testing.T) {
				if err := os.WriteFile(filepath.Join(dir, "memory.current"), []byte("104857600\n"), 0644); err != nil {
					t.Fatalf("write memory.current: %v", err)
				}
			},
			run: func(t *testing.T) {
				val, err := readGroupInt(dir, "memory.current")
				if err != nil {
					t.Fatalf("read memory.current: %v", err)
				}
				if val != 104857600 {
					t.Fatalf("memory.current = %d, want 104857600", val)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setup(t)
			tc.run(t)
		})
	}
}

func TestCPUWeightMapping(t *testing.T) {
	if w := cpuWeight(profile.PriorityIdle); w != 1 {
		t.Fatalf("idle weight = %d, want 1", w)
	}
	if w := cpuWeight(profile.PriorityBelowNormal); w != 50 {
		t.Fatalf("below normal weight = %d, want 50", w)
	}
	if w := cpuWeight(profile.PriorityNormal); w != 100 {
		t.Fatalf("normal weight = %d, want 100", w)
	}
}

func TestLinuxEngineLifecycle(t *testing.T) {
	if !cgroupAvailable() || os.Geteuid() != 0 {
		t.Skip("requires root and a cgroup v2 hierarchy")
	}

	root := filepath.Join("/sys/fs/cgroup", "boxguard-test")
	t.Cleanup(func() { _ = os.Remove(root) })

	eng, err := NewEngine(Config{CgroupRoot: root, StopTimeoutMs: 2000})
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}

	p, ok := profile.NewStore().Resolve("medium")
	if !ok {
		t.Fatal("medium profile missing")
	}
	g, err := eng.Start(context.Background(), StartRequest{
		SandboxID: "it",
		Command:   []string{"/bin/sleep", "30"},
		Profile:   p,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer g.Close()

	if g.Isolation() != IsolationCgroup {
		t.Fatalf("isolation = %v, want cgroup", g.Isolation())
	}

	usage, err := g.Usage()
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.ProcessCount < 1 {
		t.Fatalf("process count = %d, want >= 1", usage.ProcessCount)
	}

	if err := g.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := g.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Terminate(ctx); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
