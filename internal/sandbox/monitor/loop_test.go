package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"boxguard/internal/sandbox/event"

	appErr "boxguard/pkg/errors"
)

type fakeTarget struct {
	mu      sync.Mutex
	ids     []string
	failing map[string]bool
	checked map[string]int
}

func (f *fakeTarget) RunningSandboxes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func (f *fakeTarget) CheckSandbox(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checked == nil {
		f.checked = make(map[string]int)
	}
	f.checked[id]++
	if f.failing[id] {
		return appErr.New(appErr.MonitoringQueryError)
	}
	return nil
}

func (f *fakeTarget) checks(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checked[id]
}

func newTestSystem() *SystemMonitor {
	probe := &fakeProbe{cpu: []float64{10}, memPct: 40, diskRead: []uint64{0}, netSent: []uint64{0}}
	return NewSystemMonitor(probe, DefaultThresholds(), 10)
}

func TestTickIsolatesSandboxFailures(t *testing.T) {
	target := &fakeTarget{
		ids:     []string{"bad", "good"},
		failing: map[string]bool{"bad": true},
	}
	feed := event.NewFeed()
	defer feed.Close()

	l := NewLoop(time.Hour, target, newTestSystem(), feed)
	l.tick(context.Background())

	if target.checks("bad") != 1 {
		t.Fatalf("bad checked %d times, want 1", target.checks("bad"))
	}
	if target.checks("good") != 1 {
		t.Fatalf("good checked %d times, want 1: failure must not stop the tick", target.checks("good"))
	}
}

func TestTickPublishesPerformanceEvents(t *testing.T) {
	target := &fakeTarget{ids: []string{"a"}}
	feed := event.NewFeed()
	defer feed.Close()
	ch, cancel := feed.Subscribe()
	defer cancel()

	l := NewLoop(time.Hour, target, newTestSystem(), feed)
	l.tick(context.Background())

	select {
	case ev := <-ch:
		if ev.Kind != event.PerformanceTick {
			t.Fatalf("event kind = %q, want %q", ev.Kind, event.PerformanceTick)
		}
		sample, ok := ev.Payload.(PerformanceSample)
		if !ok {
			t.Fatalf("payload type %T, want PerformanceSample", ev.Payload)
		}
		if sample.ActiveSandboxCount != 1 {
			t.Fatalf("sandbox count = %d, want 1", sample.ActiveSandboxCount)
		}
	default:
		t.Fatal("expected a performance tick event")
	}
}

func TestTickPublishesResourceWarnings(t *testing.T) {
	target := &fakeTarget{}
	probe := &fakeProbe{cpu: []float64{97}, memPct: 40, diskRead: []uint64{0}, netSent: []uint64{0}}
	system := NewSystemMonitor(probe, DefaultThresholds(), 10)
	feed := event.NewFeed()
	defer feed.Close()
	ch, cancel := feed.Subscribe()
	defer cancel()

	l := NewLoop(time.Hour, target, system, feed)
	l.tick(context.Background())

	var sawWarning bool
	for done := false; !done; {
		select {
		case ev := <-ch:
			if ev.Kind == event.ResourceWarning {
				sawWarning = true
			}
		default:
			done = true
		}
	}
	if !sawWarning {
		t.Fatal("expected a resource warning event for critical cpu")
	}
}

func TestLoopStartStop(t *testing.T) {
	target := &fakeTarget{ids: []string{"a"}}
	feed := event.NewFeed()
	defer feed.Close()

	l := NewLoop(5*time.Millisecond, target, newTestSystem(), feed)
	l.Start()

	deadline := time.After(2 * time.Second)
	for target.checks("a") < 2 {
		select {
		case <-deadline:
			t.Fatal("loop never ticked")
		case <-time.After(5 * time.Millisecond):
		}
	}
	l.Stop()

	after := target.checks("a")
	time.Sleep(30 * time.Millisecond)
	if target.checks("a") != after {
		t.Fatal("loop kept ticking after Stop")
	}
}
