package monitor

import (
	"context"
	"time"

	"boxguard/internal/sandbox/event"
	"boxguard/pkg/utils/logger"

	"github.com/zeromicro/go-zero/core/threading"
	"go.uber.org/zap"
)

// Target is the set of registry operations the loop drives each tick.
// The loop never mutates lifecycle state through it, only observes.
type Target interface {
	// RunningSandboxes returns the ids currently worth monitoring.
	RunningSandboxes() []string
	// CheckSandbox refreshes one sandbox's resource sample and drains its
	// behavior observations. Errors are per-sandbox and do not stop the tick.
	CheckSandbox(ctx context.Context, id string) error
}

// Loop drives periodic monitoring from a single goroutine: per-sandbox
// checks first, then one system-wide sample, then event emission.
type Loop struct {
	interval time.Duration
	target   Target
	system   *SystemMonitor
	feed     *event.Feed

	stop chan struct{}
	done chan struct{}
}

// NewLoop wires a monitor loop. interval <= 0 defaults to 500ms.
func NewLoop(interval time.Duration, target Target, system *SystemMonitor, feed *event.Feed) *Loop {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Loop{
		interval: interval,
		target:   target,
		system:   system,
		feed:     feed,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop goroutine.
func (l *Loop) Start() {
	threading.GoSafe(l.run)
}

// Stop signals the loop and waits for the in-flight tick to finish.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.tick(context.Background())
		}
	}
}

// tick performs one monitoring pass. A failure on one sandbox is logged
// and never blocks the remaining sandboxes or the system sample.
func (l *Loop) tick(ctx context.Context) {
	ids := l.target.RunningSandboxes()
	for _, id := range ids {
		if err := l.target.CheckSandbox(ctx, id); err != nil {
			logger.Warn(ctx, "sandbox check failed",
				zap.String("sandbox_id", id), zap.Error(err))
		}
	}

	sample, warnings, err := l.system.Sample(ctx, len(ids))
	if err != nil {
		logger.Warn(ctx, "system sample failed", zap.Error(err))
		return
	}

	for _, w := range warnings {
		logger.Warn(ctx, "resource threshold crossed",
			zap.String("metric", w.Metric),
			zap.String("severity", string(w.Severity)),
			zap.String("detail", w.Message))
		l.feed.Publish(event.New(event.ResourceWarning, "", w.Message, map[string]any{
			"metric":   w.Metric,
			"severity": string(w.Severity),
		}))
	}

	l.feed.Publish(event.New(event.PerformanceTick, "", "performance sample", sample))
}
