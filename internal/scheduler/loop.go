package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"tokenguard/internal/logger"
)

// Loop runs a task every Interval until the context ends. A panicking task is
// logged and the loop keeps going.
type Loop struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool

	after func(time.Duration) <-chan time.Time
}

func NewLoop(name string, interval time.Duration) *Loop {
	return &Loop{Name: name, Interval: interval, after: time.After}
}

func (l *Loop) Run(ctx context.Context, task func(ctx context.Context)) error {
	if task == nil {
		return fmt.Errorf("scheduler %s: task is nil", l.Name)
	}
	if l.Interval <= 0 {
		return fmt.Errorf("scheduler %s: invalid interval=%s", l.Name, l.Interval)
	}
	after := l.after
	if after == nil {
		after = time.After
	}
	logger.Debugf("scheduler %s: started interval=%s run_immediately=%v", l.Name, l.Interval, l.RunImmediately)
	if l.RunImmediately {
		l.safeRun(ctx, task)
	}
	for {
		select {
		case <-ctx.Done():
			logger.Debugf("scheduler %s: ctx done, exit", l.Name)
			return ctx.Err()
		case <-after(l.Interval):
		}
		l.safeRun(ctx, task)
	}
}

func (l *Loop) safeRun(ctx context.Context, task func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("scheduler %s: task panic: %v\n%s", l.Name, r, debug.Stack())
		}
	}()
	task(ctx)
}

// SleepContext waits d or until ctx ends. It reports whether the full wait elapsed.
func SleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
