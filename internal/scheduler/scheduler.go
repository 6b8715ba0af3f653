// Package scheduler runs background jobs on a fixed interval until the
// context is cancelled.
package scheduler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Every waits initialDelay, runs fn, then runs it again every interval. A run
// is never started while the previous one is still going. Errors are logged.
func Every(ctx context.Context, initialDelay, interval time.Duration, name string, fn Job) {
	entry := log.WithField("job", name)
	if !sleep(ctx, initialDelay) {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		run(ctx, entry, fn)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		if ctx.Err() != nil {
			entry.Info("scheduler stopped")
			return
		}
	}
}

func run(ctx context.Context, entry *log.Entry, fn Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			entry.WithField("panic", r).Error("scheduled job panicked")
		}
	}()
	if err := fn(ctx); err != nil {
		entry.WithError(err).Error("scheduled job failed")
		return
	}
	entry.WithField("took", time.Since(start).String()).Debug("scheduled job done")
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
