package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/jdziat/simple-grid/pkg/protocol"
)

// SweepEnvelopes removes envelope files in dir last modified before
// now-maxAge. It returns how many files were removed.
func SweepEnvelopes(dir string, maxAge time.Duration, now time.Time) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, protocol.EnvelopePattern))
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-maxAge)
	removed := 0
	var errs []error
	for _, path := range matches {
		info, err := os.Lstat(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if !info.Mode().IsRegular() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (w *Worker) runJanitor(ctx context.Context) {
	defer w.wg.Done()

	for {
		wait := time.Until(w.config.JanitorSchedule.Next(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		w.sweep(ctx)
	}
}

func (w *Worker) sweep(ctx context.Context) {
	dir := w.config.Executor.EnvelopeDir
	n, err := SweepEnvelopes(dir, w.config.JanitorMaxAge, time.Now())
	if err != nil {
		w.logger.Warn("envelope sweep incomplete", "dir", dir, "error", err)
	}
	if n > 0 {
		w.logger.Info("removed orphaned envelopes", "dir", dir, "count", n)
	}

	if w.config.StaleLockAge <= 0 {
		return
	}
	released, err := w.queue.Storage().ReleaseStaleLocks(ctx, w.config.StaleLockAge)
	if err != nil {
		w.logger.Warn("failed to release stale job locks", "error", err)
		return
	}
	if released > 0 {
		w.logger.Info("released stale job locks", "count", released)
	}
}
