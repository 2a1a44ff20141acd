package certmgr

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Run drives the rotation schedule and the on-disk material watch until ctx
// is done. Rotation failures are logged and retried at the next occurrence;
// the previous material keeps serving.
func (m *Manager) Run(ctx context.Context) {
	watcher := m.startWatcher(ctx)
	if watcher != nil {
		defer watcher.Close()
	}

	for {
		next := nextRotation(m.now(), m.cfg.RotateDay)
		timer := time.NewTimer(next.Sub(m.now()))
		m.log.Debug("next certificate rotation scheduled", "at", next.Format(time.RFC3339))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := m.Rotate(); err != nil {
				m.log.Error("scheduled certificate rotation failed", "err", err)
			}
		}
	}
}

// startWatcher watches the certificate directory so material replaced on
// disk (by an operator or another process) is hot-loaded. Watch setup
// failure is non-fatal; scheduled rotation still runs.
func (m *Manager) startWatcher(ctx context.Context) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("certificate watcher unavailable", "err", err)
		return nil
	}
	if err := watcher.Add(m.cfg.Dir); err != nil {
		m.log.Warn("certificate directory not watchable", "dir", m.cfg.Dir, "err", err)
		_ = watcher.Close()
		return nil
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				if base := filepath.Base(event.Name); base != certFileName && base != keyFileName {
					continue
				}
				if err := m.Reload(); err != nil {
					m.log.Debug("certificate reload skipped", "err", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.Warn("certificate watcher error", "err", err)
			}
		}
	}()
	return watcher
}

// nextRotation returns the next occurrence of the configured day-of-month
// at local midnight, strictly after now. Days beyond a month's length clamp
// to its last day (31 in April fires on the 30th, in February on the
// 28th/29th).
func nextRotation(now time.Time, day int) time.Time {
	if day < 1 {
		day = 1
	}
	year, month, _ := now.Date()
	loc := now.Location()
	for i := 0; ; i++ {
		candidate := time.Date(year, month+time.Month(i), clampDay(year, month+time.Month(i), day), 0, 0, 0, 0, loc)
		if candidate.After(now) {
			return candidate
		}
	}
}

// clampDay limits day to the number of days in the (possibly unnormalized)
// year/month pair.
func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}
