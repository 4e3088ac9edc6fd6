package canvas

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sharedcanvas/project/internal/contracts"
	"github.com/sharedcanvas/project/internal/history"
	"github.com/sharedcanvas/project/internal/platform/metrics"
)

// SaveHistoryNow cancels any pending save and snapshots the cache
// immediately. It reports whether a new history entry was written.
func (e *Engine) SaveHistoryNow(ctx context.Context) bool {
	if !e.authenticated("save_history") {
		return false
	}
	e.cancelPendingSave()
	return e.saveNow(ctx)
}

// saveNow snapshots the current cache into the shared log unless an
// undo/redo is running or has just finished.
func (e *Engine) saveNow(ctx context.Context) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if e.transitioning || e.inGraceLocked(e.Now()) {
		e.mu.Unlock()
		metrics.HistorySaves.WithLabelValues("suppressed").Inc()
		return false
	}
	snapshot := e.cache.Snapshot()
	e.mu.Unlock()

	appended, err := e.appendSnapshot(ctx, snapshot)
	switch {
	case err != nil:
		metrics.HistorySaves.WithLabelValues("error").Inc()
		e.logger.Error().Err(err).Int("objects", len(snapshot)).Msg("history save failed")
		return false
	case !appended:
		metrics.HistorySaves.WithLabelValues("unchanged").Inc()
		return false
	default:
		metrics.HistorySaves.WithLabelValues("appended").Inc()
		return true
	}
}

// appendSnapshot runs the read, compare, truncate, append, write cycle.
// A concurrent writer bumps the version and forces another pass.
func (e *Engine) appendSnapshot(ctx context.Context, snapshot contracts.Snapshot) (bool, error) {
	var (
		appended bool
		event    contracts.HistoryEvent
	)
	operation := func() error {
		state, err := e.history.Read(ctx, e.cfg.CanvasID)
		if err != nil {
			return backoff.Permanent(err)
		}
		next, changed := state.Append(snapshot, e.cfg.MaxEntries)
		if !changed {
			appended = false
			event = state.Event(e.cfg.CanvasID)
			return nil
		}
		version, err := e.history.Write(ctx, e.cfg.CanvasID, next)
		if errors.Is(err, history.ErrVersionConflict) {
			e.logger.Debug().Int64("version", state.Version).Msg("history save raced another writer")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		next.Version = version
		appended = true
		event = next.Event(e.cfg.CanvasID)
		return nil
	}

	if err := backoff.Retry(operation, e.retryPolicy(ctx)); err != nil {
		return false, err
	}
	e.setStatus(event)
	if appended {
		e.logger.Debug().Int("index", event.Index).Int("length", event.Length).Msg("history snapshot saved")
	}
	return appended, nil
}

func (e *Engine) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxConflictRetries)), ctx)
}

// scheduleSave postpones the next snapshot until delay has passed without
// another call. A zero delay saves synchronously.
func (e *Engine) scheduleSave(delay time.Duration) {
	if delay <= 0 {
		e.cancelPendingSave()
		e.saveNow(e.ctx)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduleSaveLocked(delay)
}

func (e *Engine) scheduleSaveLocked(delay time.Duration) {
	if e.closed {
		return
	}
	e.stopTimerLocked()
	e.timerSeq++
	seq := e.timerSeq
	e.saveTimer = time.AfterFunc(delay, func() {
		e.runScheduledSave(seq)
	})
}

func (e *Engine) runScheduledSave(seq uint64) {
	e.mu.Lock()
	if e.closed || seq != e.timerSeq {
		e.mu.Unlock()
		return
	}
	e.saveTimer = nil
	if e.transitioning {
		e.mu.Unlock()
		metrics.HistorySaves.WithLabelValues("suppressed").Inc()
		return
	}
	if now := e.Now(); e.inGraceLocked(now) {
		remaining := e.cfg.EchoGrace - now.Sub(e.lastTransition)
		e.scheduleSaveLocked(remaining)
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	defer e.wg.Done()
	e.saveNow(e.ctx)
}

// cancelPendingSave drops the scheduled save and reports whether one was
// pending.
func (e *Engine) cancelPendingSave() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopTimerLocked()
}

func (e *Engine) stopTimerLocked() bool {
	if e.saveTimer == nil {
		return false
	}
	e.saveTimer.Stop()
	e.saveTimer = nil
	e.timerSeq++
	return true
}
