package canvas

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sharedcanvas/project/internal/contracts"
	"github.com/sharedcanvas/project/internal/history"
	"github.com/sharedcanvas/project/internal/platform/metrics"
	"github.com/sharedcanvas/project/internal/store"
)

type direction int

const (
	undo direction = -1
	redo direction = 1
)

func (d direction) String() string {
	if d == undo {
		return "undo"
	}
	return "redo"
}

// Undo moves the shared cursor back one entry and makes the cache and the
// store match it. It reports whether the cursor moved.
func (e *Engine) Undo(ctx context.Context) bool {
	return e.transition(ctx, undo)
}

// Redo is the mirror of Undo.
func (e *Engine) Redo(ctx context.Context) bool {
	return e.transition(ctx, redo)
}

func (e *Engine) transition(ctx context.Context, dir direction) bool {
	if !e.authenticated(dir.String()) {
		return false
	}
	if e.busy() {
		metrics.Transitions.WithLabelValues(dir.String(), "busy").Inc()
		return false
	}

	// An edit still waiting on its debounce belongs before the move.
	if e.cancelPendingSave() {
		e.saveNow(ctx)
	}

	token, ok := e.beginTransition()
	if !ok {
		metrics.Transitions.WithLabelValues(dir.String(), "busy").Inc()
		return false
	}
	moved := false
	defer func() { e.endTransition(moved) }()

	// Merges still in flight would land on top of the reconciled store.
	e.awaitWrites(ctx)

	target, event, err := e.moveCursor(ctx, dir)
	switch {
	case err != nil:
		metrics.Transitions.WithLabelValues(dir.String(), "error").Inc()
		e.logger.Error().Err(err).Str("direction", dir.String()).Msg("history transition failed")
		return false
	case target == nil:
		metrics.Transitions.WithLabelValues(dir.String(), "noop").Inc()
		e.logger.Debug().Str("direction", dir.String()).Msg("nothing to " + dir.String())
		return false
	}
	moved = true
	e.setStatus(event)

	var previous contracts.Snapshot
	e.changeCache(func(c *Cache) bool {
		previous = c.Snapshot()
		c.Replace(target)
		clear(e.liveDirty)
		return true
	})
	if e.Selection != nil {
		e.Selection.ClearSelection()
	}

	e.reconcile(token, previous, target)
	metrics.Transitions.WithLabelValues(dir.String(), "ok").Inc()
	e.logger.Info().
		Str("direction", dir.String()).
		Int("index", event.Index).
		Int("length", event.Length).
		Msg("history transition applied")
	return true
}

func (e *Engine) busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed || e.transitioning
}

func (e *Engine) beginTransition() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.transitioning {
		return "", false
	}
	e.transitioning = true

	now := e.Now()
	for token, issued := range e.ownTokens {
		if now.Sub(issued) > ownTokenTTL {
			delete(e.ownTokens, token)
		}
	}
	token := e.NewToken()
	e.ownTokens[token] = now
	return token, true
}

// endTransition clears the in-progress flag. The grace window only starts
// after a move that actually happened.
func (e *Engine) endTransition(moved bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transitioning = false
	if moved {
		e.lastTransition = e.Now()
	}
}

// moveCursor steps the shared index one entry in dir with a version-checked
// write. A nil target means the cursor is already at the boundary.
func (e *Engine) moveCursor(ctx context.Context, dir direction) (contracts.Snapshot, contracts.HistoryEvent, error) {
	var (
		target contracts.Snapshot
		event  contracts.HistoryEvent
	)
	operation := func() error {
		target = nil
		state, err := e.history.Read(ctx, e.cfg.CanvasID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if (dir == undo && !state.CanUndo()) || (dir == redo && !state.CanRedo()) {
			return nil
		}
		next := state.Index + int(dir)
		snapshot, err := state.At(next)
		if err != nil {
			return backoff.Permanent(err)
		}
		version, err := e.history.WriteIndex(ctx, e.cfg.CanvasID, next, state.Version)
		if errors.Is(err, history.ErrVersionConflict) {
			e.logger.Debug().Int64("version", state.Version).Msg("history cursor raced another writer")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		target = snapshot
		event = contracts.HistoryEvent{
			CanvasID: e.cfg.CanvasID,
			Index:    next,
			Length:   state.Len(),
			Version:  version,
		}
		return nil
	}
	if err := backoff.Retry(operation, e.retryPolicy(ctx)); err != nil {
		return nil, contracts.HistoryEvent{}, err
	}
	return target, event, nil
}

// reconcile brings the store in line with target: objects only in previous
// are deleted and every target object is overwritten. Failures are logged
// per object and the loop carries on. Writes are tagged with the transition
// token so their echoes are recognised.
func (e *Engine) reconcile(token string, previous, target contracts.Snapshot) {
	ctx, cancel := context.WithTimeout(store.WithOrigin(e.ctx, token), reconcileTimeout)
	defer cancel()

	keep := target.IDs()
	failures := 0
	for _, obj := range previous {
		if _, ok := keep[obj.ID]; ok {
			continue
		}
		err := e.objects.Delete(ctx, e.cfg.CanvasID, obj.ID)
		if errors.Is(err, store.ErrNotFound) {
			err = nil
		}
		metrics.ReconcileOps.WithLabelValues("delete", metrics.Outcome(err)).Inc()
		if err != nil {
			failures++
			e.logger.Error().Err(err).Str("object", obj.ID).Msg("reconcile delete failed")
		}
	}
	for _, obj := range target {
		err := e.objects.Put(ctx, e.cfg.CanvasID, obj)
		metrics.ReconcileOps.WithLabelValues("put", metrics.Outcome(err)).Inc()
		if err != nil {
			failures++
			e.logger.Error().Err(err).Str("object", obj.ID).Msg("reconcile put failed")
		}
	}
	if failures > 0 {
		e.logger.Warn().Int("failures", failures).Msg("store left partially reconciled")
	}
}

const reconcileTimeout = 30 * time.Second
