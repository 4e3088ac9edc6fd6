package canvas

import (
	"context"
	"errors"
	"time"

	"github.com/sharedcanvas/project/internal/contracts"
	"github.com/sharedcanvas/project/internal/store"
)

var ErrInvalidShape = errors.New("invalid shape type")

// AddObject stamps and stores a new object and returns its id, or "" when
// nothing was written. The pre-mutation canvas is saved to history first.
// The object reaches the cache through the store subscription, not by a
// local insert.
func (e *Engine) AddObject(ctx context.Context, partial contracts.CanvasObject) string {
	ids := e.AddObjects(ctx, []contracts.CanvasObject{partial})
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// AddObjects adds several objects as one history step.
func (e *Engine) AddObjects(ctx context.Context, partials []contracts.CanvasObject) []string {
	if !e.authenticated("add") || len(partials) == 0 {
		return nil
	}

	objects := make([]contracts.CanvasObject, 0, len(partials))
	for _, partial := range partials {
		obj, err := e.prepareObject(partial)
		if err != nil {
			e.logger.Warn().Err(err).Str("type", string(partial.Type)).Msg("rejecting object")
			continue
		}
		objects = append(objects, obj)
	}
	if len(objects) == 0 {
		return nil
	}

	e.cancelPendingSave()
	e.saveNow(ctx)

	writeCtx := e.writeContext(ctx)
	ids := make([]string, 0, len(objects))
	for _, obj := range objects {
		if err := e.objects.Put(writeCtx, e.cfg.CanvasID, obj); err != nil {
			e.logger.Error().Err(err).Str("object", obj.ID).Msg("store put failed")
			continue
		}
		ids = append(ids, obj.ID)
	}
	if len(ids) > 0 {
		e.scheduleSave(e.cfg.CommitDelay)
	}
	return ids
}

func (e *Engine) prepareObject(partial contracts.CanvasObject) (contracts.CanvasObject, error) {
	if !contracts.IsValidShapeType(partial.Type) {
		return contracts.CanvasObject{}, ErrInvalidShape
	}
	obj := partial.Clone()
	if obj.ID == "" {
		obj.ID = e.NewID()
	}
	now := e.nowMillis()
	obj.CreatedBy = e.cfg.UserID
	obj.CreatedAt = now
	obj.LastModified = now
	e.mu.Lock()
	e.insertSeq++
	obj.Seq = e.insertSeq
	e.mu.Unlock()
	return obj, nil
}

// UpdateObject applies patch to the cache right away, merges it into the
// store in the background and debounces the history save.
func (e *Engine) UpdateObject(id string, patch contracts.ObjectPatch) {
	e.updateObject("update", id, patch, e.cfg.Debounce)
}

// CommitObject is UpdateObject for the end of a discrete gesture such as a
// drag or transform: the history save follows after the shorter commit
// delay.
func (e *Engine) CommitObject(id string, patch contracts.ObjectPatch) {
	e.updateObject("commit", id, patch, e.cfg.CommitDelay)
}

func (e *Engine) updateObject(op, id string, patch contracts.ObjectPatch, delay time.Duration) {
	if !e.authenticated(op) {
		return
	}
	patch = patch.WithLastModified(e.nowMillis())

	var (
		write         contracts.ObjectPatch
		transitioning bool
	)
	found := e.changeCache(func(c *Cache) bool {
		transitioning = e.transitioning
		write = e.liveDirty[id].Merge(patch)
		delete(e.liveDirty, id)
		return c.Apply(id, patch)
	})
	if !found {
		e.logger.Debug().Str("object", id).Msg("updating object missing from cache")
	}

	e.goBackground("merge", id, func(ctx context.Context) error {
		err := e.objects.Merge(ctx, e.cfg.CanvasID, id, write)
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Warn().Str("object", id).Msg("merge target no longer exists")
			return nil
		}
		return err
	})

	if !transitioning {
		e.scheduleSave(delay)
	}
}

// UpdateObjectLive changes only the cache. The accumulated fields are
// written by the next UpdateObject or CommitObject for the same id.
func (e *Engine) UpdateObjectLive(id string, patch contracts.ObjectPatch) {
	if !e.authenticated("live") || patch.IsEmpty() {
		return
	}
	e.changeCache(func(c *Cache) bool {
		if !c.Apply(id, patch) {
			return false
		}
		e.liveDirty[id] = e.liveDirty[id].Merge(patch)
		return true
	})
}

// DeleteObject saves history first so the preceding entry still holds the
// object, then deletes it from the store.
func (e *Engine) DeleteObject(ctx context.Context, id string) {
	e.DeleteObjects(ctx, []string{id})
}

func (e *Engine) DeleteObjects(ctx context.Context, ids []string) {
	if !e.authenticated("delete") || len(ids) == 0 {
		return
	}

	e.cancelPendingSave()
	e.saveNow(ctx)

	writeCtx := e.writeContext(ctx)
	deleted := 0
	for _, id := range ids {
		e.mu.Lock()
		delete(e.liveDirty, id)
		e.mu.Unlock()

		if err := e.objects.Delete(writeCtx, e.cfg.CanvasID, id); err != nil {
			e.logger.Error().Err(err).Str("object", id).Msg("store delete failed")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		e.scheduleSave(e.cfg.CommitDelay)
	}
}
