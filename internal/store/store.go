package store

import (
	"context"
	"errors"

	"github.com/sharedcanvas/project/internal/contracts"
)

var ErrNotFound = errors.New("object not found")

// Update is what a realtime subscriber receives: every document currently
// stored for the canvas, plus the origin tags of the writes that produced it.
// Writes made without an origin contribute an empty string.
type Update struct {
	Objects contracts.Snapshot
	Origins []string
}

// ObjectStore is the durable system of record for canvas objects. Writes are
// unconditional; any client may overwrite any document at any time.
type ObjectStore interface {
	Put(ctx context.Context, canvasID string, obj contracts.CanvasObject) error
	Merge(ctx context.Context, canvasID, objectID string, patch contracts.ObjectPatch) error
	Delete(ctx context.Context, canvasID, objectID string) error
	List(ctx context.Context, canvasID string) (contracts.Snapshot, error)
	// Subscribe fires onUpdate after every write by any client, the caller's
	// own writes included.
	Subscribe(canvasID string, onUpdate func(Update)) (func(), error)
}

type originContextKey struct{}

// WithOrigin tags every store write made with ctx, so subscribers can
// recognise echoes of their own writes.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originContextKey{}, origin)
}

func OriginFrom(ctx context.Context) string {
	origin, _ := ctx.Value(originContextKey{}).(string)
	return origin
}
