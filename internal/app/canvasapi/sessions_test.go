package canvasapi

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sharedcanvas/project/internal/canvas"
	"github.com/sharedcanvas/project/internal/contracts"
	"github.com/sharedcanvas/project/internal/history"
	"github.com/sharedcanvas/project/internal/store"
)

func newTestRegistry(idle time.Duration) (*Registry, *store.MemoryStore) {
	objects := store.NewMemoryStore()
	return NewRegistry(objects, history.NewMemoryLog(), canvas.Config{}, idle, zerolog.Nop()), objects
}

func TestRegistry_SharesEngineUntilIdle(t *testing.T) {
	reg, _ := newTestRegistry(20 * time.Millisecond)
	defer reg.Close()
	ctx := context.Background()

	first, releaseFirst, err := reg.Acquire(ctx, "canvas-1", "user-1", true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, releaseSecond, err := reg.Acquire(ctx, "canvas-1", "user-1", true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if first != second {
		t.Fatal("expected the same engine for the same user and canvas")
	}

	other, releaseOther, err := reg.Acquire(ctx, "canvas-1", "user-2", true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if other == first {
		t.Fatal("expected a separate engine per user")
	}
	releaseOther()

	releaseFirst()
	releaseFirst()
	time.Sleep(60 * time.Millisecond)
	if reg.Len() != 1 {
		t.Fatalf("expected only the held session to survive, got %d", reg.Len())
	}

	releaseSecond()
	deadline := time.Now().Add(time.Second)
	for reg.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected idle session to close, still have %d", reg.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if first.AddObject(ctx, contracts.CanvasObject{Type: contracts.ShapeRect}) != "" {
		t.Fatal("expected closed engine to ignore mutations")
	}
}

func TestRegistry_ReacquireCancelsIdleClose(t *testing.T) {
	reg, _ := newTestRegistry(30 * time.Millisecond)
	defer reg.Close()
	ctx := context.Background()

	engine, release, err := reg.Acquire(ctx, "canvas-1", "user-1", true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()

	again, releaseAgain, err := reg.Acquire(ctx, "canvas-1", "user-1", true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer releaseAgain()
	if again != engine {
		t.Fatal("expected idle session to be reused")
	}
	time.Sleep(60 * time.Millisecond)
	if reg.Len() != 1 {
		t.Fatalf("expected session kept while held, got %d", reg.Len())
	}
}

func TestRegistry_ViewerEngineIsReadOnly(t *testing.T) {
	reg, objects := newTestRegistry(0)
	defer reg.Close()
	ctx := context.Background()

	editor, releaseEditor, err := reg.Acquire(ctx, "canvas-1", "user-1", true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer releaseEditor()
	if editor.AddObject(ctx, contracts.CanvasObject{Type: contracts.ShapeRect}) == "" {
		t.Fatal("expected editor add to succeed")
	}

	viewer, releaseViewer, err := reg.Acquire(ctx, "canvas-1", "user-2", false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer releaseViewer()
	if viewer.UserID() != "" {
		t.Fatalf("expected viewer engine without identity, got %q", viewer.UserID())
	}
	if len(viewer.Objects()) != 1 {
		t.Fatalf("expected viewer to see the canvas, got %+v", viewer.Objects())
	}
	if viewer.AddObject(ctx, contracts.CanvasObject{Type: contracts.ShapeRect}) != "" || viewer.Undo(ctx) {
		t.Fatal("expected viewer mutations to be ignored")
	}
	if stored, _ := objects.List(ctx, "canvas-1"); len(stored) != 1 {
		t.Fatalf("expected store untouched by viewer, got %d objects", len(stored))
	}
}

func TestRegistry_ReleaseWithoutIdleClosesImmediately(t *testing.T) {
	reg, _ := newTestRegistry(0)
	_, release, err := reg.Acquire(context.Background(), "canvas-1", "user-1", true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	if reg.Len() != 0 {
		t.Fatalf("expected session closed on release, got %d", reg.Len())
	}

	reg.Close()
	if _, _, err := reg.Acquire(context.Background(), "canvas-1", "user-1", true); err == nil {
		t.Fatal("expected acquire after close to fail")
	}
}
