package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sharedcanvas/project/internal/contracts"
)

func snap(ids ...string) contracts.Snapshot {
	s := contracts.Snapshot{}
	for _, id := range ids {
		s = append(s, contracts.CanvasObject{ID: id, Type: contracts.ShapeRect})
	}
	return s
}

func TestAppend_SkipsEqualHead(t *testing.T) {
	state, appended := Empty().Append(snap("a"), 0)
	if !appended || state.Index != 0 || state.Len() != 1 {
		t.Fatalf("unexpected first append: appended=%v state=%+v", appended, state)
	}

	again, appended := state.Append(snap("a"), 0)
	if appended {
		t.Fatal("expected equal snapshot to be skipped")
	}
	if again.Index != 0 || again.Len() != 1 {
		t.Fatalf("skip changed state: %+v", again)
	}
}

func TestAppend_TruncatesRedoBranch(t *testing.T) {
	state := State{Snapshots: []contracts.Snapshot{snap(), snap("a"), snap("a", "b")}, Index: 1, Version: 4}

	next, appended := state.Append(snap("a", "c"), 0)
	if !appended {
		t.Fatal("expected append")
	}
	if next.Len() != 3 || next.Index != 2 {
		t.Fatalf("unexpected shape: len=%d index=%d", next.Len(), next.Index)
	}
	if !next.Snapshots[2].Equal(snap("a", "c")) {
		t.Fatalf("unexpected head: %+v", next.Snapshots[2])
	}
	if next.CanRedo() {
		t.Fatal("redo must not be possible after truncation")
	}
	if next.Version != 4 {
		t.Fatalf("append must keep the read version for the conditional write, got %d", next.Version)
	}
}

func TestAppend_BoundsEntries(t *testing.T) {
	state := Empty()
	for _, id := range []string{"a", "b", "c", "d"} {
		state, _ = state.Append(snap(id), 3)
	}
	if state.Len() != 3 || state.Index != 2 {
		t.Fatalf("unexpected bounded state: len=%d index=%d", state.Len(), state.Index)
	}
	if state.Snapshots[0][0].ID != "b" {
		t.Fatalf("expected oldest entry dropped, head of log is %s", state.Snapshots[0][0].ID)
	}
}

func TestState_UndoRedoFlags(t *testing.T) {
	state := State{Snapshots: []contracts.Snapshot{snap(), snap("a")}, Index: 0}
	if state.CanUndo() || !state.CanRedo() {
		t.Fatalf("unexpected flags at index 0: undo=%v redo=%v", state.CanUndo(), state.CanRedo())
	}
	state.Index = 1
	if !state.CanUndo() || state.CanRedo() {
		t.Fatalf("unexpected flags at last index: undo=%v redo=%v", state.CanUndo(), state.CanRedo())
	}
	if Empty().CanUndo() || Empty().CanRedo() {
		t.Fatal("empty history cannot move")
	}
}

func exerciseLog(t *testing.T, log Log) {
	t.Helper()
	ctx := context.Background()

	var events []contracts.HistoryEvent
	unsubscribe, err := log.Subscribe("c1", func(e contracts.HistoryEvent) { events = append(events, e) })
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsubscribe()

	state, err := log.Read(ctx, "c1")
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if state.Index != -1 || state.Len() != 0 || state.Version != 0 {
		t.Fatalf("unexpected empty state: %+v", state)
	}

	next, _ := state.Append(snap(), 0)
	next, _ = next.Append(snap("a"), 0)
	version, err := log.Write(ctx, "c1", next)
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}

	if _, err := log.Write(ctx, "c1", next); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on stale write, got %v", err)
	}

	version, err = log.WriteIndex(ctx, "c1", 0, version)
	if err != nil {
		t.Fatalf("WriteIndex error: %v", err)
	}
	if _, err := log.WriteIndex(ctx, "c1", 5, version); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}

	stored, err := log.Read(ctx, "c1")
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if stored.Index != 0 || stored.Len() != 2 || stored.Version != 2 {
		t.Fatalf("unexpected stored state: index=%d len=%d version=%d", stored.Index, stored.Len(), stored.Version)
	}
	if !stored.Snapshots[1].Equal(snap("a")) {
		t.Fatalf("unexpected stored snapshot: %+v", stored.Snapshots[1])
	}

	if len(events) != 2 || events[1].Index != 0 || events[1].Length != 2 || events[1].Version != 2 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestMemoryLog(t *testing.T) {
	exerciseLog(t, NewMemoryLog())
}

func TestBoltLog(t *testing.T) {
	log, err := OpenBoltLog(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenBoltLog error: %v", err)
	}
	defer log.Close()
	exerciseLog(t, log)
}

func TestMemoryLog_ReadReturnsCopy(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	state, _ := Empty().Append(snap("a"), 0)
	if _, err := log.Write(ctx, "c1", state); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	read, _ := log.Read(ctx, "c1")
	read.Snapshots[0][0].Fill = "mutated"

	again, _ := log.Read(ctx, "c1")
	if again.Snapshots[0][0].Fill != "" {
		t.Fatal("snapshots must be immutable once appended")
	}
}

func TestDecodeRedisState_Missing(t *testing.T) {
	state, err := decodeRedisState([]any{nil, nil, nil})
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if state.Index != -1 || state.Len() != 0 || state.Version != 0 {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestDecodeRedisState_Values(t *testing.T) {
	state, err := decodeRedisState([]any{`[[],[{"id":"a","type":"rect","x":0,"y":0,"rotation":0,"zIndex":0,"createdBy":"","createdAt":0,"lastModified":0}]]`, "1", "7"})
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if state.Index != 1 || state.Len() != 2 || state.Version != 7 {
		t.Fatalf("unexpected state: %+v", state)
	}
}
