package history

import (
	"context"
	"errors"

	"github.com/sharedcanvas/project/internal/contracts"
)

var (
	ErrVersionConflict = errors.New("history version conflict")
	ErrIndexOutOfRange = errors.New("history index out of range")
)

// State is the shared timeline of one canvas: every snapshot ever saved
// (minus truncated redo branches) and the cursor all clients agree on.
// Index is -1 while the timeline is empty. Version increases by one on
// every successful write and guards read-modify-write cycles.
type State struct {
	Snapshots []contracts.Snapshot `json:"snapshots"`
	Index     int                  `json:"index"`
	Version   int64                `json:"version"`
}

func Empty() State {
	return State{Snapshots: []contracts.Snapshot{}, Index: -1}
}

func (s State) Len() int { return len(s.Snapshots) }

func (s State) CanUndo() bool { return s.Index > 0 }

func (s State) CanRedo() bool { return s.Index >= 0 && s.Index < len(s.Snapshots)-1 }

// Current returns the snapshot the cursor points at.
func (s State) Current() (contracts.Snapshot, bool) {
	if s.Index < 0 || s.Index >= len(s.Snapshots) {
		return nil, false
	}
	return s.Snapshots[s.Index], true
}

// At returns a copy of the snapshot at i.
func (s State) At(i int) (contracts.Snapshot, error) {
	if i < 0 || i >= len(s.Snapshots) {
		return nil, ErrIndexOutOfRange
	}
	return s.Snapshots[i].Clone(), nil
}

func (s State) Clone() State {
	out := State{Index: s.Index, Version: s.Version, Snapshots: make([]contracts.Snapshot, len(s.Snapshots))}
	for i, snap := range s.Snapshots {
		out.Snapshots[i] = snap.Clone()
	}
	return out
}

func (s State) Event(canvasID string) contracts.HistoryEvent {
	return contracts.HistoryEvent{CanvasID: canvasID, Index: s.Index, Length: len(s.Snapshots), Version: s.Version}
}

// Append records snap as the new head. A snap deep-equal to the current head
// is a no-op. Otherwise every entry after the cursor is discarded, so redo of
// those states is no longer possible. With maxEntries > 0 the oldest entries
// are dropped to stay within the bound.
func (s State) Append(snap contracts.Snapshot, maxEntries int) (State, bool) {
	if current, ok := s.Current(); ok && current.Equal(snap) {
		return s, false
	}

	keep := s.Index + 1
	if keep < 0 {
		keep = 0
	}
	if keep > len(s.Snapshots) {
		keep = len(s.Snapshots)
	}
	next := State{Version: s.Version, Snapshots: make([]contracts.Snapshot, 0, keep+1)}
	next.Snapshots = append(next.Snapshots, s.Snapshots[:keep]...)
	next.Snapshots = append(next.Snapshots, snap.Clone())

	if maxEntries > 0 && len(next.Snapshots) > maxEntries {
		next.Snapshots = next.Snapshots[len(next.Snapshots)-maxEntries:]
	}
	next.Index = len(next.Snapshots) - 1
	return next, true
}

// Log is the shared, replicated history store. Writes are conditional on
// the version the caller read; a stale version fails with
// ErrVersionConflict and leaves the log untouched.
type Log interface {
	Read(ctx context.Context, canvasID string) (State, error)
	// Write replaces snapshots and index, returning the new version.
	Write(ctx context.Context, canvasID string, state State) (int64, error)
	// WriteIndex moves only the cursor, returning the new version.
	WriteIndex(ctx context.Context, canvasID string, index int, version int64) (int64, error)
	Subscribe(canvasID string, onChange func(contracts.HistoryEvent)) (func(), error)
}
