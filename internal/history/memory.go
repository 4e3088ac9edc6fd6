package history

import (
	"context"
	"sync"

	"github.com/sharedcanvas/project/internal/contracts"
)

type MemoryLog struct {
	mu       sync.Mutex
	canvases map[string]State
	events   *notifier
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{canvases: map[string]State{}, events: newNotifier()}
}

func (l *MemoryLog) Read(ctx context.Context, canvasID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.canvases[canvasID]
	if !ok {
		return Empty(), nil
	}
	return state.Clone(), nil
}

func (l *MemoryLog) Write(ctx context.Context, canvasID string, state State) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	current, ok := l.canvases[canvasID]
	if !ok {
		current = Empty()
	}
	if current.Version != state.Version {
		l.mu.Unlock()
		return 0, ErrVersionConflict
	}
	next := state.Clone()
	next.Version = current.Version + 1
	l.canvases[canvasID] = next
	l.mu.Unlock()

	l.events.publish(next.Event(canvasID))
	return next.Version, nil
}

func (l *MemoryLog) WriteIndex(ctx context.Context, canvasID string, index int, version int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	current, ok := l.canvases[canvasID]
	if !ok {
		current = Empty()
	}
	if current.Version != version {
		l.mu.Unlock()
		return 0, ErrVersionConflict
	}
	if index < 0 || index >= len(current.Snapshots) {
		l.mu.Unlock()
		return 0, ErrIndexOutOfRange
	}
	current.Index = index
	current.Version++
	l.canvases[canvasID] = current
	event := current.Event(canvasID)
	l.mu.Unlock()

	l.events.publish(event)
	return event.Version, nil
}

func (l *MemoryLog) Subscribe(canvasID string, onChange func(contracts.HistoryEvent)) (func(), error) {
	return l.events.subscribe(canvasID, onChange), nil
}
