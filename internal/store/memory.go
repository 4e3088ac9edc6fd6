package store

import (
	"context"
	"sync"

	"github.com/sharedcanvas/project/internal/contracts"
)

// MemoryStore keeps documents in process. Subscribers are notified
// synchronously, in write order, before the writing call returns.
type MemoryStore struct {
	mu          sync.Mutex
	canvases    map[string]map[string]contracts.CanvasObject
	subscribers map[string]map[int]func(Update)
	nextSubID   int

	// deliverMu keeps notifications in write order across goroutines.
	deliverMu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		canvases:    map[string]map[string]contracts.CanvasObject{},
		subscribers: map[string]map[int]func(Update){},
	}
}

func (s *MemoryStore) Put(ctx context.Context, canvasID string, obj contracts.CanvasObject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	objects, ok := s.canvases[canvasID]
	if !ok {
		objects = map[string]contracts.CanvasObject{}
		s.canvases[canvasID] = objects
	}
	objects[obj.ID] = obj.Clone()
	s.mu.Unlock()

	s.notify(canvasID, OriginFrom(ctx))
	return nil
}

func (s *MemoryStore) Merge(ctx context.Context, canvasID, objectID string, patch contracts.ObjectPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	current, ok := s.canvases[canvasID][objectID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.canvases[canvasID][objectID] = patch.Apply(current)
	s.mu.Unlock()

	s.notify(canvasID, OriginFrom(ctx))
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, canvasID, objectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	delete(s.canvases[canvasID], objectID)
	s.mu.Unlock()

	s.notify(canvasID, OriginFrom(ctx))
	return nil
}

func (s *MemoryStore) List(ctx context.Context, canvasID string) (contracts.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(canvasID), nil
}

func (s *MemoryStore) Subscribe(canvasID string, onUpdate func(Update)) (func(), error) {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	if s.subscribers[canvasID] == nil {
		s.subscribers[canvasID] = map[int]func(Update){}
	}
	s.subscribers[canvasID][id] = onUpdate
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers[canvasID], id)
		s.mu.Unlock()
	}, nil
}

func (s *MemoryStore) listLocked(canvasID string) contracts.Snapshot {
	out := make(contracts.Snapshot, 0, len(s.canvases[canvasID]))
	for _, obj := range s.canvases[canvasID] {
		out = append(out, obj.Clone())
	}
	contracts.SortDrawOrder(out)
	return out
}

func (s *MemoryStore) notify(canvasID, origin string) {
	s.mu.Lock()
	objects := s.listLocked(canvasID)
	subs := make([]func(Update), 0, len(s.subscribers[canvasID]))
	for _, fn := range s.subscribers[canvasID] {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(Update{Objects: objects.Clone(), Origins: []string{origin}})
	}
}
