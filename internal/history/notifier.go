package history

import (
	"sync"

	"github.com/sharedcanvas/project/internal/contracts"
)

// notifier fans history events out to in-process subscribers.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(contracts.HistoryEvent)
}

func newNotifier() *notifier {
	return &notifier{subs: map[string]map[int]func(contracts.HistoryEvent){}}
}

func (n *notifier) subscribe(canvasID string, fn func(contracts.HistoryEvent)) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	if n.subs[canvasID] == nil {
		n.subs[canvasID] = map[int]func(contracts.HistoryEvent){}
	}
	n.subs[canvasID][id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs[canvasID], id)
		if len(n.subs[canvasID]) == 0 {
			delete(n.subs, canvasID)
		}
		n.mu.Unlock()
	}
}

func (n *notifier) publish(event contracts.HistoryEvent) {
	n.mu.Lock()
	fns := make([]func(contracts.HistoryEvent), 0, len(n.subs[event.CanvasID]))
	for _, fn := range n.subs[event.CanvasID] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}
