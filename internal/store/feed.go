package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sharedcanvas/project/internal/contracts"
	"github.com/sharedcanvas/project/internal/sharding"
)

const defaultRefreshDebounce = 50 * time.Millisecond

// EventSource delivers raw object events for a subject.
type EventSource interface {
	Subscribe(subject string, handler func(payload []byte)) (func() error, error)
}

type Lister interface {
	List(ctx context.Context, canvasID string) (contracts.Snapshot, error)
}

// FeedRegistry shares one event subscription per canvas among all local
// subscribers and turns bursts of object events into one full re-read.
type FeedRegistry struct {
	source   EventSource
	lister   Lister
	logger   zerolog.Logger
	Debounce time.Duration

	mu       sync.Mutex
	byCanvas map[string]*canvasFeed
}

type canvasFeed struct {
	canvasID string
	registry *FeedRegistry

	mu             sync.Mutex
	unsubscribe    func() error
	subscribers    map[uint64]func(Update)
	nextID         uint64
	pendingOrigins []string
	refreshTimer   *time.Timer

	// refreshMu keeps refreshes from overlapping, so updates reach
	// subscribers in the order they were read.
	refreshMu sync.Mutex
}

func NewFeedRegistry(source EventSource, lister Lister, logger zerolog.Logger) *FeedRegistry {
	return &FeedRegistry{
		source:   source,
		lister:   lister,
		logger:   logger,
		Debounce: defaultRefreshDebounce,
		byCanvas: map[string]*canvasFeed{},
	}
}

func (r *FeedRegistry) Subscribe(canvasID string, onUpdate func(Update)) (func(), error) {
	r.mu.Lock()
	feed, ok := r.byCanvas[canvasID]
	if !ok {
		feed = &canvasFeed{
			canvasID:    canvasID,
			registry:    r,
			subscribers: map[uint64]func(Update){},
		}
		r.byCanvas[canvasID] = feed
	}
	r.mu.Unlock()

	subID, err := feed.addSubscriber(onUpdate)
	if err != nil {
		return nil, err
	}

	return func() {
		if !feed.removeSubscriber(subID) {
			return
		}
		r.mu.Lock()
		if current, ok := r.byCanvas[canvasID]; ok && current == feed {
			delete(r.byCanvas, canvasID)
		}
		r.mu.Unlock()
	}, nil
}

func (f *canvasFeed) addSubscriber(onUpdate func(Update)) (uint64, error) {
	f.mu.Lock()
	f.nextID++
	subID := f.nextID
	f.subscribers[subID] = onUpdate
	f.mu.Unlock()

	if err := f.ensureSubscription(); err != nil {
		f.mu.Lock()
		delete(f.subscribers, subID)
		f.mu.Unlock()
		return 0, err
	}
	return subID, nil
}

func (f *canvasFeed) removeSubscriber(subID uint64) bool {
	var (
		unsubscribe func() error
		timer       *time.Timer
	)

	f.mu.Lock()
	delete(f.subscribers, subID)
	empty := len(f.subscribers) == 0
	if empty {
		unsubscribe = f.unsubscribe
		timer = f.refreshTimer
		f.unsubscribe = nil
		f.refreshTimer = nil
		f.pendingOrigins = nil
	}
	f.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if unsubscribe != nil {
		if err := unsubscribe(); err != nil {
			f.registry.logger.Warn().Err(err).Str("canvas", f.canvasID).Msg("unsubscribe canvas events")
		}
	}
	return empty
}

func (f *canvasFeed) ensureSubscription() error {
	f.mu.Lock()
	if f.unsubscribe != nil {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	if f.registry.source == nil {
		return fmt.Errorf("event source is not configured")
	}

	unsubscribe, err := f.registry.source.Subscribe(sharding.CanvasSubject(f.canvasID), f.handleEvent)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.unsubscribe != nil {
		f.mu.Unlock()
		_ = unsubscribe()
		return nil
	}
	f.unsubscribe = unsubscribe
	f.mu.Unlock()
	return nil
}

func (f *canvasFeed) handleEvent(payload []byte) {
	var event contracts.ObjectEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		f.registry.logger.Warn().Err(err).Str("canvas", f.canvasID).Msg("discarding invalid object event")
		return
	}
	if event.CanvasID != f.canvasID {
		return
	}
	f.scheduleRefresh(event.Origin)
}

func (f *canvasFeed) scheduleRefresh(origin string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pendingOrigins = append(f.pendingOrigins, origin)
	if f.refreshTimer == nil {
		f.refreshTimer = time.AfterFunc(f.registry.Debounce, f.runRefresh)
		return
	}
	f.refreshTimer.Reset(f.registry.Debounce)
}

func (f *canvasFeed) runRefresh() {
	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()

	f.mu.Lock()
	origins := f.pendingOrigins
	f.pendingOrigins = nil
	f.refreshTimer = nil
	subs := make([]func(Update), 0, len(f.subscribers))
	for _, fn := range f.subscribers {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	objects, err := f.registry.lister.List(ctx, f.canvasID)
	if err != nil {
		f.registry.logger.Error().Err(err).Str("canvas", f.canvasID).Msg("refresh canvas objects")
		return
	}

	for _, fn := range subs {
		fn(Update{Objects: objects.Clone(), Origins: origins})
	}
}
