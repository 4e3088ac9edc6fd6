package canvas

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"github.com/sharedcanvas/project/internal/contracts"
	"github.com/sharedcanvas/project/internal/history"
	"github.com/sharedcanvas/project/internal/platform/metrics"
	"github.com/sharedcanvas/project/internal/store"
)

var ErrCanvasRequired = errors.New("canvas id is required")

const (
	DefaultDebounce           = 500 * time.Millisecond
	DefaultCommitDelay        = 300 * time.Millisecond
	DefaultEchoGrace          = 2500 * time.Millisecond
	DefaultMaxConflictRetries = 3

	// ownTokenTTL bounds how long a transition token is remembered for echo
	// matching.
	ownTokenTTL = 2 * time.Minute
)

type Config struct {
	CanvasID string
	// UserID is the authenticated identity. Mutations are ignored when empty.
	UserID string

	Debounce    time.Duration
	CommitDelay time.Duration
	// EchoGrace suppresses history saves and realtime cache overwrites for
	// this long after an undo/redo finishes. Zero relies on transition
	// tokens alone.
	EchoGrace          time.Duration
	MaxEntries         int
	MaxConflictRetries int
}

func DefaultConfig(canvasID, userID string) Config {
	return Config{
		CanvasID:           canvasID,
		UserID:             userID,
		Debounce:           DefaultDebounce,
		CommitDelay:        DefaultCommitDelay,
		EchoGrace:          DefaultEchoGrace,
		MaxConflictRetries: DefaultMaxConflictRetries,
	}
}

// Selection is the interaction layer's hook for dropping selected ids that
// an undo/redo may have deleted.
type Selection interface {
	ClearSelection()
}

// Status mirrors the shared history cursor.
type Status struct {
	Index   int   `json:"index"`
	Length  int   `json:"length"`
	Version int64 `json:"version"`
	CanUndo bool  `json:"canUndo"`
	CanRedo bool  `json:"canRedo"`
}

// Engine is one client's view of a shared canvas. It owns the local object
// cache, pushes mutations to the durable store, observes everyone's writes
// through the store subscription, and records and replays the shared
// history.
//
// Store and history I/O never runs under the engine lock, so realtime
// deliveries interleave with in-flight mutations the way they would on any
// other client.
type Engine struct {
	cfg     Config
	objects store.ObjectStore
	history history.Log
	logger  zerolog.Logger

	Now       func() time.Time
	NewID     func() string
	NewToken  func() string
	Selection Selection

	clientID string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// notifyMu orders cache changes with their listener notifications.
	notifyMu sync.Mutex

	mu             sync.Mutex
	cache          *Cache
	status         Status
	transitioning  bool
	lastTransition time.Time
	ownTokens      map[string]time.Time
	liveDirty      map[string]contracts.ObjectPatch
	saveTimer      *time.Timer
	timerSeq       uint64
	listeners      map[int]func(contracts.Snapshot)
	statusWatchers map[int]func(Status)
	nextListener   int
	unsubscribes   []func()
	lastWrite      chan struct{}
	closed         bool
	// storeGen counts realtime snapshots applied to the cache.
	storeGen uint64
	// insertSeq stamps objects created by this engine in insertion order.
	insertSeq int64
}

func NewEngine(cfg Config, objects store.ObjectStore, log history.Log, logger zerolog.Logger) *Engine {
	if cfg.MaxConflictRetries < 0 {
		cfg.MaxConflictRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	clientID := nuid.Next()
	return &Engine{
		cfg:     cfg,
		objects: objects,
		history: log,
		logger: logger.With().
			Str("canvas", cfg.CanvasID).
			Str("user", cfg.UserID).
			Str("client", clientID).
			Logger(),
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     uuid.NewString,
		NewToken:  nuid.Next,
		clientID:  clientID,
		ctx:       ctx,
		cancel:    cancel,
		cache:     NewCache(),
		status:    Status{Index: -1},
		ownTokens: map[string]time.Time{},
		liveDirty: map[string]contracts.ObjectPatch{},
		listeners: map[int]func(contracts.Snapshot){},

		statusWatchers: map[int]func(Status){},
	}
}

func (e *Engine) CanvasID() string { return e.cfg.CanvasID }
func (e *Engine) UserID() string   { return e.cfg.UserID }
func (e *Engine) ClientID() string { return e.clientID }

// Start subscribes to the store and the history log and loads the current
// object set and cursor.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.CanvasID == "" {
		return ErrCanvasRequired
	}

	unsubscribeStore, err := e.objects.Subscribe(e.cfg.CanvasID, e.handleStoreUpdate)
	if err != nil {
		return err
	}
	unsubscribeHistory, err := e.history.Subscribe(e.cfg.CanvasID, e.handleHistoryEvent)
	if err != nil {
		unsubscribeStore()
		return err
	}
	e.mu.Lock()
	e.unsubscribes = append(e.unsubscribes, unsubscribeStore, unsubscribeHistory)
	gen := e.storeGen
	e.mu.Unlock()

	objects, err := e.objects.List(ctx, e.cfg.CanvasID)
	if err != nil {
		e.Close()
		return err
	}
	state, err := e.history.Read(ctx, e.cfg.CanvasID)
	if err != nil {
		e.Close()
		return err
	}

	e.setStatus(state.Event(e.cfg.CanvasID))
	// A realtime snapshot applied since the list was read is newer than it.
	loaded := e.changeCache(func(c *Cache) bool {
		if e.storeGen != gen {
			return false
		}
		c.Replace(objects)
		return true
	})
	if !loaded {
		e.logger.Debug().Msg("initial object list superseded by realtime update")
	}
	return nil
}

// Close stops timers, drops subscriptions, cancels in-flight background
// writes and waits for them to return.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.stopTimerLocked()
	unsubscribes := e.unsubscribes
	e.unsubscribes = nil
	e.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	e.cancel()
	e.wg.Wait()
}

// Wait blocks until background writes and running scheduled saves settle.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Objects returns the current cache contents in draw order.
func (e *Engine) Objects() contracts.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Snapshot()
}

func (e *Engine) Object(id string) (contracts.CanvasObject, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Get(id)
}

func (e *Engine) HistoryStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) CanUndo() bool { return e.HistoryStatus().CanUndo }
func (e *Engine) CanRedo() bool { return e.HistoryStatus().CanRedo }

// OnChange registers fn to receive the object list after every cache change.
func (e *Engine) OnChange(fn func(contracts.Snapshot)) func() {
	e.mu.Lock()
	e.nextListener++
	id := e.nextListener
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// OnHistoryChange registers fn to receive the mirrored cursor whenever it
// moves, whoever moved it.
func (e *Engine) OnHistoryChange(fn func(Status)) func() {
	e.mu.Lock()
	e.nextListener++
	id := e.nextListener
	e.statusWatchers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.statusWatchers, id)
		e.mu.Unlock()
	}
}

func (e *Engine) handleStoreUpdate(update store.Update) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if reason := e.suppressionReasonLocked(update.Origins); reason != "" {
		e.mu.Unlock()
		metrics.EchoSuppressed.WithLabelValues(reason).Inc()
		e.logger.Debug().Str("reason", reason).Int("objects", len(update.Objects)).Msg("ignoring store snapshot")
		return
	}
	e.cache.Replace(update.Objects)
	e.storeGen++
	snapshot, listeners := e.cache.Snapshot(), e.listenersLocked()
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// suppressionReasonLocked decides whether a realtime snapshot may overwrite
// the cache. Snapshots made only of this engine's own transition writes are
// echoes; anything arriving mid-transition or inside the grace window is
// dropped as well.
func (e *Engine) suppressionReasonLocked(origins []string) string {
	if e.transitioning {
		return "transitioning"
	}
	if e.ownEchoLocked(origins) {
		return "own_transition"
	}
	if e.inGraceLocked(e.Now()) {
		return "grace_window"
	}
	return ""
}

func (e *Engine) ownEchoLocked(origins []string) bool {
	if len(origins) == 0 {
		return false
	}
	for _, origin := range origins {
		if _, ok := e.ownTokens[origin]; !ok {
			return false
		}
	}
	return true
}

func (e *Engine) inGraceLocked(now time.Time) bool {
	if e.cfg.EchoGrace <= 0 || e.lastTransition.IsZero() {
		return false
	}
	return now.Sub(e.lastTransition) < e.cfg.EchoGrace
}

func (e *Engine) handleHistoryEvent(event contracts.HistoryEvent) {
	e.setStatus(event)
}

// setStatus mirrors event unless a newer version was already seen.
func (e *Engine) setStatus(event contracts.HistoryEvent) {
	e.mu.Lock()
	if event.Version < e.status.Version || (event.Version == e.status.Version && e.status.Version > 0) {
		e.mu.Unlock()
		return
	}
	e.status = Status{
		Index:   event.Index,
		Length:  event.Length,
		Version: event.Version,
		CanUndo: event.Index > 0,
		CanRedo: event.Index >= 0 && event.Index < event.Length-1,
	}
	status := e.status
	watchers := make([]func(Status), 0, len(e.statusWatchers))
	for _, fn := range e.statusWatchers {
		watchers = append(watchers, fn)
	}
	e.mu.Unlock()

	for _, fn := range watchers {
		fn(status)
	}
}

// changeCache runs fn against the cache and, when it reports a change,
// notifies listeners in order.
func (e *Engine) changeCache(fn func(c *Cache) bool) bool {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	if !fn(e.cache) {
		e.mu.Unlock()
		return false
	}
	snapshot, listeners := e.cache.Snapshot(), e.listenersLocked()
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
	return true
}

func (e *Engine) listenersLocked() []func(contracts.Snapshot) {
	out := make([]func(contracts.Snapshot), 0, len(e.listeners))
	for _, fn := range e.listeners {
		out = append(out, fn)
	}
	return out
}

func (e *Engine) authenticated(op string) bool {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return false
	}
	if e.cfg.UserID != "" {
		return true
	}
	e.logger.Warn().Str("op", op).Msg("ignoring mutation without authenticated user")
	return false
}

func (e *Engine) nowMillis() int64 {
	return e.Now().UnixMilli()
}

// writeContext tags store writes with this client's id.
func (e *Engine) writeContext(ctx context.Context) context.Context {
	return store.WithOrigin(ctx, e.clientID)
}

// goBackground runs a fire-and-forget store write bound to the session.
// Writes start in the order they were issued.
func (e *Engine) goBackground(op, objectID string, fn func(ctx context.Context) error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	prev, done := e.lastWrite, make(chan struct{})
	e.lastWrite = done
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		if err := fn(e.writeContext(e.ctx)); err != nil {
			e.logger.Error().Err(err).Str("op", op).Str("object", objectID).Msg("store write failed")
		}
	}()
}

// awaitWrites blocks until every background write issued so far has
// finished, or ctx is done.
func (e *Engine) awaitWrites(ctx context.Context) {
	e.mu.Lock()
	last := e.lastWrite
	e.mu.Unlock()
	if last == nil {
		return
	}
	select {
	case <-last:
	case <-ctx.Done():
	}
}
