package canvasapi

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sharedcanvas/project/internal/canvas"
	"github.com/sharedcanvas/project/internal/history"
	"github.com/sharedcanvas/project/internal/platform/metrics"
	"github.com/sharedcanvas/project/internal/store"
)

const DefaultIdleTimeout = 5 * time.Minute

type sessionKey struct {
	canvasID string
	userID   string
	canEdit  bool
}

type session struct {
	engine *canvas.Engine
	refs   int
	idle   *time.Timer
}

// Registry hosts one engine per user and canvas. Engines are started on
// first use and closed once nobody has held them for IdleTimeout.
type Registry struct {
	Objects     store.ObjectStore
	History     history.Log
	Config      canvas.Config
	IdleTimeout time.Duration
	Logger      zerolog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*session
	closed   bool
}

func NewRegistry(objects store.ObjectStore, log history.Log, base canvas.Config, idle time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		Objects:     objects,
		History:     log,
		Config:      base,
		IdleTimeout: idle,
		Logger:      logger,
		sessions:    map[sessionKey]*session{},
	}
}

// Acquire returns the engine for userID on canvasID and a release func the
// caller must invoke when done. Read-only callers get an engine without an
// identity, so every mutation on it is ignored.
func (r *Registry) Acquire(ctx context.Context, canvasID, userID string, canEdit bool) (*canvas.Engine, func(), error) {
	key := sessionKey{canvasID: canvasID, userID: userID, canEdit: canEdit}

	if engine, ok := r.retain(key); ok {
		return engine, r.releaser(key), nil
	}

	cfg := r.Config
	cfg.CanvasID = canvasID
	cfg.UserID = ""
	if canEdit {
		cfg.UserID = userID
	}
	engine := canvas.NewEngine(cfg, r.Objects, r.History, r.Logger)
	if err := engine.Start(ctx); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		engine.Close()
		return nil, nil, context.Canceled
	}
	if existing, ok := r.sessions[key]; ok {
		// Lost a race with another request for the same session.
		existing.refs++
		existing.stopIdle()
		r.mu.Unlock()
		engine.Close()
		return existing.engine, r.releaser(key), nil
	}
	r.sessions[key] = &session{engine: engine, refs: 1}
	metrics.ActiveSessions.Inc()
	r.mu.Unlock()

	r.Logger.Info().Str("canvas", canvasID).Str("user", userID).Bool("editable", canEdit).Msg("canvas session opened")
	return engine, r.releaser(key), nil
}

func (r *Registry) retain(key sessionKey) (*canvas.Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, false
	}
	s.refs++
	s.stopIdle()
	return s.engine, true
}

func (r *Registry) releaser(key sessionKey) func() {
	var once sync.Once
	return func() {
		once.Do(func() { r.release(key) })
	}
}

func (r *Registry) release(key sessionKey) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		r.mu.Unlock()
		return
	}
	if r.IdleTimeout > 0 {
		s.idle = time.AfterFunc(r.IdleTimeout, func() { r.expire(key, s) })
		r.mu.Unlock()
		return
	}
	delete(r.sessions, key)
	r.mu.Unlock()
	r.closeSession(key, s)
}

func (r *Registry) expire(key sessionKey, s *session) {
	r.mu.Lock()
	if r.sessions[key] != s || s.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, key)
	r.mu.Unlock()
	r.closeSession(key, s)
}

func (r *Registry) closeSession(key sessionKey, s *session) {
	s.engine.Close()
	metrics.ActiveSessions.Dec()
	r.Logger.Info().Str("canvas", key.canvasID).Str("user", key.userID).Msg("canvas session closed")
}

// Len reports how many sessions are open.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close shuts every session down. Later Acquire calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = map[sessionKey]*session{}
	r.mu.Unlock()

	for key, s := range sessions {
		s.stopIdle()
		r.closeSession(key, s)
	}
}

func (s *session) stopIdle() {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}
