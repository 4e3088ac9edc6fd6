package canvasapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharedcanvas/project/internal/canvas"
	"github.com/sharedcanvas/project/internal/contracts"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 1 << 20
)

// clientMessage is one command from the interaction layer.
type clientMessage struct {
	Type      string                   `json:"type"`
	RequestID string                   `json:"requestId,omitempty"`
	ID        string                   `json:"id,omitempty"`
	IDs       []string                 `json:"ids,omitempty"`
	Object    *contracts.CanvasObject  `json:"object,omitempty"`
	Objects   []contracts.CanvasObject `json:"objects,omitempty"`
	Patch     contracts.ObjectPatch    `json:"patch"`
}

// serverFrame is pushed to the client. "objects" and "history" frames carry
// full state and are coalesced; "ack" and "error" answer a request.
type serverFrame struct {
	Type      string             `json:"type"`
	RequestID string             `json:"requestId,omitempty"`
	Objects   contracts.Snapshot `json:"objects"`
	History   *canvas.Status     `json:"history,omitempty"`
	IDs       []string           `json:"ids,omitempty"`
	OK        *bool              `json:"ok,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// outbox queues frames for the single writer goroutine. Only the latest
// objects and history state is kept.
type outbox struct {
	mu      sync.Mutex
	objects contracts.Snapshot
	dirty   bool
	history *canvas.Status
	replies []serverFrame
	wake    chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) setObjects(s contracts.Snapshot) {
	o.mu.Lock()
	o.objects, o.dirty = s, true
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) setHistory(s canvas.Status) {
	o.mu.Lock()
	o.history = &s
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) reply(f serverFrame) {
	o.mu.Lock()
	o.replies = append(o.replies, f)
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) drain() []serverFrame {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []serverFrame
	if o.dirty {
		objects := o.objects
		if objects == nil {
			objects = contracts.Snapshot{}
		}
		out = append(out, serverFrame{Type: "objects", Objects: objects})
		o.objects, o.dirty = nil, false
	}
	if o.history != nil {
		out = append(out, serverFrame{Type: "history", History: o.history})
		o.history = nil
	}
	out = append(out, o.replies...)
	o.replies = nil
	return out
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	access := accessFrom(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Str("canvas", access.CanvasID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, release, err := h.Sessions.Acquire(ctx, access.CanvasID, access.UserID, access.CanEdit())
	if err != nil {
		h.Logger.Error().Err(err).Str("canvas", access.CanvasID).Msg("websocket session failed")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"),
			time.Now().Add(wsWriteWait))
		return
	}
	defer release()

	out := newOutbox()
	stopObjects := engine.OnChange(out.setObjects)
	defer stopObjects()
	stopHistory := engine.OnHistoryChange(out.setHistory)
	defer stopHistory()
	out.setObjects(engine.Objects())
	out.setHistory(engine.HistoryStatus())

	logger := h.Logger.With().Str("canvas", access.CanvasID).Str("user", access.UserID).Logger()
	logger.Debug().Msg("websocket connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		writeLoop(ctx, conn, out)
	}()

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("websocket read failed")
			}
			break
		}
		out.reply(h.dispatch(ctx, engine, access, msg))
	}

	cancel()
	<-writerDone
	logger.Debug().Msg("websocket disconnected")
}

func writeLoop(ctx context.Context, conn *websocket.Conn, out *outbox) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-out.wake:
			for _, frame := range out.drain() {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			}
		}
	}
}

// dispatch applies one client command and builds its reply.
func (h *Handler) dispatch(ctx context.Context, e *canvas.Engine, access canvasAccess, msg clientMessage) serverFrame {
	reply := serverFrame{Type: "ack", RequestID: msg.RequestID}
	fail := func(text string) serverFrame {
		return serverFrame{Type: "error", RequestID: msg.RequestID, Error: text}
	}
	ok := func(v bool) *bool { return &v }

	switch msg.Type {
	case "add", "update", "live", "commit", "delete", "undo", "redo", "save":
		if !access.CanEdit() {
			return fail("read-only access")
		}
	default:
		return fail("unknown message type")
	}

	switch msg.Type {
	case "add":
		objects := msg.Objects
		if msg.Object != nil {
			objects = append(objects, *msg.Object)
		}
		if len(objects) == 0 {
			return fail("object is required")
		}
		reply.IDs = e.AddObjects(ctx, objects)
		reply.OK = ok(len(reply.IDs) > 0)
	case "update", "live", "commit":
		if msg.ID == "" || msg.Patch.IsEmpty() {
			return fail("id and patch are required")
		}
		switch msg.Type {
		case "update":
			e.UpdateObject(msg.ID, msg.Patch)
		case "live":
			e.UpdateObjectLive(msg.ID, msg.Patch)
		default:
			e.CommitObject(msg.ID, msg.Patch)
		}
		reply.OK = ok(true)
	case "delete":
		ids := msg.IDs
		if msg.ID != "" {
			ids = append(ids, msg.ID)
		}
		if len(ids) == 0 {
			return fail("id is required")
		}
		e.DeleteObjects(ctx, ids)
		reply.OK = ok(true)
	case "undo":
		reply.OK = ok(e.Undo(ctx))
	case "redo":
		reply.OK = ok(e.Redo(ctx))
	case "save":
		reply.OK = ok(e.SaveHistoryNow(ctx))
	}
	return reply
}
