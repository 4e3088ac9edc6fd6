package canvasapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sharedcanvas/project/internal/app/identity"
	"github.com/sharedcanvas/project/internal/canvas"
	"github.com/sharedcanvas/project/internal/contracts"
	platformauth "github.com/sharedcanvas/project/internal/platform/auth"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	Identity      *identity.Service
	Sessions      *Registry
	AllowedOrigin string
	Logger        zerolog.Logger

	upgrader websocket.Upgrader
}

func NewHandler(identitySvc *identity.Service, sessions *Registry, allowedOrigin string, logger zerolog.Logger) *Handler {
	h := &Handler{
		Identity:      identitySvc,
		Sessions:      sessions,
		AllowedOrigin: allowedOrigin,
		Logger:        logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/api/v1/canvases", h.handleListCanvases)
		authR.Post("/api/v1/canvases", h.handleCreateCanvas)

		authR.Route("/api/v1/canvases/{canvasID}", func(cr chi.Router) {
			cr.Use(h.canvasAccessMiddleware)
			cr.Post("/collaborators", h.handleShare)
			cr.Get("/objects", h.handleListObjects)
			cr.With(requireEditor).Post("/objects", h.handleAddObjects)
			cr.With(requireEditor).Delete("/objects", h.handleDeleteObjects)
			cr.With(requireEditor).Patch("/objects/{objectID}", h.handleUpdateObject)
			cr.With(requireEditor).Delete("/objects/{objectID}", h.handleDeleteObject)
			cr.With(requireEditor).Post("/undo", h.handleUndo)
			cr.With(requireEditor).Post("/redo", h.handleRedo)
			cr.With(requireEditor).Post("/history/save", h.handleSaveHistory)
			cr.Get("/history", h.handleHistory)
			cr.Get("/ws", h.handleWebSocket)
		})

		authR.With(h.canvasAccessMiddleware).Get("/debug/canvases/{canvasID}", h.handleDebugPage)
	})

	return r
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type createCanvasRequest struct {
	Name string `json:"name"`
}

type shareRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// addObjectsRequest accepts either a bare object or {"objects": [...]}.
type addObjectsRequest struct {
	contracts.CanvasObject
	Objects []contracts.CanvasObject `json:"objects"`
}

type deleteObjectsRequest struct {
	IDs []string `json:"ids"`
}

type objectsResponse struct {
	Objects contracts.Snapshot `json:"objects"`
	History canvas.Status      `json:"history"`
}

type transitionResponse struct {
	Moved   bool          `json:"moved"`
	History canvas.Status `json:"history"`
}

type saveResponse struct {
	Saved   bool          `json:"saved"`
	History canvas.Status `json:"history"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusCreated, resp)
	case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrDuplicateUsername), strings.Contains(strings.ToLower(err.Error()), "duplicate"):
		h.writeError(w, http.StatusConflict, "username already exists")
	default:
		h.internalError(w, r, err)
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, identity.ErrInvalidCredentials):
		h.writeError(w, http.StatusUnauthorized, err.Error())
	default:
		h.internalError(w, r, err)
	}
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, identity.ErrRefreshTokenMissing):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrInvalidRefreshToken):
		h.writeError(w, http.StatusUnauthorized, err.Error())
	default:
		h.internalError(w, r, err)
	}
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.Identity.Logout(r.Context(), req.RefreshToken)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, identity.ErrRefreshTokenMissing):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.internalError(w, r, err)
	}
}

func (h *Handler) handleListCanvases(w http.ResponseWriter, r *http.Request) {
	claims, _ := platformauth.ClaimsFrom(r.Context())
	list, err := h.Identity.ListCanvases(r.Context(), claims.Subject)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"canvases": list})
}

func (h *Handler) handleCreateCanvas(w http.ResponseWriter, r *http.Request) {
	var req createCanvasRequest
	if !h.decode(w, r, &req) {
		return
	}
	claims, _ := platformauth.ClaimsFrom(r.Context())
	c, err := h.Identity.CreateCanvas(r.Context(), claims.Subject, req.Name)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusCreated, c)
	case errors.Is(err, identity.ErrInvalidCanvasName):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.internalError(w, r, err)
	}
}

func (h *Handler) handleShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if !h.decode(w, r, &req) {
		return
	}
	access := accessFrom(r.Context())
	err := h.Identity.Share(r.Context(), access.UserID, access.CanvasID, req.Username, req.Role)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidRole):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrForbiddenRole):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "user not found")
	default:
		h.internalError(w, r, err)
	}
}

func (h *Handler) handleListObjects(w http.ResponseWriter, r *http.Request) {
	h.withEngine(w, r, func(e *canvas.Engine) {
		h.writeJSON(w, http.StatusOK, objectsResponse{Objects: e.Objects(), History: e.HistoryStatus()})
	})
}

func (h *Handler) handleAddObjects(w http.ResponseWriter, r *http.Request) {
	var req addObjectsRequest
	if !h.decode(w, r, &req) {
		return
	}
	objects := req.Objects
	if len(objects) == 0 {
		objects = []contracts.CanvasObject{req.CanvasObject}
	}
	for _, obj := range objects {
		if !contracts.IsValidShapeType(obj.Type) {
			h.writeError(w, http.StatusBadRequest, "unsupported shape type: "+string(obj.Type))
			return
		}
	}

	h.withEngine(w, r, func(e *canvas.Engine) {
		ids := e.AddObjects(r.Context(), objects)
		if len(ids) == 0 {
			h.writeError(w, http.StatusInternalServerError, "objects were not stored")
			return
		}
		h.writeJSON(w, http.StatusCreated, map[string]any{"ids": ids})
	})
}

func (h *Handler) handleUpdateObject(w http.ResponseWriter, r *http.Request) {
	objectID := chi.URLParam(r, "objectID")
	var patch contracts.ObjectPatch
	if !h.decode(w, r, &patch) {
		return
	}
	if patch.IsEmpty() {
		h.writeError(w, http.StatusBadRequest, "patch has no fields")
		return
	}
	mode := r.URL.Query().Get("mode")
	switch mode {
	case "", "debounced", "live", "commit":
	default:
		h.writeError(w, http.StatusBadRequest, "mode must be debounced, live or commit")
		return
	}

	// The session cache may not have caught up with a fresh write yet, so a
	// miss is left to the engine and the store merge.
	h.withEngine(w, r, func(e *canvas.Engine) {
		switch mode {
		case "live":
			e.UpdateObjectLive(objectID, patch)
		case "commit":
			e.CommitObject(objectID, patch)
		default:
			e.UpdateObject(objectID, patch)
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func (h *Handler) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	objectID := chi.URLParam(r, "objectID")
	h.withEngine(w, r, func(e *canvas.Engine) {
		e.DeleteObject(r.Context(), objectID)
		w.WriteHeader(http.StatusNoContent)
	})
}

func (h *Handler) handleDeleteObjects(w http.ResponseWriter, r *http.Request) {
	var req deleteObjectsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "ids are required")
		return
	}
	h.withEngine(w, r, func(e *canvas.Engine) {
		e.DeleteObjects(r.Context(), req.IDs)
		w.WriteHeader(http.StatusNoContent)
	})
}

func (h *Handler) handleUndo(w http.ResponseWriter, r *http.Request) {
	h.withEngine(w, r, func(e *canvas.Engine) {
		moved := e.Undo(r.Context())
		h.writeJSON(w, http.StatusOK, transitionResponse{Moved: moved, History: e.HistoryStatus()})
	})
}

func (h *Handler) handleRedo(w http.ResponseWriter, r *http.Request) {
	h.withEngine(w, r, func(e *canvas.Engine) {
		moved := e.Redo(r.Context())
		h.writeJSON(w, http.StatusOK, transitionResponse{Moved: moved, History: e.HistoryStatus()})
	})
}

func (h *Handler) handleSaveHistory(w http.ResponseWriter, r *http.Request) {
	h.withEngine(w, r, func(e *canvas.Engine) {
		saved := e.SaveHistoryNow(r.Context())
		h.writeJSON(w, http.StatusOK, saveResponse{Saved: saved, History: e.HistoryStatus()})
	})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	h.withEngine(w, r, func(e *canvas.Engine) {
		h.writeJSON(w, http.StatusOK, e.HistoryStatus())
	})
}

// withEngine runs fn against the caller's session for the routed canvas.
func (h *Handler) withEngine(w http.ResponseWriter, r *http.Request, fn func(e *canvas.Engine)) {
	access := accessFrom(r.Context())
	engine, release, err := h.Sessions.Acquire(r.Context(), access.CanvasID, access.UserID, access.CanEdit())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	defer release()
	fn(engine)
}

type canvasAccess struct {
	CanvasID string
	UserID   string
	Username string
	Role     string
}

func (a canvasAccess) CanEdit() bool { return identity.CanEdit(a.Role) }

type accessContextKey struct{}

func accessFrom(ctx context.Context) canvasAccess {
	access, _ := ctx.Value(accessContextKey{}).(canvasAccess)
	return access
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.TokenFromRequest(r)
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(platformauth.WithClaims(r.Context(), claims)))
	})
}

func (h *Handler) canvasAccessMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := platformauth.ClaimsFrom(r.Context())
		canvasID := chi.URLParam(r, "canvasID")
		role, err := h.Identity.Role(r.Context(), claims.Subject, canvasID)
		switch {
		case err == nil:
		case errors.Is(err, identity.ErrInvalidCanvasID):
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, identity.ErrForbiddenCanvas):
			h.writeError(w, http.StatusForbidden, err.Error())
			return
		default:
			h.internalError(w, r, err)
			return
		}
		access := canvasAccess{CanvasID: canvasID, UserID: claims.Subject, Username: claims.Username, Role: role}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accessContextKey{}, access)))
	})
}

func requireEditor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !accessFrom(r.Context()).CanEdit() {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": identity.ErrForbiddenRole.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		if requested := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requested != "" {
			w.Header().Set("Access-Control-Allow-Headers", requested)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}
	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed || isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

// checkOrigin applies the CORS origin policy to WebSocket upgrades.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := h.allowedOriginForRequest(origin)
	return allowed == "*" || allowed == origin
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	return a.Port() == b.Port() && strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.Logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	h.writeError(w, http.StatusInternalServerError, "internal error")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
