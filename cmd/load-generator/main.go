package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sharedcanvas/project/internal/contracts"
	"github.com/sharedcanvas/project/internal/platform/env"
	"github.com/sharedcanvas/project/internal/platform/logging"
	"github.com/sharedcanvas/project/internal/platform/metrics"
)

type config struct {
	APIBase                 string
	Users                   int
	EditorsPerCanvas        int
	SetupConcurrency        int
	StartupWait             time.Duration
	Duration                time.Duration
	RampUp                  time.Duration
	ActionsPerUserPerSecond float64
	RequestTimeout          time.Duration
	MetricsAddr             string
	Password                string
	EnableWatchers          bool
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

type canvasResponse struct {
	ID string `json:"id"`
}

type addResponse struct {
	IDs []string `json:"ids"`
}

// simulatedEditor is one account working on a canvas shared with the other
// editors of its team.
type simulatedEditor struct {
	Index       int
	Username    string
	AccessToken string
	CanvasID    string

	mu      sync.Mutex
	objects []string
}

type runner struct {
	cfg       config
	runID     string
	logger    zerolog.Logger
	apiClient *http.Client

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	activeEditors   atomic.Int64
	activeWatchers  atomic.Int64
}

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_loadgen_requests_total",
		Help: "HTTP requests sent by the load generator.",
	}, []string{"endpoint", "method", "status", "outcome"})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_loadgen_actions_total",
		Help: "Editor actions executed by the load generator.",
	}, []string{"action", "outcome"})

	editorsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_loadgen_editors",
		Help: "Simulated editors currently sending actions.",
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_loadgen_ws_frames_total",
		Help: "WebSocket frames received by watcher connections.",
	}, []string{"type"})
)

func main() {
	logger := logging.New("load-generator", env.String("LOG_LEVEL", "info"), env.String("LOG_FORMAT", "json"))
	cfg := loadConfig()
	if cfg.Users <= 0 {
		logger.Fatal().Msg("LOADGEN_USERS must be > 0")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr, logger)

	transport := &http.Transport{
		MaxIdleConns:        cfg.Users * 4,
		MaxIdleConnsPerHost: cfg.Users * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	r := &runner{
		cfg:       cfg,
		runID:     strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
		logger:    logger,
		apiClient: &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
	}

	if err := r.waitForHTTPStatus(ctx, cfg.APIBase+"/readyz", http.StatusOK, cfg.StartupWait); err != nil {
		logger.Fatal().Err(err).Msg("canvas-api not ready")
	}

	editors := r.setupEditors(ctx)
	if len(editors) == 0 {
		logger.Fatal().Msg("failed to initialize any editors")
	}
	logger.Info().
		Int("editors", len(editors)).
		Int("per_canvas", cfg.EditorsPerCanvas).
		Dur("duration", cfg.Duration).
		Float64("rate_per_editor", cfg.ActionsPerUserPerSecond).
		Msg("load generator initialized")

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for _, editor := range editors {
		wg.Add(1)
		go func(e *simulatedEditor) {
			defer wg.Done()
			r.runEditor(ctx, e)
		}(editor)
	}

	<-ctx.Done()
	wg.Wait()

	logger.Info().
		Int64("success_requests", r.requestsSuccess.Load()).
		Int64("error_requests", r.requestsError.Load()).
		Msg("load test complete")
}

func loadConfig() config {
	return config{
		APIBase:                 strings.TrimRight(strings.TrimSpace(env.String("LOADGEN_API_BASE", "http://canvas-api:8080")), "/"),
		Users:                   env.Int("LOADGEN_USERS", 60),
		EditorsPerCanvas:        env.Int("LOADGEN_EDITORS_PER_CANVAS", 3),
		SetupConcurrency:        env.Int("LOADGEN_SETUP_CONCURRENCY", 10),
		StartupWait:             env.Duration("LOADGEN_STARTUP_WAIT", 2*time.Minute),
		Duration:                env.Duration("LOADGEN_DURATION", 5*time.Minute),
		RampUp:                  env.Duration("LOADGEN_RAMP_UP", 20*time.Second),
		ActionsPerUserPerSecond: floatEnv("LOADGEN_ACTIONS_PER_USER_PER_SECOND", 0.5),
		RequestTimeout:          env.Duration("LOADGEN_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:             env.String("LOADGEN_METRICS_ADDR", ":9099"),
		Password:                env.String("LOADGEN_PASSWORD", "load-test-pass-123"),
		EnableWatchers:          env.Bool("LOADGEN_ENABLE_WATCHERS", true),
	}
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return err
		}
		resp, err := r.apiClient.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == expectedStatus {
				return nil
			}
			err = fmt.Errorf("status=%d", resp.StatusCode)
		}
		lastErr = err
		time.Sleep(1200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

// setupEditors registers every account and groups them into teams. The
// first editor of a team creates the canvas and shares it with the rest.
func (r *runner) setupEditors(ctx context.Context) []*simulatedEditor {
	perCanvas := r.cfg.EditorsPerCanvas
	if perCanvas <= 0 {
		perCanvas = 1
	}

	var (
		mu      sync.Mutex
		editors []*simulatedEditor
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, max(r.cfg.SetupConcurrency, 1))
	for start := 0; start < r.cfg.Users; start += perCanvas {
		size := min(perCanvas, r.cfg.Users-start)
		wg.Add(1)
		go func(start, size int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			team, err := r.setupTeam(ctx, start, size)
			if err != nil {
				r.logger.Warn().Err(err).Int("team", start/perCanvas).Msg("team setup failed")
				return
			}
			mu.Lock()
			editors = append(editors, team...)
			mu.Unlock()
		}(start, size)
	}
	wg.Wait()
	return editors
}

func (r *runner) setupTeam(ctx context.Context, start, size int) ([]*simulatedEditor, error) {
	team := make([]*simulatedEditor, 0, size)
	for i := 0; i < size; i++ {
		editor := &simulatedEditor{Index: start + i, Username: fmt.Sprintf("load-%s-%04d", r.runID, start+i)}
		if err := r.authenticate(ctx, editor); err != nil {
			return nil, err
		}
		team = append(team, editor)
	}

	owner := team[0]
	var created canvasResponse
	if _, err := r.requestJSON(ctx, "create_canvas", http.MethodPost, r.cfg.APIBase+"/api/v1/canvases",
		map[string]string{"name": fmt.Sprintf("Load Canvas %d", start)}, owner.AccessToken, &created, http.StatusCreated); err != nil {
		return nil, fmt.Errorf("create canvas for %s: %w", owner.Username, err)
	}
	for _, editor := range team {
		editor.CanvasID = created.ID
		if editor == owner {
			continue
		}
		if _, err := r.requestJSON(ctx, "share_canvas", http.MethodPost, r.canvasURL(owner, "/collaborators"),
			map[string]string{"username": editor.Username, "role": "editor"}, owner.AccessToken, nil, http.StatusNoContent); err != nil {
			return nil, fmt.Errorf("share canvas with %s: %w", editor.Username, err)
		}
	}
	return team, nil
}

func (r *runner) authenticate(ctx context.Context, editor *simulatedEditor) error {
	creds := map[string]string{"username": editor.Username, "password": r.cfg.Password}
	var auth authResponse
	status, err := r.requestJSON(ctx, "register", http.MethodPost, r.cfg.APIBase+"/api/v1/auth/register",
		creds, "", &auth, http.StatusCreated, http.StatusConflict)
	if err != nil {
		return fmt.Errorf("register %s: %w", editor.Username, err)
	}
	if status == http.StatusConflict {
		if _, err := r.requestJSON(ctx, "login", http.MethodPost, r.cfg.APIBase+"/api/v1/auth/login",
			creds, "", &auth, http.StatusOK); err != nil {
			return fmt.Errorf("login %s: %w", editor.Username, err)
		}
	}
	if strings.TrimSpace(auth.AccessToken) == "" {
		return fmt.Errorf("empty access token for %s", editor.Username)
	}
	editor.AccessToken = auth.AccessToken
	return nil
}

func (r *runner) runEditor(ctx context.Context, editor *simulatedEditor) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration(float64(r.cfg.RampUp) / float64(max(r.cfg.Users, 1)) * float64(editor.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	if r.cfg.EnableWatchers {
		go r.runWatcher(ctx, editor)
	}

	editorsGauge.Inc()
	r.activeEditors.Add(1)
	defer editorsGauge.Dec()
	defer r.activeEditors.Add(-1)

	interval := time.Second
	if r.cfg.ActionsPerUserPerSecond > 0 {
		interval = max(time.Duration(float64(time.Second)/r.cfg.ActionsPerUserPerSecond), 25*time.Millisecond)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(editor.Index*7)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(rng.Int63n(int64(interval)))):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAction(ctx, editor, rng)
		}
	}
}

func (r *runner) runAction(ctx context.Context, editor *simulatedEditor, rng *rand.Rand) {
	objectID, hasObject := editor.randomObject(rng)
	choice := rng.Float64()
	switch {
	case !hasObject || choice < 0.40:
		r.addShape(ctx, editor, rng)
	case choice < 0.70:
		r.moveShape(ctx, editor, rng, objectID)
	case choice < 0.85:
		r.transition(ctx, editor, "undo")
	case choice < 0.90:
		r.transition(ctx, editor, "redo")
	default:
		r.deleteShape(ctx, editor, objectID)
	}
}

func (r *runner) addShape(ctx context.Context, editor *simulatedEditor, rng *rand.Rand) {
	shapes := []contracts.CanvasObject{
		{Type: contracts.ShapeRect, Width: 40 + rng.Float64()*120, Height: 30 + rng.Float64()*80, Fill: "#4f46e5"},
		{Type: contracts.ShapeCircle, Radius: 10 + rng.Float64()*60, Fill: "#f97316"},
		{Type: contracts.ShapeText, Text: fmt.Sprintf("note %d", rng.Intn(1000)), FontSize: 16},
	}
	obj := shapes[rng.Intn(len(shapes))]
	obj.X, obj.Y = rng.Float64()*1600, rng.Float64()*900

	var resp addResponse
	if _, err := r.requestJSON(ctx, "add_object", http.MethodPost, r.canvasURL(editor, "/objects"),
		obj, editor.AccessToken, &resp, http.StatusCreated); err != nil {
		actionsTotal.WithLabelValues("add", "error").Inc()
		return
	}
	editor.addObjects(resp.IDs)
	actionsTotal.WithLabelValues("add", "success").Inc()
}

func (r *runner) moveShape(ctx context.Context, editor *simulatedEditor, rng *rand.Rand, objectID string) {
	patch := map[string]float64{"x": rng.Float64() * 1600, "y": rng.Float64() * 900}
	status, err := r.requestJSON(ctx, "commit_object", http.MethodPatch,
		r.canvasURL(editor, "/objects/"+url.PathEscape(objectID)+"?mode=commit"),
		patch, editor.AccessToken, nil, http.StatusAccepted, http.StatusNotFound)
	switch {
	case err != nil:
		actionsTotal.WithLabelValues("move", "error").Inc()
	case status == http.StatusNotFound:
		// Removed by a teammate or an undo.
		editor.removeObject(objectID)
		actionsTotal.WithLabelValues("move", "gone").Inc()
	default:
		actionsTotal.WithLabelValues("move", "success").Inc()
	}
}

func (r *runner) transition(ctx context.Context, editor *simulatedEditor, direction string) {
	var resp struct {
		Moved bool `json:"moved"`
	}
	if _, err := r.requestJSON(ctx, direction, http.MethodPost, r.canvasURL(editor, "/"+direction),
		nil, editor.AccessToken, &resp, http.StatusOK); err != nil {
		actionsTotal.WithLabelValues(direction, "error").Inc()
		return
	}
	outcome := "noop"
	if resp.Moved {
		outcome = "success"
	}
	actionsTotal.WithLabelValues(direction, outcome).Inc()
}

func (r *runner) deleteShape(ctx context.Context, editor *simulatedEditor, objectID string) {
	if _, err := r.requestJSON(ctx, "delete_object", http.MethodDelete,
		r.canvasURL(editor, "/objects/"+url.PathEscape(objectID)),
		nil, editor.AccessToken, nil, http.StatusNoContent); err != nil {
		actionsTotal.WithLabelValues("delete", "error").Inc()
		return
	}
	editor.removeObject(objectID)
	actionsTotal.WithLabelValues("delete", "success").Inc()
}

// runWatcher keeps a WebSocket open on the editor's canvas and counts the
// frames pushed to it, reconnecting until ctx is done.
func (r *runner) runWatcher(ctx context.Context, editor *simulatedEditor) {
	for ctx.Err() == nil {
		if err := r.watch(ctx, editor); err != nil && ctx.Err() == nil {
			r.logger.Debug().Err(err).Str("user", editor.Username).Msg("watcher reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(1200 * time.Millisecond):
		}
	}
}

func (r *runner) watch(ctx context.Context, editor *simulatedEditor) error {
	wsURL := "ws" + strings.TrimPrefix(r.canvasURL(editor, "/ws"), "http") + "?access_token=" + url.QueryEscape(editor.AccessToken)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		requestsTotal.WithLabelValues("ws_open", http.MethodGet, "0", "error").Inc()
		r.requestsError.Add(1)
		return err
	}
	defer conn.Close()
	requestsTotal.WithLabelValues("ws_open", http.MethodGet, "101", "success").Inc()
	r.requestsSuccess.Add(1)

	r.activeWatchers.Add(1)
	defer r.activeWatchers.Add(-1)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		var frame struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		framesTotal.WithLabelValues(frame.Type).Inc()
	}
}

func (r *runner) canvasURL(editor *simulatedEditor, suffix string) string {
	return r.cfg.APIBase + "/api/v1/canvases/" + url.PathEscape(editor.CanvasID) + suffix
}

func (r *runner) requestJSON(ctx context.Context, endpoint, method, requestURL string, payload any, bearerToken string, out any, expectedStatuses ...int) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(bearerToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.apiClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, "0", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	statusText := strconv.Itoa(resp.StatusCode)
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, err
	}
	for _, expected := range expectedStatuses {
		if resp.StatusCode != expected {
			continue
		}
		requestsTotal.WithLabelValues(endpoint, method, statusText, "success").Inc()
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 && resp.StatusCode < 300 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
	r.requestsError.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logger.Info().
				Int64("success_requests", r.requestsSuccess.Load()).
				Int64("error_requests", r.requestsError.Load()).
				Int64("active_editors", r.activeEditors.Load()).
				Int64("active_watchers", r.activeWatchers.Load()).
				Msg("progress")
		}
	}
}

func runMetricsServer(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info().Str("addr", addr).Msg("load generator metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("load generator metrics server failed")
	}
}

func (e *simulatedEditor) addObjects(ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.objects = append(e.objects, ids...)
}

func (e *simulatedEditor) randomObject(rng *rand.Rand) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.objects) == 0 {
		return "", false
	}
	return e.objects[rng.Intn(len(e.objects))], true
}

func (e *simulatedEditor) removeObject(objectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for idx, existing := range e.objects {
		if existing != objectID {
			continue
		}
		e.objects[idx] = e.objects[len(e.objects)-1]
		e.objects = e.objects[:len(e.objects)-1]
		return
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}

func floatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
