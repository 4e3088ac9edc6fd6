package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOutcome(t *testing.T) {
	if Outcome(nil) != "ok" {
		t.Fatal("expected ok for nil error")
	}
	if Outcome(errors.New("boom")) != "error" {
		t.Fatal("expected error outcome")
	}
}

func TestHandler_ExposesCanvasCollectors(t *testing.T) {
	HistorySaves.WithLabelValues("appended").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `canvas_history_saves_total{outcome="appended"}`) {
		t.Fatalf("history saves counter missing from output")
	}
}
