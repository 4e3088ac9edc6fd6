package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HistorySaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_history_saves_total",
		Help: "History snapshot attempts by outcome.",
	}, []string{"outcome"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_history_transitions_total",
		Help: "Undo/redo transitions by direction and outcome.",
	}, []string{"direction", "outcome"})

	ReconcileOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_reconcile_operations_total",
		Help: "Per-object store writes issued while reconciling after undo/redo.",
	}, []string{"op", "outcome"})

	EchoSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_echo_suppressed_total",
		Help: "Realtime store snapshots ignored by the engine, by reason.",
	}, []string{"reason"})

	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_store_writes_total",
		Help: "Durable object store writes by operation and outcome.",
	}, []string{"op", "outcome"})

	StoreWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "canvas_store_write_duration_seconds",
		Help:    "Latency of durable object store writes.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"op"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_active_sessions",
		Help: "Engine sessions currently hosted by this process.",
	})
)

func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func Handler() http.Handler {
	return promhttp.Handler()
}
