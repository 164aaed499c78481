package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var passCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "rebalance_passes_total",
	Help: "Rebalance passes by result",
}, []string{"result"})

var decisionCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "rebalance_decisions_total",
	Help: "Per-symbol decisions",
}, []string{"symbol", "action"})

var orderCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "rebalance_orders_total",
	Help: "Order submissions by side and result",
}, []string{"side", "result"})

var targetGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "rebalance_target_thb",
	Help: "Per-symbol target value of the last pass",
})

func init() {
	prometheus.MustRegister(passCounters, decisionCounters, orderCounters, targetGauge)
}

// HealthReporter exposes the outcome of the latest pass
type HealthReporter interface {
	Health() HealthStatus
}

type HealthStatus struct {
	LastRunID  string    `json:"last_run_id,omitempty"`
	LastPassAt time.Time `json:"last_pass_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Passes     int64     `json:"passes"`
}

func (h HealthStatus) OK() bool { return h.LastError == "" }

func newMetricsRouter(health HealthReporter) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := health.Health()
		w.Header().Set("Content-Type", "application/json")
		if !status.OK() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}).Methods("GET")
	return router
}

// serveMetrics runs the metrics server until ctx is done.
func serveMetrics(ctx context.Context, addr string, health HealthReporter, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMetricsRouter(health),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server starting", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", zap.Error(err))
	}
}
