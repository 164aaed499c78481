package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type staticHealth HealthStatus

func (s staticHealth) Health() HealthStatus { return HealthStatus(s) }

func TestMetricsRouter(t *testing.T) {
	passCounters.WithLabelValues("completed").Inc()
	router := newMetricsRouter(staticHealth{LastRunID: "abc", Passes: 3})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rebalance_passes_total") {
		t.Error("pass counter not exported")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"last_run_id":"abc"`) {
		t.Errorf("/healthz = %d %s", rec.Code, rec.Body.String())
	}

	router = newMetricsRouter(staticHealth{LastError: "balances: API error 502"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d", rec.Code)
	}
}
