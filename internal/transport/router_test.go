package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/autoflow/internal/config"
	"github.com/pitabwire/autoflow/internal/observability"
	"github.com/pitabwire/autoflow/internal/workflow"
)

// testDeps returns Dependencies backed by an in-memory engine.
func testDeps(t *testing.T) (Dependencies, *workflow.Engine) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 5 * time.Second

	store := workflow.NewMemoryWorkflowStore()
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	engine := workflow.NewEngine(store, workflow.WithMetrics(metrics))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	return Dependencies{
		Config:   cfg,
		Engine:   engine,
		Metrics:  metrics,
		Gatherer: reg,
		Readiness: observability.ReadinessChecks{
			Store: observability.CheckFunc(store.Ping),
		},
	}, engine
}

func TestNewRouter_health(t *testing.T) {
	deps, _ := testDeps(t)
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestNewRouter_ready(t *testing.T) {
	deps, _ := testDeps(t)
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body observability.ReadinessResponse
	json.NewDecoder(w.Body).Decode(&body)
	if body.Status != "ready" || body.Checks["store"].Status != "ok" {
		t.Errorf("readiness = %+v", body)
	}
}

func TestNewRouter_readyStoreDown(t *testing.T) {
	deps, _ := testDeps(t)
	deps.Readiness.Store = observability.CheckFunc(func(context.Context) error {
		return errors.New("connection refused")
	})
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestNewRouter_metrics(t *testing.T) {
	deps, _ := testDeps(t)
	r := NewRouter(deps)

	// Drive one API request so the request counter has a sample.
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/workflows", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/api/workflows") {
		t.Error("metrics output does not include the API route pattern")
	}
}

func TestNewRouter_metricsDisabled(t *testing.T) {
	deps, _ := testDeps(t)
	deps.Config.Observability.Metrics.Enabled = false
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestNewRouter_unknownRoute(t *testing.T) {
	deps, _ := testDeps(t)
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/nope", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&body)
	if body.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", body.Error.Code)
	}
}

func TestNewRouter_correlationID(t *testing.T) {
	deps, _ := testDeps(t)
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/workflows", nil)
	req.Header.Set(HeaderCorrelationID, "corr-123")
	r.ServeHTTP(w, req)
	if got := w.Header().Get(HeaderCorrelationID); got != "corr-123" {
		t.Errorf("X-Correlation-Id = %q, want corr-123", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/workflows", nil))
	if w.Header().Get(HeaderCorrelationID) == "" {
		t.Error("X-Correlation-Id not generated")
	}
}

func TestNewRouter_securityHeaders(t *testing.T) {
	deps, _ := testDeps(t)
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("X-Frame-Options not set")
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Error("Cache-Control not set")
	}
}
