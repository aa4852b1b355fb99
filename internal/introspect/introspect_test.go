package introspect

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/hostbridge/agentd/internal/model"
	"github.com/hostbridge/agentd/internal/telemetry"
)

type fakeLister struct {
	sessions []model.LocalSession
}

func (f fakeLister) Sessions() []model.LocalSession { return f.sessions }

func TestHealthzReflectsStatus(t *testing.T) {
	r := NewRouter(func() string { return "Running" }, fakeLister{}, telemetry.New(), zap.NewNop())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHealthzReportsUnavailableWhenStopped(t *testing.T) {
	r := NewRouter(func() string { return "Stopped" }, fakeLister{}, telemetry.New(), zap.NewNop())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestDebugSessionsReturnsSnapshot(t *testing.T) {
	lister := fakeLister{sessions: []model.LocalSession{{SessionID: "s1", AgentID: "a1"}}}
	r := NewRouter(func() string { return "Running" }, lister, telemetry.New(), zap.NewNop())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); body == "" {
		t.Fatal("expected non-empty body")
	}
}

func TestMetricsServesPrometheusFormat(t *testing.T) {
	reg := telemetry.New()
	reg.RecordRouted("agent-1")
	r := NewRouter(func() string { return "Running" }, fakeLister{}, reg, zap.NewNop())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct == "" {
		t.Fatal("expected a Content-Type header from promhttp handler")
	}
}
