package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hostbridge/agentd/internal/config"
	"github.com/hostbridge/agentd/internal/model"
	"github.com/hostbridge/agentd/internal/router"
)

func testConfig(t *testing.T, apiURL string) config.Config {
	t.Helper()
	return config.Config{
		Environment: config.EnvironmentConfig{
			APIURL:              apiURL,
			BusCredential:       "secret",
			MachineID:           "machine-1",
			HeartbeatIntervalMs: 50,
		},
		StateDir:                t.TempDir(),
		ToolHome:                t.TempDir(),
		DiscoveryPollInterval:   50 * time.Millisecond,
		MaxConcurrentDeliveries: 4,
	}
}

func TestStartTransitionsToRunningAndStopIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"agent-1"}`))
	}))
	defer srv.Close()

	var states []State
	d, err := New(testConfig(t, srv.URL), zap.NewNop(), func(s State) { states = append(states, s) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if d.Status() != string(StateRunning) {
		t.Fatalf("status = %s, want Running", d.Status())
	}

	d.Stop()
	d.Stop() // idempotent
	if d.Status() != string(StateStopped) {
		t.Fatalf("status = %s, want Stopped", d.Status())
	}

	if len(states) == 0 || states[0] != StateStarting {
		t.Fatalf("states = %v, want to start with Starting", states)
	}
}

func TestResolvePullTargetPrefersSessionIDMatch(t *testing.T) {
	d := &Daemon{sessions: map[string]model.LocalSession{
		"s1": {SessionID: "s1", AgentID: "agent-1"},
		"s2": {SessionID: "s2", AgentID: "agent-2"},
	}}
	msg := model.Message{TargetAddress: "deliver to s2 please"}
	if got := d.resolvePullTarget(msg); got != "agent-2" {
		t.Fatalf("got %q, want agent-2", got)
	}
}

func TestResolvePullTargetFallsBackToFirstRegistered(t *testing.T) {
	d := &Daemon{sessions: map[string]model.LocalSession{
		"s1": {SessionID: "s1", AgentID: "agent-1"},
	}}
	msg := model.Message{TargetAddress: "no session mentioned"}
	if got := d.resolvePullTarget(msg); got != "agent-1" {
		t.Fatalf("got %q, want agent-1", got)
	}
}

func TestResolvePullTargetEmptyWhenNoSessions(t *testing.T) {
	d := &Daemon{sessions: map[string]model.LocalSession{}}
	if got := d.resolvePullTarget(model.Message{}); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestClassifyRouteFailureMapsKnownReasons(t *testing.T) {
	cases := map[string]string{
		"no matching session":                         "no_match",
		"dropped: delivery concurrency exceeded":       "backpressure",
		"Security check failed: rate limit exceeded":   "blocked",
		"failed to claim: some transient bus error":    "worker_error",
	}
	for msg, want := range cases {
		if got := classifyRouteFailure(msg); got != want {
			t.Fatalf("classifyRouteFailure(%q) = %q, want %q", msg, got, want)
		}
	}
}

func TestTargetAgentIDReadsResponseSender(t *testing.T) {
	r := router.Result{Response: &model.Message{SenderID: "agent-9"}}
	if got := targetAgentID(r); got != "agent-9" {
		t.Fatalf("got %q, want agent-9", got)
	}
	if got := targetAgentID(router.Result{}); got != "" {
		t.Fatalf("got %q, want empty for nil response", got)
	}
}
