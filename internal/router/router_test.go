package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"go.uber.org/zap"

	"github.com/hostbridge/agentd/internal/busclient"
	"github.com/hostbridge/agentd/internal/model"
)

func fakeWorkerScript(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stub not portable to windows")
	}
	script := filepath.Join(t.TempDir(), "fake-worker.sh")
	body := "#!/bin/sh\necho '{\"result\":\"done\",\"session_id\":\"branch-1\"}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return script
}

func TestRouteHappyPath(t *testing.T) {
	old := WorkerBinary
	WorkerBinary = fakeWorkerScript(t)
	defer func() { WorkerBinary = old }()

	var claimed, sent, statusUpdated bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPatch && r.URL.Path == "/v1/messages/msg-1/claim":
			claimed = true
			_ = json.NewEncoder(w).Encode(model.Message{ID: "msg-1", Status: model.MessageClaimed})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/messages":
			sent = true
			_ = json.NewEncoder(w).Encode(model.Message{ID: "resp-1"})
		case r.Method == http.MethodPatch && r.URL.Path == "/v1/messages/msg-1/status":
			statusUpdated = true
			w.Write([]byte("{}"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	bus := busclient.New(srv.URL, "secret")
	r := New(bus, nil, NewBranchMap(), zap.NewNop(), 4, "machine-1")

	sessions := []model.LocalSession{{SessionID: "s1", AgentID: "agent-1", ProjectPath: t.TempDir()}}
	msg := model.Message{ID: "msg-1", TargetType: model.TargetAgent, TargetAddress: "agent-1", Status: model.MessagePending, Content: "hello"}

	result := r.Route(context.Background(), msg, sessions)
	if !result.OK {
		t.Fatalf("result = %+v, want OK", result)
	}
	if !claimed || !sent || !statusUpdated {
		t.Fatalf("claimed=%v sent=%v statusUpdated=%v", claimed, sent, statusUpdated)
	}
	if result.BranchSessionID != "branch-1" {
		t.Fatalf("branchSessionID = %q, want branch-1", result.BranchSessionID)
	}
}

func TestRouteNoMatchingSession(t *testing.T) {
	bus := busclient.New("http://unused.invalid", "secret")
	r := New(bus, nil, NewBranchMap(), zap.NewNop(), 4, "machine-1")

	msg := model.Message{ID: "msg-1", TargetType: model.TargetAgent, TargetAddress: "nobody-here"}
	result := r.Route(context.Background(), msg, []model.LocalSession{{SessionID: "session-a"}, {SessionID: "session-b"}})
	if result.OK || result.Error != "no matching session" {
		t.Fatalf("result = %+v", result)
	}
}

func TestRouteBackpressureDropsWhenSaturated(t *testing.T) {
	bus := busclient.New("http://unused.invalid", "secret")
	r := New(bus, nil, NewBranchMap(), zap.NewNop(), 1, "machine-1")
	if !r.sem.TryAcquire(1) {
		t.Fatal("setup: could not acquire semaphore")
	}
	defer r.sem.Release(1)

	msg := model.Message{ID: "msg-1", TargetType: model.TargetAgent, TargetAddress: "agent-1"}
	result := r.Route(context.Background(), msg, []model.LocalSession{{SessionID: "s1", AgentID: "agent-1"}})
	if result.OK {
		t.Fatal("expected drop under saturation")
	}
}
