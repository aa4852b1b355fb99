package busclient

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hostbridge/agentd/internal/model"
)

func TestRegisterAgentIdempotent(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("Authorization header = %q, want Bearer secret", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model.Agent{ID: "agent-1", MachineID: "m1", SessionID: "s1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	for i := 0; i < 2; i++ {
		agent, err := c.RegisterAgent(t.Context(), "m1", "s1", "", "/proj", model.Capabilities{Push: true})
		if err != nil {
			t.Fatalf("RegisterAgent: %v", err)
		}
		if agent.ID != "agent-1" {
			t.Fatalf("agent id = %q, want agent-1", agent.ID)
		}
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestSetHeaderAppliesToSubsequentCalls(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Agent-Token")
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	if _, err := c.ListAgents(t.Context(), "m1"); err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if seen != "" {
		t.Fatalf("X-Agent-Token = %q before SetHeader, want empty", seen)
	}

	c.SetHeader("X-Agent-Token", "jwt-value")
	if _, err := c.ListAgents(t.Context(), "m1"); err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if seen != "jwt-value" {
		t.Fatalf("X-Agent-Token = %q, want jwt-value", seen)
	}

	c.RemoveHeader("X-Agent-Token")
	if _, err := c.ListAgents(t.Context(), "m1"); err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if seen != "" {
		t.Fatalf("X-Agent-Token = %q after RemoveHeader, want empty", seen)
	}
}

func TestClaimMessageConflictSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "already_claimed", "message": "message already claimed"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	_, err := c.ClaimMessage(t.Context(), "msg-1", "agent-1")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "already_claimed" {
		t.Fatalf("apiErr = %+v, want status 409 code already_claimed", apiErr)
	}
}
