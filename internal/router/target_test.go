package router

import (
	"testing"

	"github.com/hostbridge/agentd/internal/model"
)

func TestResolveTargetAgentSubstringMatch(t *testing.T) {
	sessions := []model.LocalSession{
		{SessionID: "s1", AgentID: "agent-1", SessionName: "alpha"},
		{SessionID: "s2", AgentID: "agent-2", SessionName: "beta"},
	}
	msg := model.Message{TargetType: model.TargetAgent, TargetAddress: "deliver-to-agent-2-now"}
	got, ok := ResolveTarget(msg, sessions)
	if !ok || got.AgentID != "agent-2" {
		t.Fatalf("got %+v, ok=%v", got, ok)
	}
}

func TestResolveTargetProjectMatch(t *testing.T) {
	sessions := []model.LocalSession{
		{SessionID: "s1", ProjectPath: "/home/user/proj-a"},
		{SessionID: "s2", ProjectPath: "/home/user/proj-b"},
	}
	msg := model.Message{TargetType: model.TargetProject, TargetAddress: "route to /home/user/proj-b please"}
	got, ok := ResolveTarget(msg, sessions)
	if !ok || got.SessionID != "s2" {
		t.Fatalf("got %+v, ok=%v", got, ok)
	}
}

func TestResolveTargetBroadcastDeterministic(t *testing.T) {
	sessions := []model.LocalSession{
		{SessionID: "zzz"},
		{SessionID: "aaa"},
	}
	msg := model.Message{TargetType: model.TargetBroadcast}
	got, ok := ResolveTarget(msg, sessions)
	if !ok || got.SessionID != "aaa" {
		t.Fatalf("got %+v, ok=%v, want deterministic lowest sessionId", got, ok)
	}
}

func TestResolveTargetFallbackBySessionID(t *testing.T) {
	sessions := []model.LocalSession{
		{SessionID: "session-xyz"},
	}
	msg := model.Message{TargetType: model.TargetAgent, TargetAddress: "mentions session-xyz somewhere"}
	got, ok := ResolveTarget(msg, sessions)
	if !ok || got.SessionID != "session-xyz" {
		t.Fatalf("got %+v, ok=%v", got, ok)
	}
}

func TestResolveTargetLastResortSingleSession(t *testing.T) {
	sessions := []model.LocalSession{{SessionID: "only-one"}}
	msg := model.Message{TargetType: model.TargetAgent, TargetAddress: "nothing matches"}
	got, ok := ResolveTarget(msg, sessions)
	if !ok || got.SessionID != "only-one" {
		t.Fatalf("got %+v, ok=%v", got, ok)
	}
}

func TestResolveTargetNoMatchAmbiguousSessions(t *testing.T) {
	msg := model.Message{TargetType: model.TargetAgent, TargetAddress: "nothing matches"}
	_, ok := ResolveTarget(msg, []model.LocalSession{{SessionID: "session-a"}, {SessionID: "session-b"}})
	if ok {
		t.Fatal("expected no match with ambiguous multi-session set and no substring hit")
	}
}
