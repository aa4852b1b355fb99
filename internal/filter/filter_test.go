package filter

import (
	"testing"

	"github.com/hostbridge/agentd/internal/model"
)

func TestAcceptBroadcastAlwaysAccepted(t *testing.T) {
	f := New()
	msg := model.Message{Metadata: map[string]any{"deliveryMode": "broadcast"}}
	if !f.Accept(msg, Identity{}) {
		t.Fatal("broadcast message should be accepted regardless of identity")
	}
}

func TestAcceptChannelMembership(t *testing.T) {
	f := New()
	f.UpdateMemberships([]string{"chan-1"})

	accepted := model.Message{ChannelID: "chan-1"}
	if !f.Accept(accepted, Identity{}) {
		t.Fatal("member channel should be accepted")
	}

	rejected := model.Message{ChannelID: "chan-2"}
	if f.Accept(rejected, Identity{}) {
		t.Fatal("non-member channel should be rejected")
	}
}

func TestAcceptTargetAddressSubstring(t *testing.T) {
	f := New()
	f.UpdateSessionIDs([]string{"session-abc"})
	id := Identity{AgentID: "agent-1", MachineID: "machine-1"}

	cases := []struct {
		name   string
		target string
		want   bool
	}{
		{"matches agent id", "route-to-agent-1-please", true},
		{"matches machine id", "machine-1 destination", true},
		{"matches session id", "thread for session-abc", true},
		{"matches nothing", "route-to-someone-else", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := model.Message{TargetAddress: tc.target}
			if got := f.Accept(msg, id); got != tc.want {
				t.Fatalf("Accept(%q) = %v, want %v", tc.target, got, tc.want)
			}
		})
	}
}

func TestAcceptDropsWhenNoRuleMatches(t *testing.T) {
	f := New()
	msg := model.Message{}
	if f.Accept(msg, Identity{}) {
		t.Fatal("message with no channel and no target address should be dropped")
	}
}

func TestUpdatesAreReplacementNotIncremental(t *testing.T) {
	f := New()
	f.UpdateSessionIDs([]string{"session-a"})
	f.UpdateSessionIDs([]string{"session-b"})

	id := Identity{}
	if f.Accept(model.Message{TargetAddress: "session-a here"}, id) {
		t.Fatal("session-a should no longer match after replacement update")
	}
	if !f.Accept(model.Message{TargetAddress: "session-b here"}, id) {
		t.Fatal("session-b should match after replacement update")
	}
}
