// Package filter implements the client-side row-level accept/drop decision
// over an incoming message (§4.5). The predicate is pure; the mutable
// membership/session-id sets it consults are replaced wholesale on update,
// mirroring the RWMutex-guarded snapshot-replacement pattern in the
// teacher's server/internal/agentmanager/manager.go (ConnectedAgents
// returns a copy rather than exposing the live map).
package filter

import (
	"strings"
	"sync"

	"github.com/hostbridge/agentd/internal/model"
)

// Identity is the local agent's identifying strings, checked as substrings
// of an incoming message's targetAddress (§4.5 rule 3).
type Identity struct {
	AgentID   string
	MachineID string
}

// Filter holds the mutable session-id and channel-membership sets consulted
// by Accept. Safe for concurrent use.
type Filter struct {
	mu          sync.RWMutex
	sessionIDs  map[string]struct{}
	memberships map[string]struct{}
}

// New creates an empty Filter; session ids and channel memberships must be
// populated via UpdateSessionIDs / UpdateMemberships before Accept can match
// rules 2 or 3.
func New() *Filter {
	return &Filter{
		sessionIDs:  make(map[string]struct{}),
		memberships: make(map[string]struct{}),
	}
}

// UpdateSessionIDs replaces the full session-id set. Takes effect on the
// next call to Accept.
func (f *Filter) UpdateSessionIDs(ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	f.mu.Lock()
	f.sessionIDs = set
	f.mu.Unlock()
}

// UpdateMemberships replaces the full channel-membership set.
func (f *Filter) UpdateMemberships(channelIDs []string) {
	set := make(map[string]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		set[id] = struct{}{}
	}
	f.mu.Lock()
	f.memberships = set
	f.mu.Unlock()
}

// Accept decides whether msg should be accepted for identity, evaluating
// the four rules of §4.5 in order.
func (f *Filter) Accept(msg model.Message, identity Identity) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if msg.DeliveryMode() == model.DeliveryBroadcast {
		return true
	}

	if msg.ChannelID != "" && msg.TargetAddress == "" {
		_, ok := f.memberships[msg.ChannelID]
		return ok
	}

	if msg.TargetAddress != "" {
		if identity.AgentID != "" && strings.Contains(msg.TargetAddress, identity.AgentID) {
			return true
		}
		if identity.MachineID != "" && strings.Contains(msg.TargetAddress, identity.MachineID) {
			return true
		}
		for sid := range f.sessionIDs {
			if strings.Contains(msg.TargetAddress, sid) {
				return true
			}
		}
		return false
	}

	return false
}
