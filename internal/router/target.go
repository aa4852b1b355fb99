package router

import (
	"sort"
	"strings"

	"github.com/hostbridge/agentd/internal/model"
)

// ResolveTarget picks the local session a message should be delivered to,
// following the first-match-wins order of §4.7 step 1. Broadcast resolution
// is made deterministic (Open Question 2, DESIGN.md): sessions are sorted
// by sessionId before taking the first, so the choice is stable across
// process restarts independent of slice ordering.
func ResolveTarget(msg model.Message, sessions []model.LocalSession) (model.LocalSession, bool) {
	switch msg.TargetType {
	case model.TargetAgent:
		for _, s := range sessions {
			if containsAny(msg.TargetAddress, s.AgentID, s.SessionID, s.SessionName) {
				return s, true
			}
		}
	case model.TargetProject:
		for _, s := range sessions {
			if s.ProjectPath != "" && strings.Contains(msg.TargetAddress, s.ProjectPath) {
				return s, true
			}
		}
	case model.TargetBroadcast:
		if len(sessions) > 0 {
			sorted := make([]model.LocalSession, len(sessions))
			copy(sorted, sessions)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].SessionID < sorted[j].SessionID })
			return sorted[0], true
		}
	}

	for _, s := range sessions {
		if s.SessionID != "" && strings.Contains(msg.TargetAddress, s.SessionID) {
			return s, true
		}
	}

	if len(sessions) == 1 {
		return sessions[0], true
	}

	return model.LocalSession{}, false
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
