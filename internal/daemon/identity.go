package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// identityStore persists a non-load-bearing local cache of the last-known
// agentId per (machineId, sessionId) pair, mirroring the teacher's
// agent-state.json (SPEC_FULL.md §12 "Stable local identity file"). The bus
// remains the source of truth. The daemon loads the file at construction and
// rewrites it after each registration, but does not consult it to skip
// registering a session: every discovered session is registered with the
// bus (idempotently, §4.3) whether or not the file exists.
type identityStore struct {
	path string
}

func newIdentityStore(stateDir string) *identityStore {
	return &identityStore{path: filepath.Join(stateDir, "daemon-state.json")}
}

// load reads the persisted (machineId, sessionId) -> agentId map. A missing
// or malformed file yields an empty map rather than an error — this is a
// cache, not durable state.
func (s *identityStore) load() map[string]string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return map[string]string{}
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]string{}
	}
	return out
}

// save overwrites the cache file with the given map.
func (s *identityStore) save(entries map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("daemon: create state dir: %w", err)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("daemon: encode identity cache: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("daemon: write identity cache: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func identityKey(machineID, sessionID string) string {
	return machineID + "/" + sessionID
}
