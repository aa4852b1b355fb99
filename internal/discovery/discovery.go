// Package discovery produces the set of currently-active local sessions by
// scanning the session-authoring tool's transcript directory tree (§4.2).
//
// Grounded on mrf-agent-racer/backend/internal/monitor's jsonl.go and
// claude_source.go, the pack's only repo that walks this exact
// "<home>/<tool>/projects/<encoded-project>/<uuid>.jsonl" layout. Discover
// is pure with respect to time and filesystem state: it never mutates
// anything and takes "now" as an explicit parameter so it can be tested
// without real timestamps.
package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ActiveWindow is the default staleness cutoff: a transcript file not
// modified within this duration is considered an inactive session (§4.2).
const ActiveWindow = time.Hour

const transcriptSuffix = ".jsonl"

var sessionIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// Session is one locally discovered transcript, before any agent id has
// been assigned by the registry.
type Session struct {
	SessionID   string
	SessionName string
	ProjectPath string
}

// indexEntry is one record from the tool's global-sessions.json index.
type indexEntry struct {
	SessionID   string `json:"sessionId"`
	SessionName string `json:"sessionName"`
	ProjectPath string `json:"projectPath"`
}

// Scanner enumerates local sessions under a tool's home directory, e.g.
// "<home>/.claude". The directory layout is fixed by the session-authoring
// tool this daemon integrates with, not configurable per-deployment.
type Scanner struct {
	// ToolHome is "<home>/<tool>", e.g. filepath.Join(home, ".claude").
	ToolHome string
}

// NewScanner builds a Scanner rooted at the given tool home directory.
func NewScanner(toolHome string) *Scanner {
	return &Scanner{ToolHome: toolHome}
}

// Discover returns every session whose transcript file was modified within
// window of now. An absent tool directory yields an empty result, not an
// error; a malformed index yields sessions with paths decoded from their
// directory names instead of names/paths from the index; a subdirectory
// this process cannot read is skipped.
func (s *Scanner) Discover(now time.Time, window time.Duration) ([]Session, error) {
	projectsDir := filepath.Join(s.ToolHome, "projects")
	projectEntries, err := os.ReadDir(projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, nil
	}

	index := s.readIndex()
	cutoff := now.Add(-window)

	var sessions []Session
	for _, projEntry := range projectEntries {
		if !projEntry.IsDir() {
			continue
		}
		encoded := projEntry.Name()
		projPath := filepath.Join(projectsDir, encoded)
		files, err := os.ReadDir(projPath)
		if err != nil {
			// Permission error or similar: skip this subtree (§4.2 edge case).
			continue
		}
		decodedProject := decodeProjectPath(encoded)

		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), transcriptSuffix) {
				continue
			}
			sessionID := strings.TrimSuffix(f.Name(), transcriptSuffix)
			if !sessionIDPattern.MatchString(sessionID) {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				continue
			}

			sess := Session{SessionID: sessionID, ProjectPath: decodedProject}
			if entry, ok := index[sessionID]; ok {
				sess.SessionName = entry.SessionName
				if entry.ProjectPath != "" {
					sess.ProjectPath = entry.ProjectPath
				}
			}
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// readIndex loads "<toolHome>/global-sessions.json", returning an empty map
// (not an error) when the file is missing or malformed — names then fall
// back to directory-name decoding per §4.2.
func (s *Scanner) readIndex() map[string]indexEntry {
	path := filepath.Join(s.ToolHome, "global-sessions.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]indexEntry{}
	}

	var entries []indexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return map[string]indexEntry{}
	}

	byID := make(map[string]indexEntry, len(entries))
	for _, e := range entries {
		byID[e.SessionID] = e
	}
	return byID
}

// decodeProjectPath reverses the tool's "/" -> "-" directory-name encoding,
// matching mrf-agent-racer's DecodeProjectPath: prefer a candidate that
// exists on disk, and fall back to the best-effort basename split.
func decodeProjectPath(encoded string) string {
	if !strings.HasPrefix(encoded, "-") {
		return encoded
	}

	candidate := strings.ReplaceAll(encoded, "-", "/")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}

	parts := strings.Split(encoded[1:], "-")
	for numSlashes := len(parts) - 1; numSlashes > 0; numSlashes-- {
		pathParts := make([]string, numSlashes)
		copy(pathParts, parts[:numSlashes])
		candidate := "/" + strings.Join(pathParts, "/")
		if numSlashes < len(parts) {
			candidate = candidate + "/" + strings.Join(parts[numSlashes:], "-")
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	if len(parts) > 2 {
		return strings.Join(parts[2:], "-")
	}
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return encoded
}
