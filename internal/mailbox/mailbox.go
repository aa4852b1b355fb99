// Package mailbox implements the Mailbox Writer (§4.8): messages classified
// as pull-mode are appended as one-line JSON records to a per-agent
// append-only file. There is intentionally no read API in this package —
// the mailbox is consumed by the session-authoring tool, not by the daemon.
//
// Grounded on agent/internal/connection/manager.go's saveState, relaxed
// from its atomic temp-file-then-rename replace to a plain append since
// §4.8's contract only ever grows the file.
package mailbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hostbridge/agentd/internal/model"
)

// Entry is one line of a mailbox file.
type Entry struct {
	MessageID string         `json:"messageId"`
	SenderID  string         `json:"senderId"`
	Content   string         `json:"content"`
	Type      model.MessageType `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ThreadID  string         `json:"threadId"`
	CreatedAt time.Time      `json:"createdAt"`
	ReceivedAt time.Time     `json:"receivedAt"`
}

// Writer appends mailbox entries under <toolHome>/comms/inbox/<agentId>.jsonl.
// One Writer is shared by every agent on the daemon; each agent's file is
// independent so concurrent writers only need to serialize per-file, but a
// single mutex is simpler and the append rate is low.
type Writer struct {
	inboxDir string
	mu       sync.Mutex
}

// New builds a Writer rooted at <toolHome>/comms/inbox.
func New(toolHome string) *Writer {
	return &Writer{inboxDir: filepath.Join(toolHome, "comms", "inbox")}
}

// Append writes one Entry to agentID's mailbox file, creating the inbox
// directory and file on first use.
func (w *Writer) Append(agentID string, entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.inboxDir, 0o755); err != nil {
		return fmt.Errorf("mailbox: create inbox dir: %w", err)
	}

	path := filepath.Join(w.inboxDir, agentID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mailbox: open inbox file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("mailbox: encode entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("mailbox: append entry: %w", err)
	}
	return nil
}

// AppendMessage builds an Entry from a bus Message and appends it.
// receivedAt is passed explicitly (rather than taken via time.Now) so
// callers control the timestamp without this package needing to be a
// source of non-determinism.
func (w *Writer) AppendMessage(agentID string, msg model.Message, receivedAt time.Time) error {
	return w.Append(agentID, Entry{
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		Content:    msg.Content,
		Type:       msg.MessageType,
		Metadata:   msg.Metadata,
		ThreadID:   msg.EffectiveThreadID(),
		CreatedAt:  msg.CreatedAt,
		ReceivedAt: receivedAt,
	})
}
