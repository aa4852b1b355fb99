package mailbox

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hostbridge/agentd/internal/model"
)

func TestAppendCreatesDirAndFile(t *testing.T) {
	home := t.TempDir()
	w := New(home)

	err := w.Append("agent-1", Entry{MessageID: "m1", Content: "hi", CreatedAt: time.Unix(0, 0)})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	path := filepath.Join(home, "comms", "inbox", "agent-1.jsonl")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected mailbox file: %v", err)
	}
}

func TestAppendIsAppendOnly(t *testing.T) {
	home := t.TempDir()
	w := New(home)

	for i := 0; i < 3; i++ {
		if err := w.Append("agent-1", Entry{MessageID: "m", Content: "x"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	path := filepath.Join(home, "comms", "inbox", "agent-1.jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		lines++
	}
	if lines != 3 {
		t.Fatalf("lines = %d, want 3", lines)
	}
}

func TestAppendMessageMapsFields(t *testing.T) {
	home := t.TempDir()
	w := New(home)

	msg := model.Message{
		ID:          "m1",
		SenderID:    "agent-2",
		Content:     "hello",
		MessageType: model.MessageMemo,
		ThreadID:    "thread-7",
		CreatedAt:   time.Unix(100, 0),
	}
	received := time.Unix(200, 0)
	if err := w.AppendMessage("agent-1", msg, received); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "comms", "inbox", "agent-1.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	var e Entry
	if err := json.Unmarshal(data[:len(data)-1], &e); err != nil {
		t.Fatal(err)
	}
	if e.MessageID != "m1" || e.SenderID != "agent-2" || e.ThreadID != "thread-7" {
		t.Fatalf("entry = %+v", e)
	}
	if !e.ReceivedAt.Equal(received) {
		t.Fatalf("receivedAt = %v, want %v", e.ReceivedAt, received)
	}
}

func TestAppendIsolatesAgentsIntoSeparateFiles(t *testing.T) {
	home := t.TempDir()
	w := New(home)

	if err := w.Append("agent-a", Entry{MessageID: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Append("agent-b", Entry{MessageID: "2"}); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(home, "comms", "inbox", "agent-a.jsonl")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(home, "comms", "inbox", "agent-b.jsonl")); err != nil {
		t.Fatal(err)
	}
}
