package security

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hostbridge/agentd/internal/model"
)

type fakeSink struct {
	mu    sync.Mutex
	batch []model.AuditEntry
	fail  bool
}

func (f *fakeSink) PostAuditBatch(ctx context.Context, entries []model.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errTestSinkFailure
	}
	f.batch = append(f.batch, entries...)
	return nil
}

var errTestSinkFailure = &testSinkError{}

type testSinkError struct{}

func (e *testSinkError) Error() string { return "sink failure" }

func TestAuditorFlushesOnBatchSize(t *testing.T) {
	sink := &fakeSink{}
	a := NewAuditor(model.AuditConfig{BatchSize: 2, FlushIntervalMs: int64(time.Hour / time.Millisecond)}, sink, zap.NewNop())
	defer a.Shutdown()

	a.Record(model.AuditEntry{ActorID: "a1", Action: "message"})
	a.Record(model.AuditEntry{ActorID: "a1", Action: "message"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		n := len(sink.batch)
		sink.mu.Unlock()
		if n == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("batch was not flushed after reaching BatchSize")
}

func TestAuditorShutdownFlushesRemainder(t *testing.T) {
	sink := &fakeSink{}
	a := NewAuditor(model.AuditConfig{BatchSize: 100, FlushIntervalMs: int64(time.Hour / time.Millisecond)}, sink, zap.NewNop())

	a.Record(model.AuditEntry{ActorID: "a1", Action: "message"})
	a.Shutdown()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batch) != 1 {
		t.Fatalf("got %d entries after shutdown, want 1", len(sink.batch))
	}
}

func TestAuditorDurableFallbackOnFlushFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	sink := &fakeSink{fail: true}
	a := NewAuditor(model.AuditConfig{
		BatchSize:   1,
		Durable:     true,
		DurablePath: path,
	}, sink, zap.NewNop())

	a.Record(model.AuditEntry{ActorID: "a1", Action: "message"})
	a.Shutdown()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading durable fallback file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected durable fallback file to contain the failed batch")
	}
}
