package security

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hostbridge/agentd/internal/model"
)

// AuditSink forwards a flushed batch to the remote service. Implemented by
// *busclient.Client's PostAuditBatch in production; kept as a small
// interface (mirroring the teacher's LogSink/StatusReporter composition in
// agent/internal/executor/executor.go) so this package does not import
// busclient directly.
type AuditSink interface {
	PostAuditBatch(ctx context.Context, entries []model.AuditEntry) error
}

// Auditor buffers AuditEntry records, flushing on size or time threshold
// (§4.6). Failure to flush never propagates to the caller of Record; with
// Durable set it falls back to a local append-only JSONL file so entries
// configured as durable are not lost between process restarts (invariant 5).
type Auditor struct {
	cfg    model.AuditConfig
	sink   AuditSink
	logger *zap.Logger

	mu      sync.Mutex
	batch   []model.AuditEntry
	stopped bool
	done    chan struct{}
}

// NewAuditor creates an Auditor and starts its time-based flush loop.
func NewAuditor(cfg model.AuditConfig, sink AuditSink, logger *zap.Logger) *Auditor {
	a := &Auditor{
		cfg:    cfg,
		sink:   sink,
		logger: logger.Named("audit"),
		done:   make(chan struct{}),
	}
	go a.flushLoop()
	return a
}

// Record appends entry to the batch, flushing immediately if BatchSize is
// reached.
func (a *Auditor) Record(entry model.AuditEntry) {
	a.mu.Lock()
	a.batch = append(a.batch, entry)
	shouldFlush := len(a.batch) >= a.cfg.BatchSize
	a.mu.Unlock()

	if shouldFlush {
		a.Flush()
	}
}

func (a *Auditor) flushLoop() {
	interval := a.cfg.FlushInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.Flush()
		}
	}
}

// Flush posts the current batch to the remote service. Failure is logged,
// never returned, and falls back to the durable JSONL file if configured.
func (a *Auditor) Flush() {
	a.mu.Lock()
	batch := a.batch
	a.batch = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.sink.PostAuditBatch(ctx, batch); err != nil {
		a.logger.Warn("audit flush failed", zap.Error(err), zap.Int("batch_size", len(batch)))
		if a.cfg.Durable {
			a.writeDurable(batch)
		}
	}
}

// writeDurable appends batch to the configured local JSONL fallback file,
// one entry per line, creating the containing directory if needed.
// Relaxed from the mailbox's append pattern (internal/mailbox) — this is a
// best-effort safety net, not the primary delivery path.
func (a *Auditor) writeDurable(batch []model.AuditEntry) {
	if a.cfg.DurablePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.DurablePath), 0o755); err != nil {
		a.logger.Error("audit durable fallback: mkdir failed", zap.Error(err))
		return
	}
	f, err := os.OpenFile(a.cfg.DurablePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		a.logger.Error("audit durable fallback: open failed", zap.Error(err))
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, entry := range batch {
		if err := enc.Encode(entry); err != nil {
			a.logger.Error("audit durable fallback: encode failed", zap.Error(err))
		}
	}
}

// Shutdown performs an explicit final flush and stops the flush loop.
func (a *Auditor) Shutdown() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()
	close(a.done)
	a.Flush()
}
