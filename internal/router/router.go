// Package router implements the Message Router (§4.7): resolve a target
// session, run the security pipeline, claim the message, spawn a worker
// process to produce a reply, and post the response.
//
// The pipeline shape (deserialize/resolve -> pre-check -> do the work ->
// post-check -> report) is grounded on the teacher's
// agent/internal/executor/executor.go execute() method; bounded
// concurrency uses golang.org/x/sync/semaphore, wired directly here per
// §5's bounded concurrent delivery requirement (DESIGN.md).
package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hostbridge/agentd/internal/busclient"
	"github.com/hostbridge/agentd/internal/model"
	"github.com/hostbridge/agentd/internal/security"
)

// Result is the outcome of routing one message (§4.7).
type Result struct {
	OK              bool
	Response        *model.Message
	Error           string
	BranchSessionID string
	MessageID       string
}

// Router resolves, secures, claims, dispatches, and responds to messages.
type Router struct {
	bus       *busclient.Client
	pipeline  *security.Pipeline
	branchMap *BranchMap
	logger    *zap.Logger
	sem       *semaphore.Weighted
	maxWeight int64
	machineID string
}

// New creates a Router. maxConcurrent bounds the number of worker processes
// running at once; deliveries beyond that are dropped with an audit entry
// rather than queued (§5 backpressure). machineID is attached to every
// response's sessionBranch metadata.
func New(bus *busclient.Client, pipeline *security.Pipeline, branchMap *BranchMap, logger *zap.Logger, maxConcurrent int64, machineID string) *Router {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Router{
		bus:       bus,
		pipeline:  pipeline,
		branchMap: branchMap,
		logger:    logger.Named("router"),
		sem:       semaphore.NewWeighted(maxConcurrent),
		maxWeight: maxConcurrent,
		machineID: machineID,
	}
}

// Route implements §4.7's seven-step operation. ctx bounds the whole
// delivery including the worker spawn.
func (r *Router) Route(ctx context.Context, msg model.Message, sessions []model.LocalSession) Result {
	// Step 1: target resolution.
	target, found := ResolveTarget(msg, sessions)
	if !found {
		return Result{OK: false, Error: "no matching session", MessageID: msg.ID}
	}

	// Backpressure: drop (with audit) rather than block indefinitely when
	// every worker slot is busy.
	if !r.sem.TryAcquire(1) {
		if r.pipeline != nil && r.pipeline.Auditor != nil {
			r.pipeline.Auditor.Record(model.AuditEntry{
				Timestamp: time.Now(),
				ActorID:   target.AgentID,
				Action:    "message",
				Result:    model.BlockedResult("backpressure"),
				MessageID: msg.ID,
			})
		}
		return Result{OK: false, Error: "dropped: delivery concurrency exceeded", MessageID: msg.ID}
	}
	defer r.sem.Release(1)

	// Step 2: security.
	if r.pipeline != nil {
		sanitized, err := r.pipeline.CheckMessage(target.AgentID, msg)
		if err != nil {
			return Result{OK: false, Error: security.SecurityCheckError(err).Error(), MessageID: msg.ID}
		}
		msg.Content = sanitized
	}

	// Step 3: claim.
	if msg.Status == model.MessagePending && target.AgentID != "" {
		if _, err := r.bus.ClaimMessage(ctx, msg.ID, target.AgentID); err != nil {
			return Result{OK: false, Error: fmt.Sprintf("failed to claim: %s", err.Error()), MessageID: msg.ID}
		}
	}

	// Step 4/5: dispatch and parse output.
	threadID := msg.EffectiveThreadID()
	branchSessionID, hadBranch := r.branchMap.Lookup(threadID)
	resumeID := target.SessionID
	if hadBranch {
		resumeID = branchSessionID
	}

	out, err := spawnWorker(ctx, target.ProjectPath, msg, resumeID, !hadBranch)
	if err != nil {
		return Result{OK: false, Error: err.Error(), MessageID: msg.ID}
	}
	if out.SessionID != "" {
		r.branchMap.Record(threadID, out.SessionID)
		branchSessionID = out.SessionID
	}

	// Step 6: response.
	response := model.Message{
		SenderID:      target.AgentID,
		TargetType:    model.TargetAgent,
		TargetAddress: msg.SenderID,
		MessageType:   model.MessageResponse,
		Content:       out.ResponseText,
		ThreadID:      threadID,
		Metadata: map[string]any{
			"inReplyTo": msg.ID,
			"sessionBranch": map[string]string{
				"sessionId":   target.SessionID,
				"machineId":   r.machineID,
				"projectPath": target.ProjectPath,
			},
		},
	}
	sent, err := r.bus.SendMessage(ctx, response)
	if err != nil {
		r.logger.Warn("failed to post response", zap.String("message_id", msg.ID), zap.Error(err))
	}

	// Step 7: best-effort status update.
	if err := r.bus.UpdateMessageStatus(ctx, msg.ID, model.MessageDelivered); err != nil {
		r.logger.Warn("failed to update message status", zap.String("message_id", msg.ID), zap.Error(err))
	}

	return Result{OK: true, Response: sent, BranchSessionID: branchSessionID, MessageID: msg.ID}
}
