// Package registry manages agent registration and heartbeat lifecycles
// against the bus (§4.3).
//
// Register/deregister/heartbeat calls are grounded on the teacher's
// connection.Manager: register is idempotent per (machineId, sessionId) on
// the server, deregister is best-effort and only logged on failure, and
// heartbeat errors are swallowed rather than propagated. Heartbeat loop
// scheduling is grounded on server/internal/scheduler/scheduler.go's gocron
// usage (CronJob -> here a fixed-interval job, per-agent tag, singleton
// mode). Invariant 2 ("at most one heartbeat timer per live agentId") is
// enforced by the agentID -> job map that StartHeartbeatLoop consults before
// scheduling; the per-agent tag only labels the job.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/hostbridge/agentd/internal/busclient"
	"github.com/hostbridge/agentd/internal/model"
)

// Registry registers local sessions as bus agents and maintains their
// liveness via per-agent heartbeat jobs.
type Registry struct {
	bus       *busclient.Client
	scheduler gocron.Scheduler
	logger    *zap.Logger

	metrics func() map[string]any

	mu     sync.Mutex
	timers map[string]gocron.Job // agentID -> scheduled heartbeat job
}

// New creates a Registry. metrics, when non-nil, is called at each
// heartbeat tick to attach host resource figures to the request body
// (internal/hostmetrics); nil omits the field entirely.
func New(bus *busclient.Client, scheduler gocron.Scheduler, logger *zap.Logger, metrics func() map[string]any) *Registry {
	return &Registry{
		bus:       bus,
		scheduler: scheduler,
		logger:    logger.Named("registry"),
		metrics:   metrics,
		timers:    make(map[string]gocron.Job),
	}
}

// Register creates or reuses an agent record for (machineID, sessionID).
func (r *Registry) Register(ctx context.Context, machineID, sessionID, sessionName, projectPath string, caps model.Capabilities) (*model.Agent, error) {
	agent, err := r.bus.RegisterAgent(ctx, machineID, sessionID, sessionName, projectPath, caps)
	if err != nil {
		return nil, fmt.Errorf("registry: register %s/%s: %w", machineID, sessionID, err)
	}
	return agent, nil
}

// Deregister removes an agent record. Best-effort: failures are logged, not
// returned, so callers can always proceed with shutdown (§4.3).
func (r *Registry) Deregister(ctx context.Context, agentID string) {
	r.StopHeartbeat(agentID)
	if err := r.bus.DeregisterAgent(ctx, agentID); err != nil {
		r.logger.Warn("deregister failed, continuing", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// Heartbeat sends a single heartbeat for agentID. Errors are logged and
// swallowed, never propagated (§4.3).
func (r *Registry) Heartbeat(ctx context.Context, agentID string) {
	var metrics map[string]any
	if r.metrics != nil {
		metrics = r.metrics()
	}
	if err := r.bus.HeartbeatAgent(ctx, agentID, metrics); err != nil {
		r.logger.Warn("heartbeat failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// StartHeartbeatLoop schedules a recurring heartbeat for agentID every
// interval. Enforces invariant 2 by refusing (idempotently) to schedule a
// second timer for an agentId that already has one live.
func (r *Registry) StartHeartbeatLoop(agentID string, interval time.Duration) (cancel func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.timers[agentID]; ok {
		return func() { r.stopJob(agentID, existing) }, nil
	}

	job, err := r.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			r.Heartbeat(ctx, agentID)
		}),
		gocron.WithTags(agentID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: schedule heartbeat for %s: %w", agentID, err)
	}

	r.timers[agentID] = job
	return func() { r.stopJob(agentID, job) }, nil
}

// StopHeartbeat cancels agentID's heartbeat timer, if any. Safe to call
// more than once or for an agentId with no active timer.
func (r *Registry) StopHeartbeat(agentID string) {
	r.mu.Lock()
	job, ok := r.timers[agentID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.stopJob(agentID, job)
}

func (r *Registry) stopJob(agentID string, job gocron.Job) {
	if err := r.scheduler.RemoveJob(job.ID()); err != nil {
		r.logger.Warn("remove heartbeat job failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	r.mu.Lock()
	delete(r.timers, agentID)
	r.mu.Unlock()
}
