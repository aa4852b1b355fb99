// Package daemon implements the Daemon Orchestrator (§4.9): the finite
// state machine and wiring that ties together the bus client, discovery,
// registry, event stream, RLS filter, security pipeline, router, mailbox,
// and telemetry into one running process.
//
// Grounded on the teacher's agent/cmd/agent/main.go run() wiring sequence
// (extract -> docker -> executor -> connection manager -> start),
// generalized into an explicit state machine, and on
// agent/internal/connection/manager.go's ctx-cancellation-driven graceful
// shutdown idiom.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/hostbridge/agentd/internal/busclient"
	"github.com/hostbridge/agentd/internal/config"
	"github.com/hostbridge/agentd/internal/discovery"
	"github.com/hostbridge/agentd/internal/eventstream"
	"github.com/hostbridge/agentd/internal/filter"
	"github.com/hostbridge/agentd/internal/hostmetrics"
	"github.com/hostbridge/agentd/internal/mailbox"
	"github.com/hostbridge/agentd/internal/model"
	"github.com/hostbridge/agentd/internal/registry"
	"github.com/hostbridge/agentd/internal/router"
	"github.com/hostbridge/agentd/internal/security"
	"github.com/hostbridge/agentd/internal/telemetry"
)

// Daemon is the C9 orchestrator. Construct with New, run with Start, and
// tear down with Stop. Safe for Stop to be called more than once.
type Daemon struct {
	cfg    config.Config
	logger *zap.Logger

	bus        *busclient.Client
	scanner    *discovery.Scanner
	scheduler  gocron.Scheduler
	reg        *registry.Registry
	rls        *filter.Filter
	pipeline   *security.Pipeline
	rt         *router.Router
	mail       *mailbox.Writer
	telemetry  *telemetry.Registry
	identities *identityStore
	stream     *eventstream.Consumer

	onStatus StatusFunc

	mu            sync.RWMutex
	state         State
	sessions      map[string]model.LocalSession // sessionID -> session (with AgentID set)
	identityCache map[string]string             // identityKey(machineID, sessionID) -> agentID

	stopOnce     sync.Once
	cancel       context.CancelFunc
	done         chan struct{}
	discoveryJob gocron.Job
	jwtJob       gocron.Job
}

// Done returns a channel closed once Stop has fully completed, letting a
// thin CLI caller block until graceful shutdown finishes.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// New builds a Daemon from fully-resolved configuration. It does not
// contact the network until Start is called; the only filesystem access is
// reading the local identity cache (daemon-state.json) from StateDir.
func New(cfg config.Config, logger *zap.Logger, onStatus StatusFunc) (*Daemon, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("daemon: create scheduler: %w", err)
	}

	bus := busclient.New(cfg.Environment.APIURL, cfg.Environment.BusCredential)

	identities := newIdentityStore(cfg.StateDir)

	d := &Daemon{
		cfg:           cfg,
		logger:        logger.Named("daemon"),
		bus:           bus,
		scanner:       discovery.NewScanner(cfg.ToolHome),
		scheduler:     sched,
		rls:           filter.New(),
		mail:          mailbox.New(cfg.ToolHome),
		telemetry:     telemetry.New(),
		identities:    identities,
		identityCache: identities.load(),
		onStatus:      onStatus,
		state:         StateStopped,
		sessions:      make(map[string]model.LocalSession),
		done:          make(chan struct{}),
	}

	d.reg = registry.New(bus, sched, d.logger, func() map[string]any {
		// Called once per heartbeat the registry sends.
		d.telemetry.HeartbeatsSent.Inc()
		return hostmetrics.Collect(context.Background()).AsMap()
	})

	var jwtMgr *security.JWTManager
	if cfg.Security.JWT.Secret != "" {
		jwtMgr = security.NewJWTManager(cfg.Security.JWT)
	}
	var auditor *security.Auditor
	if cfg.Security.Audit.BatchSize > 0 || cfg.Security.Audit.Durable {
		auditor = security.NewAuditor(cfg.Security.Audit, bus, d.logger)
	}
	var rateLimiter *security.RateLimiter
	if len(cfg.Security.RateLimits) > 0 {
		rateLimiter = security.NewRateLimiter(cfg.Security.RateLimits)
	}
	dirGuard := security.NewDirGuard(cfg.Security.AllowedDirectories)
	d.pipeline = security.NewPipeline(jwtMgr, rateLimiter, dirGuard, auditor)

	d.rt = router.New(bus, d.pipeline, router.NewBranchMap(), d.logger, cfg.MaxConcurrentDeliveries, cfg.Environment.MachineID)

	d.stream = eventstream.New(bus, cfg.Environment.MachineID, cfg.StreamInsertEvent, d.logger, d.handleMessage, d.handleStreamState, d.handleStreamError)

	return d, nil
}

// Status returns the current FSM state.
func (d *Daemon) Status() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return string(d.state)
}

// Sessions returns a snapshot of locally known sessions, for introspect's
// /debug/sessions route.
func (d *Daemon) Sessions() []model.LocalSession {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.LocalSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Telemetry exposes the metrics registry for internal/introspect.
func (d *Daemon) Telemetry() *telemetry.Registry { return d.telemetry }

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	if d.onStatus != nil {
		d.onStatus(s)
	}
}

// Start runs the §4.9 startup sequence and returns once the daemon is
// Running. Background loops (discovery poll, stream, heartbeats, JWT
// refresh) continue until ctx is canceled or a signal arrives.
func (d *Daemon) Start(ctx context.Context) error {
	d.setState(StateStarting)

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	if d.cfg.ProjectKey != "" {
		d.bus.SetHeader("X-Project-Key", d.cfg.ProjectKey)
	}

	if d.pipeline.JWT != nil {
		token, err := d.pipeline.JWT.CreateToken(d.cfg.Environment.MachineID, d.cfg.Environment.MachineID, nil)
		if err != nil {
			d.setState(StateError)
			return fmt.Errorf("daemon: mint startup token: %w", err)
		}
		d.bus.SetHeader("X-Agent-Token", token)

		rotation := d.cfg.Security.JWT.RotationInterval()
		if rotation <= 0 {
			rotation = 15 * time.Minute
		}
		job, err := d.scheduler.NewJob(
			gocron.DurationJob(rotation),
			gocron.NewTask(func() { d.refreshToken() }),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			d.setState(StateError)
			return fmt.Errorf("daemon: schedule jwt refresh: %w", err)
		}
		d.jwtJob = job
	}

	// The audit auto-flush timer is started inside NewAuditor itself
	// (security.Auditor.flushLoop); nothing further to schedule here.

	if err := d.discoveryTick(runCtx); err != nil {
		d.logger.Warn("initial discovery cycle failed", zap.Error(err))
	}

	go d.stream.Run(runCtx)

	job, err := d.scheduler.NewJob(
		gocron.DurationJob(d.cfg.DiscoveryPollInterval),
		gocron.NewTask(func() { d.pollTick(runCtx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		d.setState(StateError)
		return fmt.Errorf("daemon: schedule discovery poll: %w", err)
	}
	d.discoveryJob = job

	d.scheduler.Start()

	go func() {
		<-runCtx.Done()
		d.Stop()
	}()

	d.setState(StateRunning)
	return nil
}

// Stop runs the §4.9 teardown sequence. Idempotent.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.setState(StateStopping)

		d.mu.RLock()
		cancel := d.cancel
		d.mu.RUnlock()
		if cancel != nil {
			cancel()
		}

		d.stream.Stop()

		if d.discoveryJob != nil {
			if err := d.scheduler.RemoveJob(d.discoveryJob.ID()); err != nil {
				d.logger.Warn("remove discovery job failed", zap.Error(err))
			}
		}
		if d.jwtJob != nil {
			if err := d.scheduler.RemoveJob(d.jwtJob.ID()); err != nil {
				d.logger.Warn("remove jwt refresh job failed", zap.Error(err))
			}
		}

		d.mu.RLock()
		sessions := make([]model.LocalSession, 0, len(d.sessions))
		for _, s := range d.sessions {
			sessions = append(sessions, s)
		}
		d.mu.RUnlock()
		for _, s := range sessions {
			if s.AgentID != "" {
				d.reg.Deregister(context.Background(), s.AgentID)
			}
		}

		if d.pipeline.Auditor != nil {
			d.pipeline.Auditor.Shutdown()
		}
		if d.pipeline.RateLimiter != nil {
			d.pipeline.RateLimiter.Close()
		}

		if err := d.scheduler.Shutdown(); err != nil {
			d.logger.Warn("scheduler shutdown failed", zap.Error(err))
		}

		d.bus.RemoveHeader("X-Agent-Token")

		d.setState(StateStopped)
		close(d.done)
	})
}

func (d *Daemon) refreshToken() {
	current, ok := d.bus.Header("X-Agent-Token")
	if !ok || current == "" {
		return
	}
	next, err := d.pipeline.JWT.RefreshToken(current)
	if err != nil {
		d.logger.Warn("token refresh failed", zap.Error(err))
		return
	}
	d.bus.SetHeader("X-Agent-Token", next)
}

func (d *Daemon) handleStreamState(s eventstream.State) {
	d.telemetry.SetStreamConnected(s == eventstream.StateConnected)
}

func (d *Daemon) handleStreamError(err error) {
	d.logger.Warn("event stream error", zap.Error(err))
}

// discoveryTick runs one discovery cycle: register newly seen sessions and
// start their heartbeats, deregister vanished ones, and sync the RLS
// filter's known session-id set (§4.9 step 4 and step 7).
func (d *Daemon) discoveryTick(ctx context.Context) error {
	found, err := d.scanner.Discover(time.Now(), discovery.ActiveWindow)
	if err != nil {
		return fmt.Errorf("daemon: discovery: %w", err)
	}

	d.mu.RLock()
	existing := make(map[string]model.LocalSession, len(d.sessions))
	for k, v := range d.sessions {
		existing[k] = v
	}
	d.mu.RUnlock()

	seen := make(map[string]struct{}, len(found))
	for _, s := range found {
		seen[s.SessionID] = struct{}{}
		if _, ok := existing[s.SessionID]; ok {
			continue
		}

		agent, err := d.reg.Register(ctx, d.cfg.Environment.MachineID, s.SessionID, s.SessionName, s.ProjectPath, model.Capabilities{
			Push: true, Pull: true, MaxConcurrentDeliveries: int(d.cfg.MaxConcurrentDeliveries),
		})
		if err != nil {
			d.logger.Warn("register session failed", zap.String("session_id", s.SessionID), zap.Error(err))
			continue
		}

		local := model.LocalSession{SessionID: s.SessionID, SessionName: s.SessionName, ProjectPath: s.ProjectPath, AgentID: agent.ID}
		d.mu.Lock()
		d.sessions[s.SessionID] = local
		d.identityCache[identityKey(d.cfg.Environment.MachineID, s.SessionID)] = agent.ID
		cacheSnapshot := make(map[string]string, len(d.identityCache))
		for k, v := range d.identityCache {
			cacheSnapshot[k] = v
		}
		d.mu.Unlock()
		if err := d.identities.save(cacheSnapshot); err != nil {
			d.logger.Warn("identity cache persist failed", zap.Error(err))
		}

		if _, err := d.reg.StartHeartbeatLoop(agent.ID, d.cfg.Environment.HeartbeatInterval()); err != nil {
			d.logger.Warn("start heartbeat loop failed", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}

	for sid, s := range existing {
		if _, ok := seen[sid]; ok {
			continue
		}
		if s.AgentID != "" {
			d.reg.Deregister(ctx, s.AgentID)
		}
		d.mu.Lock()
		delete(d.sessions, sid)
		d.mu.Unlock()
	}

	d.syncFilter()
	d.telemetry.ActiveSessions.Set(float64(len(seen)))
	return nil
}

func (d *Daemon) syncFilter() {
	d.mu.RLock()
	ids := make([]string, 0, len(d.sessions))
	for sid := range d.sessions {
		ids = append(ids, sid)
	}
	d.mu.RUnlock()
	d.rls.UpdateSessionIDs(ids)
}

// pollTick is the discovery-polling loop body (§4.9 step 7): re-discover,
// and call the stream's ForceReconnect when it is neither connected nor
// connecting. ForceReconnect only aborts an attempt already in progress;
// while the consumer is waiting out its backoff the call has no effect and
// the reconnect happens when that delay ends.
func (d *Daemon) pollTick(ctx context.Context) {
	if err := d.discoveryTick(ctx); err != nil {
		d.logger.Warn("discovery poll failed", zap.Error(err))
	}
	if d.stream.State() != eventstream.StateConnected && d.stream.State() != eventstream.StateConnecting {
		d.logger.Info("stream not connected on poll tick, forcing reconnect")
		d.stream.ForceReconnect()
	}
}

// handleMessage is the incoming-message classifier (§4.9): filter, then
// branch on deliveryMode. Push deliveries are dispatched asynchronously so
// the stream consumer is never blocked by a worker spawn.
func (d *Daemon) handleMessage(msg model.Message) {
	identity := filter.Identity{MachineID: d.cfg.Environment.MachineID}
	if !d.rls.Accept(msg, identity) {
		d.telemetry.RecordDropped("filtered")
		return
	}

	switch msg.DeliveryMode() {
	case model.DeliveryBroadcast:
		return
	case model.DeliveryPull:
		agentID := d.resolvePullTarget(msg)
		if agentID == "" {
			d.telemetry.RecordDropped("no_match")
			return
		}
		if err := d.mail.AppendMessage(agentID, msg, time.Now()); err != nil {
			d.logger.Warn("mailbox append failed", zap.String("agent_id", agentID), zap.Error(err))
			d.telemetry.RecordDropped("mailbox_error")
			return
		}
	default:
		go func() {
			result := d.rt.Route(context.Background(), msg, d.Sessions())
			if result.OK {
				d.telemetry.RecordRouted(targetAgentID(result))
			} else {
				d.telemetry.RecordDropped(classifyRouteFailure(result.Error))
			}
		}()
	}
}

// resolvePullTarget implements §4.9's pull-mode target resolution: the
// first registered session whose id appears in the target address, else
// the first registered session.
func (d *Daemon) resolvePullTarget(msg model.Message) string {
	sessions := d.Sessions()
	for _, s := range sessions {
		if s.AgentID != "" && strings.Contains(msg.TargetAddress, s.SessionID) {
			return s.AgentID
		}
	}
	for _, s := range sessions {
		if s.AgentID != "" {
			return s.AgentID
		}
	}
	return ""
}

func targetAgentID(result router.Result) string {
	if result.Response == nil {
		return ""
	}
	return result.Response.SenderID
}

func classifyRouteFailure(msg string) string {
	switch {
	case strings.Contains(msg, "no matching session"):
		return "no_match"
	case strings.Contains(msg, "dropped: delivery concurrency exceeded"):
		return "backpressure"
	case strings.Contains(msg, "Security check failed"):
		return "blocked"
	default:
		return "worker_error"
	}
}
