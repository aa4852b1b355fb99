// Package eventstream maintains the long-lived SSE subscription to the bus's
// message stream (§4.4): connect, parse line-oriented frames, resume on
// reconnect, detect zombie sockets, and reconnect with exponential backoff
// and jitter.
//
// The reconnect loop (Run/connect, nextBackoff, jitter) is ported from the
// teacher's agent/internal/connection/manager.go, translated from gRPC
// dial/stream semantics to an HTTP GET + streamed body read. The frame
// wire format (id:/event:/data: lines, blank-line frame separator, leading
// ':' comments) is grounded on
// wingedpig-trellis/internal/api/handlers/logs.go's SSE handler and
// other_examples' ashureev agent-handler.go's Last-Event-ID resume header.
package eventstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hostbridge/agentd/internal/busclient"
	"github.com/hostbridge/agentd/internal/model"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.5

	// idleThreshold is how long without a frame before the consumer probes
	// the service to detect a silently-dead socket (§4.4).
	idleThreshold = 12 * time.Second

	// defaultInsertEvent is used when New is not given an explicit event
	// name (§4.4: "the configured insert event").
	defaultInsertEvent = "insert"
)

// State is the consumer's connection lifecycle (§4.4).
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// Frame is one parsed SSE event.
type Frame struct {
	ID    string
	Event string
	Data  string
}

// MessageFunc receives a mapped domain Message from an insert-event frame.
type MessageFunc func(model.Message)

// StatusFunc receives every state transition.
type StatusFunc func(State)

// ErrorFunc receives non-fatal errors observed during the read loop.
type ErrorFunc func(error)

// Consumer maintains one subscription at a time (invariant 3).
type Consumer struct {
	bus         *busclient.Client
	machineID   string
	insertEvent string
	logger      *zap.Logger

	onMessage MessageFunc
	onStatus  StatusFunc
	onError   ErrorFunc

	mu          sync.Mutex
	state       State
	lastEventID string
	stopCh      chan struct{}
	stopped     bool
	abortConn   context.CancelFunc
}

// New creates a Consumer bound to a single machineID's stream. insertEvent
// is the SSE event name the bus emits for a newly inserted message (§4.4);
// an empty string falls back to defaultInsertEvent.
func New(bus *busclient.Client, machineID, insertEvent string, logger *zap.Logger, onMessage MessageFunc, onStatus StatusFunc, onError ErrorFunc) *Consumer {
	if onMessage == nil {
		onMessage = func(model.Message) {}
	}
	if onStatus == nil {
		onStatus = func(State) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	if insertEvent == "" {
		insertEvent = defaultInsertEvent
	}
	return &Consumer{
		bus:         bus,
		machineID:   machineID,
		insertEvent: insertEvent,
		logger:      logger.Named("eventstream"),
		onMessage:   onMessage,
		onStatus:    onStatus,
		onError:     onError,
		state:       StateDisconnected,
	}
}

// State returns the consumer's current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.onStatus(s)
}

// Run blocks, maintaining the subscription until ctx is cancelled or Stop is
// called, reconnecting with exponential backoff + jitter on any termination.
func (c *Consumer) Run(ctx context.Context) {
	c.mu.Lock()
	c.stopCh = make(chan struct{})
	c.stopped = false
	c.mu.Unlock()

	backoff := backoffInitial
	c.setState(StateConnecting)

	for {
		if ctx.Err() != nil || c.isStopped() {
			c.setState(StateStopped)
			return
		}

		err := c.connect(ctx)
		if c.isStopped() {
			c.setState(StateStopped)
			return
		}
		if err != nil {
			c.onError(err)
			c.setState(StateReconnecting)
			select {
			case <-ctx.Done():
				c.setState(StateStopped)
				return
			case <-c.stopSignal():
				c.setState(StateStopped)
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		// connect returned nil only when Stop was invoked mid-stream.
		backoff = backoffInitial
	}
}

// Stop ends the subscription. Safe to call from any state; a no-op if
// already stopped.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	ch := c.stopCh
	c.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (c *Consumer) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Consumer) stopSignal() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCh
}

// ForceReconnect aborts the connection attempt or open stream in progress,
// if any, causing Run's read loop to error out and re-enter the
// reconnect/backoff path (§4.9 step 7: the daemon calls this when a poll
// tick finds the stream not connected). While Run is waiting out a backoff
// delay there is nothing to abort, so the call has no effect and the next
// attempt starts when that delay ends.
func (c *Consumer) ForceReconnect() {
	c.mu.Lock()
	cancel := c.abortConn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// connect opens one stream and reads frames until it ends or errors.
func (c *Consumer) connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	lastEventID := c.lastEventID
	c.abortConn = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.abortConn = nil
		c.mu.Unlock()
	}()

	req, err := c.bus.NewStreamRequest(streamCtx, c.machineID, lastEventID)
	if err != nil {
		return fmt.Errorf("eventstream: build request: %w", err)
	}

	resp, err := c.bus.Do(req)
	if err != nil {
		return fmt.Errorf("eventstream: open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("eventstream: unexpected status %d", resp.StatusCode)
	}

	c.setState(StateConnected)

	// Zombie-socket detection: abort the read if no frame arrives within
	// idleThreshold, triggering the outer reconnect path.
	idleTimer := time.NewTimer(idleThreshold)
	defer idleTimer.Stop()
	frameCh := make(chan Frame)
	readErrCh := make(chan error, 1)

	go func() {
		readErrCh <- scanFrames(resp.Body, frameCh)
		close(frameCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopSignal():
			return nil
		case <-idleTimer.C:
			if probeErr := c.bus.KeepaliveProbe(ctx); probeErr != nil {
				cancel() // abort the read, forcing reconnection
				return fmt.Errorf("eventstream: keepalive probe failed: %w", probeErr)
			}
			idleTimer.Reset(idleThreshold)
		case frame, ok := <-frameCh:
			if !ok {
				if readErr := <-readErrCh; readErr != nil {
					return readErr
				}
				return fmt.Errorf("eventstream: stream closed by server")
			}
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(idleThreshold)
			c.handleFrame(frame)
		}
	}
}

// insertEnvelope is the wire shape the service wraps every inserted message
// in (§6): {id, data, ts}, where data carries the domain record.
type insertEnvelope struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// handleFrame updates the resume cursor and, for insert-event frames whose
// payload matches the envelope shape, invokes onMessage with the unwrapped
// Message.
func (c *Consumer) handleFrame(f Frame) {
	if f.ID != "" {
		c.mu.Lock()
		c.lastEventID = f.ID
		c.mu.Unlock()
	}
	if f.Event != c.insertEvent {
		return
	}
	var env insertEnvelope
	if err := json.Unmarshal([]byte(f.Data), &env); err != nil {
		c.onError(fmt.Errorf("eventstream: unparseable message envelope: %w", err))
		return
	}
	var msg model.Message
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		c.onError(fmt.Errorf("eventstream: unparseable message payload: %w", err))
		return
	}
	msg.ID = env.ID
	c.onMessage(msg)
}

// scanFrames reads SSE frames from r, emitting each to out as it completes
// (a blank line terminates a frame). Comment lines (leading ':') are
// ignored; multiple data: lines concatenate with '\n'; a single leading
// space after the colon is stripped, matching the SSE spec.
func scanFrames(r io.Reader, out chan<- Frame) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cur Frame
	var data []string
	hasContent := false

	flush := func() {
		if !hasContent {
			return
		}
		cur.Data = strings.Join(data, "\n")
		out <- cur
		cur = Frame{}
		data = data[:0]
		hasContent = false
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment / keepalive, ignored
		case strings.HasPrefix(line, "id:"):
			cur.ID = trimLeadingSpace(strings.TrimPrefix(line, "id:"))
			hasContent = true
		case strings.HasPrefix(line, "event:"):
			cur.Event = trimLeadingSpace(strings.TrimPrefix(line, "event:"))
			hasContent = true
		case strings.HasPrefix(line, "data:"):
			data = append(data, trimLeadingSpace(strings.TrimPrefix(line, "data:")))
			hasContent = true
		default:
			// unrecognized field name: ignored per the SSE spec
		}
	}
	flush()
	return scanner.Err()
}

func trimLeadingSpace(s string) string {
	if strings.HasPrefix(s, " ") {
		return s[1:]
	}
	return s
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random 0-50% perturbation to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction * rand.Float64()
	return d + time.Duration(delta)
}
