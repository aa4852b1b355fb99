package busclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hostbridge/agentd/internal/model"
)

// registerRequest is the body posted to the register-agent endpoint.
type registerRequest struct {
	MachineID    string             `json:"machine_id"`
	SessionID    string             `json:"session_id"`
	SessionName  string             `json:"session_name,omitempty"`
	ProjectPath  string             `json:"project_path"`
	Capabilities model.Capabilities `json:"capabilities"`
}

// ListAgents returns every agent currently known to the bus for this machine.
func (c *Client) ListAgents(ctx context.Context, machineID string) ([]model.Agent, error) {
	raw, err := c.get(ctx, fmt.Sprintf("/v1/agents?machine_id=%s", machineID))
	if err != nil {
		return nil, fmt.Errorf("busclient: list agents: %w", err)
	}
	var agents []model.Agent
	if err := json.Unmarshal(raw, &agents); err != nil {
		return nil, fmt.Errorf("busclient: decode agents: %w", err)
	}
	return agents, nil
}

// RegisterAgent registers (machineId, sessionId) as an agent, idempotently:
// the server returns the same Agent for a pair already registered (§4.3).
func (c *Client) RegisterAgent(ctx context.Context, machineID, sessionID, sessionName, projectPath string, caps model.Capabilities) (*model.Agent, error) {
	req := registerRequest{
		MachineID:    machineID,
		SessionID:    sessionID,
		SessionName:  sessionName,
		ProjectPath:  projectPath,
		Capabilities: caps,
	}
	raw, err := c.postJSON(ctx, "/v1/agents", req)
	if err != nil {
		return nil, fmt.Errorf("busclient: register agent: %w", err)
	}
	var agent model.Agent
	if err := json.Unmarshal(raw, &agent); err != nil {
		return nil, fmt.Errorf("busclient: decode agent: %w", err)
	}
	return &agent, nil
}

// DeregisterAgent removes an agent record. Best-effort per §4.3: callers
// should log, not propagate, failures at shutdown.
func (c *Client) DeregisterAgent(ctx context.Context, agentID string) error {
	_, err := c.deleteReq(ctx, "/v1/agents/"+agentID)
	if err != nil {
		return fmt.Errorf("busclient: deregister agent %s: %w", agentID, err)
	}
	return nil
}

// HeartbeatAgent refreshes an agent's liveness timestamp.
func (c *Client) HeartbeatAgent(ctx context.Context, agentID string, metrics map[string]any) error {
	_, err := c.postJSON(ctx, "/v1/agents/"+agentID+"/heartbeat", metrics)
	if err != nil {
		return fmt.Errorf("busclient: heartbeat agent %s: %w", agentID, err)
	}
	return nil
}

// ClaimMessage marks a pending message as claimed by agentID. A conflict
// (another agent already claimed it) surfaces as an *APIError.
func (c *Client) ClaimMessage(ctx context.Context, messageID, agentID string) (*model.Message, error) {
	raw, err := c.patchJSON(ctx, "/v1/messages/"+messageID+"/claim", map[string]string{"agent_id": agentID})
	if err != nil {
		return nil, fmt.Errorf("busclient: claim message %s: %w", messageID, err)
	}
	var msg model.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("busclient: decode claimed message: %w", err)
	}
	return &msg, nil
}

// FetchOrReplaceMessage implements the PUT half of the §6 claim/replace
// pairing (Open Question 3). Not used by the router, which only calls
// ClaimMessage, but kept as part of the typed surface the contract lists.
func (c *Client) FetchOrReplaceMessage(ctx context.Context, messageID string, replacement *model.Message) (*model.Message, error) {
	raw, err := c.putJSON(ctx, "/v1/messages/"+messageID, replacement)
	if err != nil {
		return nil, fmt.Errorf("busclient: fetch-or-replace message %s: %w", messageID, err)
	}
	var msg model.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("busclient: decode message: %w", err)
	}
	return &msg, nil
}

// UpdateMessageStatus sets a message's terminal status (delivered/failed).
func (c *Client) UpdateMessageStatus(ctx context.Context, messageID string, status model.MessageStatus) error {
	_, err := c.patchJSON(ctx, "/v1/messages/"+messageID+"/status", map[string]string{"status": string(status)})
	if err != nil {
		return fmt.Errorf("busclient: update message status %s: %w", messageID, err)
	}
	return nil
}

// SendMessage posts a new message, used by the router to post responses.
func (c *Client) SendMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	raw, err := c.postJSON(ctx, "/v1/messages", msg)
	if err != nil {
		return nil, fmt.Errorf("busclient: send message: %w", err)
	}
	var sent model.Message
	if err := json.Unmarshal(raw, &sent); err != nil {
		return nil, fmt.Errorf("busclient: decode sent message: %w", err)
	}
	return &sent, nil
}

// PostAuditBatch forwards a batch of audit entries to the remote service.
// Failure does not propagate further than the returned error (§4.6).
func (c *Client) PostAuditBatch(ctx context.Context, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := c.postJSON(ctx, "/v1/audit", map[string]any{"entries": entries})
	if err != nil {
		return fmt.Errorf("busclient: post audit batch: %w", err)
	}
	return nil
}
