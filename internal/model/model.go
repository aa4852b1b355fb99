// Package model holds the plain data types shared by every component of the
// daemon: local sessions, the cached agent record, bus messages, and the
// security configuration. None of these types carry behavior — they are
// passed by value or pointer between packages and (de)serialized as JSON at
// the REST/SSE boundary.
package model

import "time"

// AgentStatus mirrors the status values the bus assigns to a registered
// agent. The daemon never sets this itself; it only observes it.
type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusOffline AgentStatus = "offline"
)

// LocalSession is a locally discovered interactive coding session. sessionID
// is a version-4 UUID assigned by the session-authoring tool. agentID is
// empty until the registry assigns one; per invariant 1, a session is either
// absent from the daemon's session map or present with a non-empty AgentID.
type LocalSession struct {
	SessionID   string
	SessionName string
	ProjectPath string
	AgentID     string
}

// Agent is the remote record returned by the bus when a session is
// registered. The daemon treats this as a cache of server-owned state — it
// never computes Status or HeartbeatAt locally.
type Agent struct {
	ID             string      `json:"id"`
	MachineID      string      `json:"machine_id"`
	SessionID      string      `json:"session_id"`
	SessionName    string      `json:"session_name"`
	ProjectPath    string      `json:"project_path"`
	Status         AgentStatus `json:"status"`
	Capabilities   Capabilities `json:"capabilities"`
	HeartbeatAt    time.Time   `json:"heartbeat_at"`
	RegisteredAt   time.Time   `json:"registered_at"`
}

// Capabilities advertises what this daemon can do with a registered agent.
// Supplements the teacher's AgentCapabilities{Restic,Rclone,Docker} idiom
// with this domain's push/pull delivery modes (see SPEC_FULL.md §12).
type Capabilities struct {
	Push                    bool `json:"push"`
	Pull                    bool `json:"pull"`
	MaxConcurrentDeliveries int  `json:"max_concurrent_deliveries"`
}

// TargetType identifies how a Message's TargetAddress should be interpreted.
type TargetType string

const (
	TargetAgent     TargetType = "agent"
	TargetProject   TargetType = "project"
	TargetBroadcast TargetType = "broadcast"
)

// MessageType identifies the conversational role of a Message.
type MessageType string

const (
	MessageSync         MessageType = "sync"
	MessageAsync        MessageType = "async"
	MessageMemo         MessageType = "memo"
	MessageResponse     MessageType = "response"
	MessageNotification MessageType = "notification"
)

// MessageStatus tracks a Message's lifecycle as observed/mutated locally.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageClaimed   MessageStatus = "claimed"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
)

// DeliveryMode is read out of Message.Metadata["deliveryMode"].
type DeliveryMode string

const (
	DeliveryPush      DeliveryMode = "push"
	DeliveryPull      DeliveryMode = "pull"
	DeliveryBroadcast DeliveryMode = "broadcast"
)

// Message is the bus's unit of routable content. Immutable once received
// locally except for Status transitions performed by the router (§3).
type Message struct {
	ID            string         `json:"id"`
	ChannelID     string         `json:"channel_id,omitempty"`
	SenderID      string         `json:"sender_id"`
	TargetType    TargetType     `json:"target_type"`
	TargetAddress string         `json:"target_address"`
	MessageType   MessageType    `json:"message_type"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Status        MessageStatus  `json:"status"`
	ClaimedBy     string         `json:"claimed_by,omitempty"`
	ThreadID      string         `json:"thread_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
}

// DeliveryMode reads the metadata["deliveryMode"] field, defaulting to
// DeliveryPush when absent (§4.9 classifier: "push" or absent → push).
func (m Message) DeliveryMode() DeliveryMode {
	if m.Metadata == nil {
		return DeliveryPush
	}
	v, ok := m.Metadata["deliveryMode"]
	if !ok {
		return DeliveryPush
	}
	s, ok := v.(string)
	if !ok {
		return DeliveryPush
	}
	return DeliveryMode(s)
}

// EffectiveThreadID returns ThreadID, falling back to ID when absent — used
// wherever the spec says "threadId (falls back to messageId when absent)".
func (m Message) EffectiveThreadID() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return m.ID
}

// JWTConfig configures the symmetric-secret JWT lifecycle (§3, §4.6).
type JWTConfig struct {
	Secret              string        `yaml:"secret"`
	ExpiryMs            int64         `yaml:"expiry_ms"`
	RotationIntervalMs  int64         `yaml:"rotation_interval_ms"`
	RevocationTTLMs     int64         `yaml:"revocation_ttl_ms"`
}

// Expiry returns ExpiryMs as a time.Duration.
func (c JWTConfig) Expiry() time.Duration { return time.Duration(c.ExpiryMs) * time.Millisecond }

// RotationInterval returns RotationIntervalMs as a time.Duration.
func (c JWTConfig) RotationInterval() time.Duration {
	return time.Duration(c.RotationIntervalMs) * time.Millisecond
}

// RevocationTTL returns RevocationTTLMs as a time.Duration.
func (c JWTConfig) RevocationTTL() time.Duration {
	return time.Duration(c.RevocationTTLMs) * time.Millisecond
}

// RateLimitConfig maps action name -> allowed actions per 60s window.
type RateLimitConfig map[string]int

// AuditConfig configures the audit batcher (§4.6).
type AuditConfig struct {
	BatchSize       int   `yaml:"batch_size"`
	FlushIntervalMs int64 `yaml:"flush_interval_ms"`
	// Durable, when true, appends a batch whose remote flush failed to the
	// local JSONL file at DurablePath so those entries are not lost between
	// process restarts (invariant 5).
	Durable     bool   `yaml:"durable"`
	DurablePath string `yaml:"durable_path"`
}

// FlushInterval returns FlushIntervalMs as a time.Duration.
func (c AuditConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// SecurityConfig is the composite configuration consumed by internal/security.
type SecurityConfig struct {
	JWT               JWTConfig       `yaml:"jwt"`
	RateLimits        RateLimitConfig `yaml:"rate_limits"`
	AllowedDirectories []string       `yaml:"allowed_directories"`
	Audit             AuditConfig     `yaml:"audit"`
}

// AuditResult is the outcome recorded by an AuditEntry's Result field.
type AuditResult string

const (
	AuditAllowed AuditResult = "allowed"
)

// BlockedResult builds an AuditResult of the form "blocked:<reason>".
func BlockedResult(reason string) AuditResult {
	return AuditResult("blocked:" + reason)
}

// AuditEntry records one security-pipeline decision (§3).
type AuditEntry struct {
	Timestamp  time.Time   `json:"timestamp"`
	ActorID    string      `json:"actor_id"`
	Action     string      `json:"action"`
	Result     AuditResult `json:"result"`
	DurationMs int64       `json:"duration_ms"`
	MessageID  string      `json:"message_id,omitempty"`
}
