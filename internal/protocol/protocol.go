// Package protocol defines the JSON wire frames exchanged with agents over
// the /agent WebSocket. Every frame is a typed Envelope; request/response
// pairs (assignment and its ack) are correlated by MsgID/CorrelationID.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of message carried by an Envelope.
// Agent-originated types are prefixed "agent.", server-originated types
// "orchestrator.".
type Type string

const (
	// Agent → orchestrator.
	TypeAgentHello      Type = "agent.hello"
	TypeAgentHeartbeat  Type = "agent.heartbeat"
	TypeAgentAssignAck  Type = "agent.assign.ack"
	TypeAgentJobUpdate  Type = "agent.job.update"
	TypeAgentJobStopped Type = "agent.job.stopped"
	TypeAgentError      Type = "agent.error"
	TypeAgentMuteAck    Type = "agent.job.mute.ack"
	TypeAgentPauseAck   Type = "agent.job.pause.ack"

	// Orchestrator → agent.
	TypeHelloOK     Type = "orchestrator.hello.ok"
	TypeAssignStart Type = "orchestrator.assign.start"
	TypeJobStop     Type = "orchestrator.job.stop"
	TypeJobMute     Type = "orchestrator.job.mute"
	TypeJobPause    Type = "orchestrator.job.pause"
	TypeAgentReboot Type = "orchestrator.agent.reboot"
)

// CloseUnauthorized is the WebSocket close code sent when an agent presents
// a bad token in agent.hello.
const CloseUnauthorized = 4001

// Envelope is the frame around every agent-protocol message.
type Envelope struct {
	Type          Type            `json:"type"`
	MsgID         string          `json:"msgId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	TS            time.Time       `json:"ts"`
	AgentID       string          `json:"agentId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// New builds an Envelope with a fresh MsgID and the current timestamp.
func New(t Type, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		Type:    t,
		MsgID:   uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: raw,
	}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Capabilities is what an agent advertises in agent.hello. The orchestrator
// records it for observability; scheduling is currently capability-blind.
type Capabilities struct {
	Slots         int    `json:"slots"`
	MaxResolution string `json:"maxResolution,omitempty"`
}

// ActiveJob is the job an agent reports as still running when it reconnects.
type ActiveJob struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// Hello is the payload of agent.hello, the mandatory first frame on a
// connection.
type Hello struct {
	AgentID      string       `json:"agentId"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
	Drain        bool         `json:"drain"`
	ActiveJob    *ActiveJob   `json:"activeJob,omitempty"`
	Auth         struct {
		Token string `json:"token"`
	} `json:"auth"`
}

// HelloOK is the payload of orchestrator.hello.ok: the timing contract the
// agent must respect for the lifetime of the connection.
type HelloOK struct {
	HeartbeatIntervalMS int64 `json:"heartbeatIntervalMs"`
	HeartbeatTimeoutMS  int64 `json:"heartbeatTimeoutMs"`
	StopGraceMS         int64 `json:"stopGraceMs"`
	KillAfterMS         int64 `json:"killAfterMs"`
}

// AssignStart is the payload of orchestrator.assign.start.
type AssignStart struct {
	JobID          string            `json:"jobId"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Config         json.RawMessage   `json:"config,omitempty"`
	TemplateID     string            `json:"templateId,omitempty"`
	ExpiresAt      time.Time         `json:"expiresAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	StreamMetadata any               `json:"streamMetadata,omitempty"`
}

// AssignAck is the payload of agent.assign.ack. CorrelationID on the
// envelope must match the MsgID of the assign.start being answered.
type AssignAck struct {
	JobID    string `json:"jobId"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// JobUpdate is the payload of agent.job.update, reporting non-terminal
// status progression (ACCEPTED, STARTING, RUNNING, STOPPING).
type JobUpdate struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// JobError carries a terminal error reported by the agent.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JobStopped is the payload of agent.job.stopped, the agent's final word on
// a job. Status is STOPPED or FAILED.
type JobStopped struct {
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	ExitReason string    `json:"exitReason,omitempty"`
	Error      *JobError `json:"error,omitempty"`
}

// AgentError is the payload of agent.error: the agent itself is unhealthy.
type AgentError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// JobStop is the payload of orchestrator.job.stop. DeadlineMS is the stop
// grace the agent gets before it must kill the pipeline.
type JobStop struct {
	JobID      string `json:"jobId"`
	Reason     string `json:"reason"`
	DeadlineMS int64  `json:"deadlineMs"`
}

// JobMute is the payload of orchestrator.job.mute and agent.job.mute.ack.
type JobMute struct {
	JobID string `json:"jobId"`
	Muted bool   `json:"muted"`
}

// JobPause is the payload of orchestrator.job.pause and agent.job.pause.ack.
type JobPause struct {
	JobID  string `json:"jobId"`
	Paused bool   `json:"paused"`
}

// Reboot is the payload of orchestrator.agent.reboot.
type Reboot struct {
	Reason string `json:"reason,omitempty"`
}
